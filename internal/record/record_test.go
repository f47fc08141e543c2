package record

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIdentityFieldOrder(t *testing.T) {
	rec := Record{"id": "fallback", "product_id": "P-100"}
	id, ok := rec.Identity(nil)
	require.True(t, ok)
	require.Equal(t, "P-100", id)
}

func TestIdentitySkipsEmptyValues(t *testing.T) {
	rec := Record{"product_id": "", "productId": nil, "id": float64(42)}
	id, ok := rec.Identity(nil)
	require.True(t, ok)
	require.Equal(t, "42", id)
}

func TestIdentityAnonymous(t *testing.T) {
	rec := Record{"name": "mystery mug"}
	_, ok := rec.Identity(nil)
	require.False(t, ok)
}

func TestIdentityCustomCandidates(t *testing.T) {
	rec := Record{"sku": "SKU-9", "id": "ignored"}
	id, ok := rec.Identity([]string{"sku"})
	require.True(t, ok)
	require.Equal(t, "SKU-9", id)
}

func TestHasFields(t *testing.T) {
	rec := Record{"product_id": "P-1", "name": "pen"}
	require.True(t, rec.HasFields([]string{"product_id"}))
	require.False(t, rec.HasFields([]string{"product_id", "sku"}))
	require.False(t, rec.HasFields([]string{"missing"}))
}

func TestExtractAllSingle(t *testing.T) {
	recs := ExtractAll([]byte(`{"product_id":"P-1","name":"pen"}`))
	require.Len(t, recs, 1)
	id, ok := recs[0].Identity(nil)
	require.True(t, ok)
	require.Equal(t, "P-1", id)
}

func TestExtractAllConcatenated(t *testing.T) {
	line := []byte(`{"product_id":"P-1"} {"product_id":"P-2"}{"product_id":"P-3"}`)
	recs := ExtractAll(line)
	require.Len(t, recs, 3)
	id, _ := recs[2].Identity(nil)
	require.Equal(t, "P-3", id)
}

func TestExtractAllKeepsValidPrefixBeforeGarbage(t *testing.T) {
	line := []byte(`{"product_id":"P-1"}{"product_id":"P-2","na`)
	recs := ExtractAll(line)
	require.Len(t, recs, 1)
	id, _ := recs[0].Identity(nil)
	require.Equal(t, "P-1", id)
}

func TestExtractAllUnparseable(t *testing.T) {
	require.Empty(t, ExtractAll([]byte(`not json at all`)))
	require.Empty(t, ExtractAll([]byte("   ")))
}
