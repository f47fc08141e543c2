package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/promodata/harvester/internal/record"
)

// HTTPProducerConfig configures the vendor API producer.
type HTTPProducerConfig struct {
	// URLTemplate builds the per-identity endpoint; {identity} is replaced.
	URLTemplate string `mapstructure:"url_template"`
	// Timeout bounds each attempt end to end.
	Timeout time.Duration `mapstructure:"timeout"`
	// UserAgent is sent on every request.
	UserAgent string `mapstructure:"user_agent"`
}

// HTTPProducer fetches one record per identity from a JSON API. Every
// failure is classified for the retry loop; the producer itself never
// retries.
type HTTPProducer struct {
	cfg     HTTPProducerConfig
	client  *http.Client
	session Session
	logger  *zap.Logger
}

// NewHTTPProducer creates an HTTPProducer.
func NewHTTPProducer(cfg HTTPProducerConfig, session Session, logger *zap.Logger) (*HTTPProducer, error) {
	if !strings.Contains(cfg.URLTemplate, "{identity}") {
		return nil, fmt.Errorf("url template %q lacks {identity} placeholder", cfg.URLTemplate)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &HTTPProducer{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		session: session,
		logger:  logger,
	}, nil
}

// Fetch retrieves the record for identity.
func (p *HTTPProducer) Fetch(ctx context.Context, identity string) (record.Record, error) {
	url := strings.ReplaceAll(p.cfg.URLTemplate, "{identity}", identity)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, NewError(KindFatal, identity, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if p.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", p.cfg.UserAgent)
	}
	if p.session != nil {
		token, err := p.session.Token(ctx)
		if err != nil {
			return nil, NewError(KindAuthExpired, identity, fmt.Errorf("session token: %w", err))
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, classifyTransport(identity, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusOK:
		return p.decode(identity, resp.Body)
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, NewError(KindAuthExpired, identity, fmt.Errorf("HTTP %d", resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, NewError(KindRateLimited, identity, fmt.Errorf("HTTP %d", resp.StatusCode))
	case resp.StatusCode >= 500:
		return nil, NewError(KindRetryable, identity, fmt.Errorf("HTTP %d", resp.StatusCode))
	default:
		return nil, NewError(KindFatal, identity, fmt.Errorf("HTTP %d", resp.StatusCode))
	}
}

func (p *HTTPProducer) decode(identity string, body io.Reader) (record.Record, error) {
	dec := json.NewDecoder(body)
	dec.UseNumber()
	var rec record.Record
	if err := dec.Decode(&rec); err != nil {
		return nil, NewError(KindFatal, identity, fmt.Errorf("decode response: %w", err))
	}
	if len(rec) == 0 {
		return nil, NewError(KindFatal, identity, errors.New("empty response document"))
	}
	return rec, nil
}

func classifyTransport(identity string, err error) error {
	// Attempt timeouts are transient; check before the context sentinels
	// because the client surfaces its own deadline as DeadlineExceeded too.
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewError(KindRetryable, identity, err)
	}
	if errors.Is(err, context.Canceled) {
		return NewError(KindFatal, identity, err)
	}
	// Connection resets and friends are transient.
	return NewError(KindRetryable, identity, err)
}
