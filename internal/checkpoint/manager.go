// Package checkpoint makes an append-only record log safe to consume: it
// extracts every well-formed document from a possibly corrupted log,
// deduplicates by identity, rewrites a clean log atomically, and tracks a
// small resume checkpoint alongside it.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"go.uber.org/zap"

	"github.com/promodata/harvester/internal/record"
	"github.com/promodata/harvester/internal/telemetry"
)

const (
	checkpointSuffix = ".checkpoint"
	backupSuffix     = ".bak"
)

// Checkpoint is the durable resume marker co-located with the record log.
type Checkpoint struct {
	LastValidIdentity *string `json:"last_valid_identity"`
	LastValidLine     int     `json:"last_valid_line"`
}

// Config holds manager knobs.
type Config struct {
	// LogPath is the record log to guard.
	LogPath string `mapstructure:"log_path"`
	// IdentityFields are the candidate identity field names, in order.
	IdentityFields []string `mapstructure:"identity_fields"`
	// RequiredFields is the minimal schema; documents missing any are
	// dropped as invalid. Defaults to the first identity field resolving.
	RequiredFields []string `mapstructure:"required_fields"`
	// KeepLast keeps the last occurrence of a duplicated identity instead
	// of the first.
	KeepLast bool `mapstructure:"keep_last"`
	// Backup copies the log aside before any destructive rewrite.
	Backup bool `mapstructure:"backup"`
}

// Report summarizes one repair pass.
type Report struct {
	// Identities are the surviving identities, for resume skip sets.
	Identities map[string]struct{}
	// LastIdentity is the identity of the final surviving document.
	LastIdentity string
	// Survivors is the count of documents written back.
	Survivors int
	// InvalidLines maps line numbers to unparseable or schema-failing
	// content counts.
	InvalidLines []int
	// Duplicates are identities that appeared more than once.
	Duplicates map[string]int
}

// Manager repairs and checkpoints one record log.
type Manager struct {
	cfg    Config
	logger *zap.Logger
}

// New creates a Manager.
func New(cfg Config, logger *zap.Logger) (*Manager, error) {
	if cfg.LogPath == "" {
		return nil, errors.New("log path is required")
	}
	if len(cfg.IdentityFields) == 0 {
		cfg.IdentityFields = record.DefaultIdentityFields
	}
	return &Manager{cfg: cfg, logger: logger}, nil
}

// CheckpointPath returns the sibling checkpoint file path.
func (m *Manager) CheckpointPath() string {
	return m.cfg.LogPath + checkpointSuffix
}

// Repair scans the log, extracts every well-formed document (a single
// physical line may hold several concatenated documents), drops documents
// failing the minimal schema, collapses duplicates, rewrites the clean log
// atomically, and writes a fresh checkpoint. A missing log yields an empty
// report and a zero checkpoint.
func (m *Manager) Repair() (*Report, error) {
	report := &Report{
		Identities: make(map[string]struct{}),
		Duplicates: make(map[string]int),
	}

	if _, err := os.Stat(m.cfg.LogPath); err != nil {
		if os.IsNotExist(err) {
			if err := m.WriteCheckpoint(Checkpoint{}); err != nil {
				return nil, err
			}
			return report, nil
		}
		return nil, fmt.Errorf("stat log: %w", err)
	}

	if m.cfg.Backup {
		if err := copyFile(m.cfg.LogPath, m.cfg.LogPath+backupSuffix); err != nil {
			return nil, fmt.Errorf("backup log: %w", err)
		}
	}

	type entry struct {
		order int
		rec   record.Record
	}
	byIdentity := make(map[string]*entry)
	order := 0
	lineNo := 0

	if err := record.EachLine(m.cfg.LogPath, func(line []byte) {
		lineNo++
		if len(line) == 0 {
			return
		}
		docs := record.ExtractAll(line)
		if len(docs) == 0 {
			report.InvalidLines = append(report.InvalidLines, lineNo)
			return
		}
		lineInvalid := false
		for _, doc := range docs {
			if len(m.cfg.RequiredFields) > 0 && !doc.HasFields(m.cfg.RequiredFields) {
				lineInvalid = true
				continue
			}
			id, ok := doc.Identity(m.cfg.IdentityFields)
			if !ok {
				lineInvalid = true
				continue
			}
			if existing, dup := byIdentity[id]; dup {
				report.Duplicates[id]++
				if m.cfg.KeepLast {
					existing.rec = doc
				}
				continue
			}
			byIdentity[id] = &entry{order: order, rec: doc}
			order++
		}
		if lineInvalid {
			report.InvalidLines = append(report.InvalidLines, lineNo)
		}
	}); err != nil {
		return nil, err
	}

	entries := make([]*entry, 0, len(byIdentity))
	for _, e := range byIdentity {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].order < entries[j].order })

	survivors := make([]record.Record, len(entries))
	for i, e := range entries {
		survivors[i] = e.rec
		id, _ := e.rec.Identity(m.cfg.IdentityFields)
		report.Identities[id] = struct{}{}
		report.LastIdentity = id
	}
	report.Survivors = len(survivors)

	if err := record.WriteFileAtomic(m.cfg.LogPath, survivors); err != nil {
		return nil, fmt.Errorf("rewrite log: %w", err)
	}

	cp := Checkpoint{LastValidLine: report.Survivors}
	if report.LastIdentity != "" {
		cp.LastValidIdentity = &report.LastIdentity
	}
	if err := m.WriteCheckpoint(cp); err != nil {
		return nil, err
	}

	telemetry.RepairInvalidLines.Add(float64(len(report.InvalidLines)))
	for _, n := range report.Duplicates {
		telemetry.RepairDuplicates.Add(float64(n))
	}

	if len(report.InvalidLines) > 0 || len(report.Duplicates) > 0 {
		m.logger.Warn("log repaired with issues",
			zap.Int("survivors", report.Survivors),
			zap.Ints("invalid_lines", report.InvalidLines),
			zap.Int("duplicate_identities", len(report.Duplicates)),
		)
	} else {
		m.logger.Info("log repaired clean", zap.Int("survivors", report.Survivors))
	}
	return report, nil
}

// Validate compares the stored checkpoint with a fresh repair pass. The
// fresh scan always wins: any disagreement simply means the log changed
// underneath the checkpoint, and the reconciled state is returned.
func (m *Manager) Validate() (*Report, error) {
	stored, err := m.ReadCheckpoint()
	if err != nil {
		return nil, err
	}
	report, err := m.Repair()
	if err != nil {
		return nil, err
	}
	if stored != nil && !agrees(*stored, report) {
		m.logger.Warn("checkpoint disagreed with fresh scan; fresh scan wins",
			zap.Int("checkpoint_lines", stored.LastValidLine),
			zap.Int("scanned_lines", report.Survivors),
		)
	}
	return report, nil
}

func agrees(cp Checkpoint, report *Report) bool {
	if cp.LastValidLine != report.Survivors {
		return false
	}
	switch {
	case cp.LastValidIdentity == nil:
		return report.LastIdentity == ""
	default:
		return *cp.LastValidIdentity == report.LastIdentity
	}
}

// WriteCheckpoint persists cp atomically next to the log.
func (m *Manager) WriteCheckpoint(cp Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	tmp := m.CheckpointPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, m.CheckpointPath()); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	return nil
}

// ReadCheckpoint loads the stored checkpoint. A missing or unreadable file
// returns nil: the caller falls back to a full scan.
func (m *Manager) ReadCheckpoint() (*Checkpoint, error) {
	data, err := os.ReadFile(m.CheckpointPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		// A corrupt checkpoint is not fatal; the fresh scan supersedes it.
		m.logger.Warn("corrupt checkpoint ignored", zap.Error(err))
		return nil, nil
	}
	return &cp, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
