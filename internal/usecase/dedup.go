package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vitos/signal_copy_trader/internal/domain"
	"go.uber.org/zap"
)

type DedupSettings struct {
	TTL time.Duration
	// NearDuplicatePct blocks a same symbol and side signal whose first entry
	// is within this percentage of one already seen inside the TTL.
	NearDuplicatePct decimal.Decimal
	CleanupInterval  time.Duration
}

func DefaultDedupSettings() DedupSettings {
	return DedupSettings{
		TTL:              3 * time.Hour,
		NearDuplicatePct: decimal.NewFromInt(5),
		CleanupInterval:  time.Minute,
	}
}

type recentSignal struct {
	entry decimal.Decimal
	at    time.Time
}

// DedupEngine suppresses repeated and near-identical signals inside a
// sliding TTL window. All checks record atomically under one mutex.
type DedupEngine struct {
	cfg    DedupSettings
	store  domain.FingerprintStore
	logger *zap.Logger
	now    func() time.Time

	mu     sync.Mutex
	seen   map[string]time.Time
	recent map[string][]recentSignal
}

func NewDedupEngine(cfg DedupSettings, store domain.FingerprintStore, logger *zap.Logger) *DedupEngine {
	return &DedupEngine{
		cfg:    cfg,
		store:  store,
		logger: logger,
		now:    time.Now,
		seen:   make(map[string]time.Time),
		recent: make(map[string][]recentSignal),
	}
}

// TextFingerprint hashes the message with case and whitespace folded.
func TextFingerprint(text string) string {
	norm := strings.Join(strings.Fields(strings.ToUpper(text)), " ")
	sum := sha256.Sum256([]byte("text|" + norm))
	return hex.EncodeToString(sum[:])
}

// SignalFingerprint hashes the semantic content of a parsed signal.
// Synthesized levels are left out so the same call written with or without
// them collides.
func SignalFingerprint(sig *domain.ParsedSignal) string {
	entries := sig.Entries
	if sig.SecondEntrySynthesized && len(entries) > 1 {
		entries = entries[:1]
	}
	parts := []string{sig.Symbol, string(sig.Side), joinSorted(entries), joinSorted(sig.TakeProfits)}
	if !sig.AutoStopLoss {
		parts = append(parts, sig.StopLoss.String())
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

func joinSorted(values []decimal.Decimal) string {
	out := make([]string, len(values))
	sorted := append([]decimal.Decimal(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LessThan(sorted[j]) })
	for i, v := range sorted {
		out[i] = v.String()
	}
	return strings.Join(out, ",")
}

// CheckText records the raw text and reports whether it was already seen.
func (e *DedupEngine) CheckText(ctx context.Context, text string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.checkAndRecordLocked(ctx, TextFingerprint(text))
}

// Admit records the signal, or returns ErrDuplicateSignal when it repeats or
// nearly repeats one seen inside the TTL.
func (e *DedupEngine) Admit(ctx context.Context, sig *domain.ParsedSignal) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	key := sig.Symbol + "|" + string(sig.Side)
	entry := sig.ReferenceEntry()
	for _, r := range e.recent[key] {
		if now.Sub(r.at) >= e.cfg.TTL || !r.entry.IsPositive() {
			continue
		}
		diff := entry.Sub(r.entry).Abs().Div(r.entry).Mul(decimal.NewFromInt(100))
		if diff.LessThanOrEqual(e.cfg.NearDuplicatePct) {
			return domain.ErrDuplicateSignal
		}
	}

	if e.checkAndRecordLocked(ctx, SignalFingerprint(sig)) {
		return domain.ErrDuplicateSignal
	}
	e.recent[key] = append(e.recent[key], recentSignal{entry: entry, at: now})
	return nil
}

func (e *DedupEngine) checkAndRecordLocked(ctx context.Context, fp string) bool {
	now := e.now()
	if at, ok := e.seen[fp]; ok && now.Sub(at) < e.cfg.TTL {
		return true
	}
	if e.store != nil {
		inserted, err := e.store.InsertFingerprint(ctx, fp, now, now.Add(-e.cfg.TTL))
		if err != nil {
			e.logger.Warn("Fingerprint store unavailable, using memory only", zap.Error(err))
		} else if !inserted {
			e.seen[fp] = now
			return true
		}
	}
	e.seen[fp] = now
	return false
}

// Cleanup evicts expired fingerprints and returns how many were dropped from memory.
func (e *DedupEngine) Cleanup(ctx context.Context) int {
	e.mu.Lock()
	now := e.now()
	dropped := 0
	for fp, at := range e.seen {
		if now.Sub(at) >= e.cfg.TTL {
			delete(e.seen, fp)
			dropped++
		}
	}
	for key, list := range e.recent {
		kept := list[:0]
		for _, r := range list {
			if now.Sub(r.at) < e.cfg.TTL {
				kept = append(kept, r)
			}
		}
		if len(kept) == 0 {
			delete(e.recent, key)
		} else {
			e.recent[key] = kept
		}
	}
	e.mu.Unlock()

	if e.store != nil {
		if _, err := e.store.PurgeFingerprints(ctx, now.Add(-e.cfg.TTL)); err != nil {
			e.logger.Warn("Failed to purge fingerprints", zap.Error(err))
		}
	}
	return dropped
}

// Run evicts expired entries until ctx is cancelled.
func (e *DedupEngine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := e.Cleanup(ctx); n > 0 {
				e.logger.Debug("Evicted fingerprints", zap.Int("count", n))
			}
		}
	}
}
