package quota

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/quotagate/quotagate/internal/gateway/gatewayerr"
	"github.com/quotagate/quotagate/internal/shared/database"
	"github.com/quotagate/quotagate/internal/shared/models"
)

// Tracker enforces the rolling 5-hour token quota. Admission decisions are
// I/O-free: each credential's usage is held in an in-memory ledger, seeded
// from the store-fetched record on first sight and kept current by
// settlement. All reads and writes for one credential are serialized behind
// that credential's mutex; different credentials never contend.
type Tracker struct {
	store  database.Store
	logger *slog.Logger

	mu      sync.Mutex
	ledgers map[string]*ledger

	now func() time.Time
}

type ledger struct {
	mu       sync.Mutex
	windows  []models.UsageWindow
	reserved int64 // estimates of in-flight admitted requests
}

// Decision is the outcome of an admission check. An allowed decision holds a
// reservation that must be resolved exactly once, by Settle or Release.
type Decision struct {
	Allowed      bool
	TokensUsed   int64
	TokensLimit  int64
	WindowEndsAt time.Time

	credID   string
	estimate int64
	resolved bool
}

// New creates a tracker backed by the given store.
func New(store database.Store, logger *slog.Logger) *Tracker {
	return &Tracker{
		store:   store,
		logger:  logger,
		ledgers: make(map[string]*ledger),
		now:     time.Now,
	}
}

func (t *Tracker) ledgerFor(cred *models.Credential) *ledger {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.ledgers[cred.ID]
	if !ok {
		l = &ledger{windows: append([]models.UsageWindow(nil), cred.UsageWindows...)}
		t.ledgers[cred.ID] = l
	}
	return l
}

func (t *Tracker) ledgerByID(id string) *ledger {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.ledgers[id]
	if !ok {
		l = &ledger{}
		t.ledgers[id] = l
	}
	return l
}

// CheckAndReserve decides whether the credential may spend estimatedTokens
// more right now. The rolling sum plus all in-flight reservations plus the
// estimate must fit under the limit; the boundary is exclusive, so an entry
// exactly five hours old no longer counts. On admission the estimate is
// reserved until Settle or Release. No I/O happens here.
func (t *Tracker) CheckAndReserve(cred *models.Credential, estimatedTokens int64) *Decision {
	now := t.now()
	horizon := now.Add(-models.WindowDuration)
	l := t.ledgerFor(cred)

	l.mu.Lock()
	defer l.mu.Unlock()

	l.prune(horizon)

	var used int64
	oldest := time.Time{}
	for _, w := range l.windows {
		used += w.TokensUsed
		if oldest.IsZero() || w.WindowStart.Before(oldest) {
			oldest = w.WindowStart
		}
	}

	windowEndsAt := now.Add(models.WindowDuration)
	if !oldest.IsZero() {
		windowEndsAt = oldest.Add(models.WindowDuration)
	}

	d := &Decision{
		TokensUsed:   used,
		TokensLimit:  cred.TokenLimitPer5h,
		WindowEndsAt: windowEndsAt,
		credID:       cred.ID,
		estimate:     estimatedTokens,
	}

	if used+l.reserved+estimatedTokens > cred.TokenLimitPer5h {
		return d
	}

	l.reserved += estimatedTokens
	d.Allowed = true
	return d
}

// Settle records the actual spend for an admitted request: the reservation
// is released, a window entry is appended in memory, and the store performs
// the matching atomic append (window + lifetime + last_used in one write).
// Must be called exactly once per admitted request, including requests whose
// stream failed after producing billable output.
func (t *Tracker) Settle(ctx context.Context, d *Decision, actualTokens int64) error {
	if d == nil || !d.Allowed {
		return nil
	}
	now := t.now()
	l := t.ledgerByID(d.credID)

	l.mu.Lock()
	if d.resolved {
		l.mu.Unlock()
		return nil
	}
	d.resolved = true
	l.reserved -= d.estimate
	l.windows = append(l.windows, models.UsageWindow{WindowStart: now, TokensUsed: actualTokens})
	l.mu.Unlock()

	// The in-memory ledger already counts the spend, so enforcement stays
	// correct even if the durable write fails; the failure is surfaced for
	// reconciliation rather than silently dropped.
	if err := t.store.AppendUsage(ctx, d.credID, actualTokens, now); err != nil {
		t.logger.Error("usage settlement write failed",
			"credential", d.credID,
			"tokens", actualTokens,
			"window_start", now,
			"error", err)
		return gatewayerr.Settlement(err)
	}
	return nil
}

// Release drops the reservation of an admitted request that ended without
// billable output (e.g. the upstream refused the connection).
func (t *Tracker) Release(d *Decision) {
	if d == nil || !d.Allowed {
		return
	}
	l := t.ledgerByID(d.credID)
	l.mu.Lock()
	defer l.mu.Unlock()
	if d.resolved {
		return
	}
	d.resolved = true
	l.reserved -= d.estimate
}

// RollingUsage reports the current in-window spend for a credential, using
// the same sum-based rule as admission.
func (t *Tracker) RollingUsage(cred *models.Credential) int64 {
	now := t.now()
	l := t.ledgerFor(cred)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(now.Add(-models.WindowDuration))
	var used int64
	for _, w := range l.windows {
		used += w.TokensUsed
	}
	return used
}

// prune drops entries at or beyond the horizon. Caller holds l.mu.
// Lifetime accounting lives in the store and is never touched here.
func (l *ledger) prune(horizon time.Time) {
	kept := l.windows[:0]
	for _, w := range l.windows {
		if w.WindowStart.After(horizon) {
			kept = append(kept, w)
		}
	}
	l.windows = kept
}

// Sweep prunes persisted window entries beyond the horizon on a fixed
// interval until ctx is cancelled.
func (t *Tracker) Sweep(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			horizon := t.now().Add(-models.WindowDuration)
			n, err := t.store.PruneWindows(ctx, horizon)
			if err != nil {
				t.logger.Error("window sweep failed", "error", err)
				continue
			}
			if n > 0 {
				t.logger.Debug("pruned usage windows", "credentials", n)
			}
		}
	}
}
