package security

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/BTreeMap/GateCoach/internal/keylock"
	"github.com/BTreeMap/GateCoach/internal/models"
)

// Default limits applied when no option or override says otherwise.
const (
	DefaultMaxMessageLength      = 1000
	DefaultMaxPerMinute          = 10
	DefaultMaxPerHour            = 100
	DefaultMaxSuspiciousAttempts = 3
	DefaultBlockDuration         = 30 * time.Minute
)

// Rejection reasons shown to the user.
const (
	ReasonTooFast      = "Too many messages. Slow down."
	ReasonHourlyLimit  = "Hourly limit reached. Try again later."
	ReasonViolations   = "Temporarily blocked due to repeated violations"
	blockedReasonFmt   = "Blocked for %d more minutes"
	rateWindowMinute   = time.Minute
	rateWindowRetained = time.Hour
)

// ErrInvalidLimit is returned when an override value is negative.
var ErrInvalidLimit = models.ErrInvalidLimit

// Opts configures the security layer.
type Opts struct {
	MaxMessageLength      int
	MaxPerMinute          int
	MaxPerHour            int
	MaxSuspiciousAttempts int
	BlockDuration         time.Duration
	AdminUserID           string
	Now                   func() time.Time
}

// Option applies a setting to Opts.
type Option func(*Opts)

// WithMaxMessageLength sets the length above which input is truncated.
func WithMaxMessageLength(n int) Option {
	return func(o *Opts) { o.MaxMessageLength = n }
}

// WithRateLimits sets the default per-minute and per-hour caps.
func WithRateLimits(perMinute, perHour int) Option {
	return func(o *Opts) {
		o.MaxPerMinute = perMinute
		o.MaxPerHour = perHour
	}
}

// WithSuspicionPolicy sets how many suspicious messages trigger a block and for how long.
func WithSuspicionPolicy(attempts int, block time.Duration) Option {
	return func(o *Opts) {
		o.MaxSuspiciousAttempts = attempts
		o.BlockDuration = block
	}
}

// WithAdminUserID marks one user id as exempt from rate caps.
func WithAdminUserID(id string) Option {
	return func(o *Opts) { o.AdminUserID = id }
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

func buildOpts(opts []Option) Opts {
	o := Opts{
		MaxMessageLength:      DefaultMaxMessageLength,
		MaxPerMinute:          DefaultMaxPerMinute,
		MaxPerHour:            DefaultMaxPerHour,
		MaxSuspiciousAttempts: DefaultMaxSuspiciousAttempts,
		BlockDuration:         DefaultBlockDuration,
		Now:                   time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.MaxMessageLength <= 0 {
		o.MaxMessageLength = DefaultMaxMessageLength
	}
	if o.MaxSuspiciousAttempts <= 0 {
		o.MaxSuspiciousAttempts = DefaultMaxSuspiciousAttempts
	}
	return o
}

// RateRecord is the per-user limiter bookkeeping.
type RateRecord struct {
	Requests        []time.Time
	SuspiciousCount int
	BlockedUntil    time.Time
}

// RateStore owns every RateRecord and limit override. It is built once and
// shared by pointer; records are mutated only while their key lock is held.
type RateStore struct {
	locks *keylock.KeyedMutex

	mu      sync.Mutex
	records map[string]*RateRecord

	overridesMu sync.RWMutex
	overrides   map[string]models.LimitOverride
}

// NewRateStore creates an empty store.
func NewRateStore() *RateStore {
	return &RateStore{
		locks:     keylock.New(),
		records:   make(map[string]*RateRecord),
		overrides: make(map[string]models.LimitOverride),
	}
}

// update runs fn with exclusive access to the user's record, creating it on
// first use.
func (s *RateStore) update(userID string, fn func(rec *RateRecord)) {
	unlock := s.locks.Lock(userID)
	defer unlock()

	s.mu.Lock()
	rec, ok := s.records[userID]
	if !ok {
		rec = &RateRecord{}
		s.records[userID] = rec
	}
	s.mu.Unlock()

	fn(rec)
}

// Snapshot returns a copy of the user's record.
func (s *RateStore) Snapshot(userID string) (RateRecord, bool) {
	unlock := s.locks.Lock(userID)
	defer unlock()

	s.mu.Lock()
	rec, ok := s.records[userID]
	s.mu.Unlock()
	if !ok {
		return RateRecord{}, false
	}
	out := *rec
	out.Requests = append([]time.Time(nil), rec.Requests...)
	return out, true
}

// Delete drops the user's record. Overrides are kept.
func (s *RateStore) Delete(userID string) {
	unlock := s.locks.Lock(userID)
	defer unlock()

	s.mu.Lock()
	delete(s.records, userID)
	s.mu.Unlock()
}

// deleteIf drops the user's record when idle reports true for it.
func (s *RateStore) deleteIf(userID string, idle func(rec *RateRecord) bool) bool {
	unlock := s.locks.Lock(userID)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[userID]
	if !ok || !idle(rec) {
		return false
	}
	delete(s.records, userID)
	return true
}

func (s *RateStore) override(userID string) (models.LimitOverride, bool) {
	s.overridesMu.RLock()
	defer s.overridesMu.RUnlock()
	o, ok := s.overrides[userID]
	return o, ok
}

// RateLimiter applies sliding-window caps, suspicion counting and timed blocks.
type RateLimiter struct {
	store *RateStore
	opts  Opts
}

// NewRateLimiter creates a limiter backed by store.
func NewRateLimiter(store *RateStore, opts ...Option) *RateLimiter {
	return &RateLimiter{store: store, opts: buildOpts(opts)}
}

// CheckAndRecord decides whether userID may send a message now. An accepted
// message is recorded against both windows before returning.
func (l *RateLimiter) CheckAndRecord(userID string) (bool, string) {
	limits := l.GetLimits(userID)

	var allowed bool
	var reason string
	l.store.update(userID, func(rec *RateRecord) {
		now := l.opts.Now()

		if !rec.BlockedUntil.IsZero() {
			if now.Before(rec.BlockedUntil) {
				remaining := int(rec.BlockedUntil.Sub(now) / time.Minute)
				reason = fmt.Sprintf(blockedReasonFmt, remaining)
				return
			}
			rec.BlockedUntil = time.Time{}
			rec.SuspiciousCount = 0
			slog.Info("RateLimiter.CheckAndRecord: block expired", "userID", userID)
		}

		rec.Requests = pruneBefore(rec.Requests, now.Add(-rateWindowRetained))

		if !limits.Unlimited {
			minuteAgo := now.Add(-rateWindowMinute)
			recent := 0
			for _, ts := range rec.Requests {
				if ts.After(minuteAgo) {
					recent++
				}
			}
			if recent >= limits.PerMinute {
				reason = ReasonTooFast
				return
			}
			if len(rec.Requests) >= limits.PerHour {
				reason = ReasonHourlyLimit
				return
			}
		}

		rec.Requests = append(rec.Requests, now)
		allowed = true
	})

	if !allowed {
		slog.Debug("RateLimiter.CheckAndRecord: rejected", "userID", userID, "reason", reason)
	}
	return allowed, reason
}

// RecordSuspicious counts a suspicious message and reports whether the user
// is now blocked.
func (l *RateLimiter) RecordSuspicious(userID string) bool {
	var blocked bool
	l.store.update(userID, func(rec *RateRecord) {
		rec.SuspiciousCount++
		if rec.SuspiciousCount >= l.opts.MaxSuspiciousAttempts {
			rec.BlockedUntil = l.opts.Now().Add(l.opts.BlockDuration)
			blocked = true
		}
		slog.Warn("RateLimiter.RecordSuspicious: suspicious input recorded",
			"userID", userID, "count", rec.SuspiciousCount, "blocked", blocked)
	})
	return blocked
}

// SetLimit stores an override for userID. Nil values leave the corresponding
// field of an existing override untouched.
func (l *RateLimiter) SetLimit(userID string, perMinute, perHour *int) error {
	if userID == "" {
		return models.ErrEmptyUserID
	}
	if (perMinute != nil && *perMinute < 0) || (perHour != nil && *perHour < 0) {
		return ErrInvalidLimit
	}

	l.store.overridesMu.Lock()
	defer l.store.overridesMu.Unlock()

	o := l.store.overrides[userID]
	if perMinute != nil {
		v := *perMinute
		o.PerMinute = &v
	}
	if perHour != nil {
		v := *perHour
		o.PerHour = &v
	}
	l.store.overrides[userID] = o
	slog.Info("RateLimiter.SetLimit: override stored", "userID", userID)
	return nil
}

// RemoveLimit reverts userID to the default caps.
func (l *RateLimiter) RemoveLimit(userID string) {
	l.store.overridesMu.Lock()
	delete(l.store.overrides, userID)
	l.store.overridesMu.Unlock()
	slog.Info("RateLimiter.RemoveLimit: override removed", "userID", userID)
}

// GetLimits returns the caps the next check for userID will use.
func (l *RateLimiter) GetLimits(userID string) models.EffectiveLimits {
	if l.opts.AdminUserID != "" && userID == l.opts.AdminUserID {
		return models.EffectiveLimits{Unlimited: true}
	}
	limits := models.EffectiveLimits{PerMinute: l.opts.MaxPerMinute, PerHour: l.opts.MaxPerHour}
	if o, ok := l.store.override(userID); ok {
		limits.Custom = true
		if o.PerMinute != nil {
			limits.PerMinute = *o.PerMinute
		}
		if o.PerHour != nil {
			limits.PerHour = *o.PerHour
		}
	}
	return limits
}

// ListLimits returns a copy of every override.
func (l *RateLimiter) ListLimits() map[string]models.LimitOverride {
	l.store.overridesMu.RLock()
	defer l.store.overridesMu.RUnlock()
	return maps.Clone(l.store.overrides)
}

// Reset clears the user's timestamps, suspicion counter and block.
func (l *RateLimiter) Reset(userID string) {
	l.store.Delete(userID)
}

// PruneIdle drops records that no longer affect any decision: no request in
// the retained hour, no pending suspicion count and no active block. It
// returns how many were dropped.
func (l *RateLimiter) PruneIdle() int {
	l.store.mu.Lock()
	ids := slices.Collect(maps.Keys(l.store.records))
	l.store.mu.Unlock()

	pruned := 0
	for _, id := range ids {
		if l.store.deleteIf(id, func(rec *RateRecord) bool {
			now := l.opts.Now()
			if now.Before(rec.BlockedUntil) {
				return false
			}
			if rec.BlockedUntil.IsZero() && rec.SuspiciousCount > 0 {
				return false
			}
			return len(pruneBefore(rec.Requests, now.Add(-rateWindowRetained))) == 0
		}) {
			pruned++
		}
	}
	if pruned > 0 {
		slog.Debug("RateLimiter.PruneIdle: idle records dropped", "count", pruned, "remaining", len(ids)-pruned)
	}
	return pruned
}

// Blocked reports whether userID is under an active block.
func (l *RateLimiter) Blocked(userID string) bool {
	rec, ok := l.store.Snapshot(userID)
	return ok && l.opts.Now().Before(rec.BlockedUntil)
}

func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}
