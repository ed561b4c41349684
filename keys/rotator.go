package keys

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/velumlabs/oauthkit/instrumentation"
	"github.com/velumlabs/oauthkit/storage"
)

// DefaultRotationInterval is how often the rotator mints a new signing key
// when the host invokes CheckAndRotate on schedule.
const DefaultRotationInterval = 24 * time.Hour

// Rotator decides when the Authority must mint a new key pair. It holds no
// lock: the rotation store's timestamp read/write is the serialization
// point, and a redundant rotation caused by concurrent checks produces an
// extra key pair, which is wasteful but harmless.
type Rotator struct {
	authority *Authority
	store     storage.RotationStore
	interval  time.Duration
	logger    *slog.Logger
	inst      *instrumentation.Instrumentation
	now       func() time.Time
}

// RotatorOption configures a Rotator.
type RotatorOption func(*Rotator)

// WithRotationInterval sets the minimum time between rotations.
func WithRotationInterval(interval time.Duration) RotatorOption {
	return func(r *Rotator) { r.interval = interval }
}

// WithRotatorLogger sets the rotator's logger.
func WithRotatorLogger(logger *slog.Logger) RotatorOption {
	return func(r *Rotator) { r.logger = logger }
}

// WithRotatorInstrumentation records a counter increment per rotation.
func WithRotatorInstrumentation(inst *instrumentation.Instrumentation) RotatorOption {
	return func(r *Rotator) { r.inst = inst }
}

// WithRotatorClock overrides the rotator's time source. Intended for tests.
func WithRotatorClock(now func() time.Time) RotatorOption {
	return func(r *Rotator) { r.now = now }
}

// NewRotator creates a rotator for the given authority and rotation store.
func NewRotator(authority *Authority, store storage.RotationStore, opts ...RotatorOption) (*Rotator, error) {
	if authority == nil {
		return nil, fmt.Errorf("authority is required")
	}
	if store == nil {
		return nil, fmt.Errorf("rotation store is required")
	}
	r := &Rotator{
		authority: authority,
		store:     store,
		interval:  DefaultRotationInterval,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// CheckAndRotate reads the last-rotation timestamp and, if absent or older
// than the rotation interval, generates a new key pair and records now. It
// is cheap when no rotation is due and is meant to be called repeatedly by
// a host scheduler (e.g. hourly).
func (r *Rotator) CheckAndRotate(ctx context.Context) (rotated bool, err error) {
	now := r.now()

	last, err := r.store.LastRotation(ctx)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		// Never rotated: fall through and rotate now.
	case err != nil:
		return false, fmt.Errorf("failed to read last rotation: %w", err)
	case now.Sub(last) < r.interval:
		return false, nil
	}

	if _, err := r.authority.GenerateKeyPair(ctx); err != nil {
		return false, fmt.Errorf("rotation failed: %w", err)
	}

	if err := r.store.SetLastRotation(ctx, now); err != nil {
		return false, fmt.Errorf("failed to record rotation: %w", err)
	}

	r.inst.RecordKeyRotation(ctx)
	r.logger.Info("rotated signing key", "interval", r.interval)
	return true, nil
}
