// Package sink is the Result Sink: the concurrency-safe append path for
// findings produced by capability runs.
package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/steveyegge/agentflow/internal/types"
)

// Store is the durable finding store the sink appends to. RecordFinding must
// be idempotent on (session, capability, natural key).
type Store interface {
	RecordFinding(ctx context.Context, finding *types.Finding) (bool, error)
}

// Config holds retry configuration for finding writes
type Config struct {
	MaxRetries        int           // Maximum number of retries (default: 3)
	InitialBackoff    time.Duration // Initial backoff duration (default: 100ms)
	MaxBackoff        time.Duration // Maximum backoff duration (default: 2s)
	BackoffMultiplier float64       // Backoff multiplier (default: 2.0)
	Logger            *logrus.Logger
}

// DefaultConfig returns the default sink configuration
func DefaultConfig() Config {
	return Config{
		MaxRetries:        3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        2 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// Sink appends findings to a Store, retrying transient failures with
// exponential backoff. Safe for concurrent use.
type Sink struct {
	store Store
	cfg   Config
	log   *logrus.Entry
}

// New creates a sink over store. Unset backoff fields take their defaults;
// MaxRetries is used as given.
func New(store Store, cfg Config) *Sink {
	def := DefaultConfig()
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = def.BackoffMultiplier
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Sink{
		store: store,
		cfg:   cfg,
		log:   logger.WithField("component", "sink"),
	}
}

// Record appends one finding to a session. It reports whether a new row was
// created; a duplicate of an already recorded finding returns false, nil.
// The finding is stamped with its session, capability, ID and creation time.
func (s *Sink) Record(ctx context.Context, sessionID string, capType types.CapabilityType, f *types.Finding) (bool, error) {
	if f == nil {
		return false, fmt.Errorf("finding is nil")
	}
	if err := f.Validate(); err != nil {
		return false, fmt.Errorf("invalid finding: %w", err)
	}

	f.SessionID = sessionID
	f.Capability = capType
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}

	var lastErr error
	backoff := s.cfg.InitialBackoff

	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		inserted, err := s.store.RecordFinding(ctx, f)
		if err == nil {
			if attempt > 0 {
				s.log.WithFields(logrus.Fields{
					"session":    sessionID,
					"capability": capType,
				}).Infof("Finding recorded after %d retries", attempt)
			}
			return inserted, nil
		}

		lastErr = err
		if !isRetriable(err) {
			return false, err
		}
		if attempt == s.cfg.MaxRetries {
			break
		}
		if ctx.Err() != nil {
			return false, fmt.Errorf("record finding: context canceled: %w", ctx.Err())
		}

		s.log.WithFields(logrus.Fields{
			"session":    sessionID,
			"capability": capType,
			"attempt":    attempt + 1,
			"backoff":    backoff,
		}).WithError(err).Warn("Recording finding failed, retrying")

		select {
		case <-time.After(backoff):
			backoff = time.Duration(float64(backoff) * s.cfg.BackoffMultiplier)
			if backoff > s.cfg.MaxBackoff {
				backoff = s.cfg.MaxBackoff
			}
		case <-ctx.Done():
			return false, fmt.Errorf("record finding: context canceled during backoff: %w", ctx.Err())
		}
	}

	return false, fmt.Errorf("record finding failed after %d retries: %w", s.cfg.MaxRetries, lastErr)
}

// isRetriable reports whether a store error may succeed on a later attempt.
// Domain rejections and cancellation are final.
func isRetriable(err error) bool {
	switch {
	case errors.Is(err, types.ErrSessionTerminal),
		errors.Is(err, types.ErrNotFound),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}
