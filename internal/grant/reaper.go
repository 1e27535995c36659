package grant

import (
	"context"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/medvault/custody/pkg/logger"
)

// Reaper periodically reclaims value log space held by expired and consumed
// grants. Correctness never depends on it; expiry is checked on every read.
type Reaper struct {
	db        *badger.DB
	interval  time.Duration
	threshold float64
	logger    *logger.Logger
}

// NewReaper creates a reaper for the given store
func NewReaper(store *BadgerStore, interval time.Duration, threshold float64, log *logger.Logger) *Reaper {
	return &Reaper{
		db:        store.DB(),
		interval:  interval,
		threshold: threshold,
		logger:    log,
	}
}

// Run blocks until ctx is cancelled
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	log := r.logger.WithComponent("grant-reaper")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rewrites, err := r.Collect()
			if err != nil {
				log.WithError(err).Warn("Value log GC failed")
				continue
			}
			if rewrites > 0 {
				log.WithField("rewrites", rewrites).Debug("Value log GC completed")
			}
		}
	}
}

// Collect runs value log GC until there is nothing left to rewrite and
// returns how many files were rewritten.
func (r *Reaper) Collect() (int, error) {
	rewrites := 0
	for {
		err := r.db.RunValueLogGC(r.threshold)
		switch {
		case err == nil:
			rewrites++
		case errors.Is(err, badger.ErrNoRewrite), errors.Is(err, badger.ErrGCInMemoryMode):
			return rewrites, nil
		default:
			return rewrites, err
		}
	}
}
