package reconcile

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/medvault/custody/pkg/logger"
	"github.com/medvault/custody/pkg/monitoring"
	"github.com/medvault/custody/pkg/types"
)

// Reconciler runs Merge and records what was dropped or rejected
type Reconciler struct {
	metrics *monitoring.Metrics
	logger  *logger.Logger
}

// NewReconciler creates a new reconciler
func NewReconciler(metrics *monitoring.Metrics, log *logger.Logger) *Reconciler {
	return &Reconciler{metrics: metrics, logger: log}
}

// Merge merges proposed into existing. Malformed entries are logged and
// counted but do not fail the merge.
func (r *Reconciler) Merge(ctx context.Context, existing *types.Record, proposed types.ProposedUpdates) (*types.Record, *Report) {
	merged, report := Merge(existing, proposed)

	log := r.logger.WithContext(ctx).WithFields(logrus.Fields{
		"component": "reconcile",
		"vault_id":  existing.VaultID,
	})
	for _, o := range report.Outcomes {
		r.metrics.MergeEntries(o.Section, o.Accepted, o.Duplicates, o.Dropped)

		entry := log.WithFields(logrus.Fields{
			"section":    o.Section,
			"mode":       o.Mode,
			"accepted":   o.Accepted,
			"duplicates": o.Duplicates,
			"dropped":    o.Dropped,
		})
		switch {
		case o.Mode == ModeRejected:
			entry.WithError(o.Err).Warn("Proposed section rejected")
		case o.Dropped > 0:
			entry.Warn("Malformed entries dropped during merge")
		default:
			entry.Debug("Section merged")
		}
	}

	return merged, report
}
