package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/medvault/custody/pkg/logger"
	"github.com/medvault/custody/pkg/types"
)

// Dispatcher delivers a grant's code to its subject out of band
type Dispatcher interface {
	Send(ctx context.Context, to types.Contact, summary types.GrantSummary) error
}

// FormatMessage renders the text a patient receives
func FormatMessage(summary types.GrantSummary) string {
	sections := strings.Join(summary.Sections, ", ")
	remaining := time.Until(summary.ExpiresAt).Round(time.Minute)
	if remaining <= 0 {
		remaining = types.GrantTTL
	}

	switch summary.Kind {
	case types.GrantKindUpdate:
		return fmt.Sprintf("%s proposed changes to your %s. Confirm with code %s within %d minutes.",
			summary.Issuer, sections, summary.Token, int(remaining.Minutes()))
	default:
		return fmt.Sprintf("%s requests access to your %s. Share code %s to approve. It expires in %d minutes.",
			summary.Issuer, sections, summary.Token, int(remaining.Minutes()))
	}
}

// LogDispatcher writes notifications to the log instead of sending them.
// Development only: the log line contains the code.
type LogDispatcher struct {
	logger *logger.Logger
}

// NewLogDispatcher creates a new log dispatcher
func NewLogDispatcher(log *logger.Logger) *LogDispatcher {
	return &LogDispatcher{logger: log}
}

func (d *LogDispatcher) Send(ctx context.Context, to types.Contact, summary types.GrantSummary) error {
	d.logger.WithContext(ctx).WithField("component", "notify").WithFields(map[string]interface{}{
		"vault_id":  to.VaultID,
		"reference": summary.Reference,
		"kind":      summary.Kind,
		"message":   FormatMessage(summary),
	}).Info("Notification dispatched to log")
	return nil
}
