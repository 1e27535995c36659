package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/medvault/custody/pkg/logger"
	"github.com/medvault/custody/pkg/types"
)

// SMSConfig configures the SMS gateway client
type SMSConfig struct {
	URL     string
	APIKey  string
	Sender  string
	Timeout time.Duration
}

// SMSGateway posts messages to an HTTP SMS gateway
type SMSGateway struct {
	config SMSConfig
	client *http.Client
	logger *logger.Logger
}

type smsRequest struct {
	To      string `json:"to"`
	From    string `json:"from"`
	Message string `json:"message"`
}

// NewSMSGateway creates a new SMS gateway client
func NewSMSGateway(config SMSConfig, log *logger.Logger) *SMSGateway {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	return &SMSGateway{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		logger: log,
	}
}

// Send delivers the summary as an SMS. Any transport error, timeout or
// non-2xx response is reported as ErrDispatchFailed.
func (g *SMSGateway) Send(ctx context.Context, to types.Contact, summary types.GrantSummary) error {
	if to.PhoneNumber == "" {
		return types.NewExternalError(types.ErrCodeDispatchFailed, "patient has no phone number on file", nil)
	}

	body, err := json.Marshal(smsRequest{
		To:      to.PhoneNumber,
		From:    g.config.Sender,
		Message: FormatMessage(summary),
	})
	if err != nil {
		return types.NewInternalError(types.ErrCodeInternalError, "failed to encode SMS request", err)
	}

	ctx, cancel := context.WithTimeout(ctx, g.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.config.URL, bytes.NewReader(body))
	if err != nil {
		return types.NewInternalError(types.ErrCodeInternalError, "failed to build SMS request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.config.APIKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return types.NewExternalError(types.ErrCodeDispatchFailed, "SMS gateway unreachable", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return types.NewExternalError(types.ErrCodeDispatchFailed, fmt.Sprintf("SMS gateway returned %d", resp.StatusCode), nil)
	}

	g.logger.WithContext(ctx).WithField("component", "notify").WithFields(map[string]interface{}{
		"vault_id":  to.VaultID,
		"reference": summary.Reference,
		"kind":      summary.Kind,
	}).Info("SMS notification sent")
	return nil
}
