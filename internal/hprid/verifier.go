// Package hprid checks hospital practitioner registry identifiers against the
// external registry service.
package hprid

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

// Config configures the registry client
type Config struct {
	URL     string
	Timeout time.Duration
}

// Verifier calls the registry's validation endpoint
type Verifier struct {
	config Config
	client *http.Client
	logger *logger.Logger
}

type verifyRequest struct {
	HPRID string `json:"HPRID"`
}

type verifyResponse struct {
	IsValid bool `json:"isValid"`
}

// NewVerifier creates a new registry client
func NewVerifier(config Config, log *logger.Logger) *Verifier {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	return &Verifier{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		logger: log,
	}
}

// Verify returns nil only when the registry positively confirms id. A
// registry that cannot be reached yields a retryable external error; a
// negative answer yields an authorization error.
func (v *Verifier) Verify(ctx context.Context, id string) error {
	if id == "" {
		return types.NewAuthorizationError(types.ErrCodeForbidden, "caller has no HPRID")
	}

	body, err := json.Marshal(verifyRequest{HPRID: id})
	if err != nil {
		return types.NewInternalError(types.ErrCodeInternalError, "failed to encode HPRID request", err)
	}

	ctx, cancel := context.WithTimeout(ctx, v.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.config.URL, bytes.NewReader(body))
	if err != nil {
		return types.NewInternalError(types.ErrCodeInternalError, "failed to build HPRID request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return types.NewExternalError(types.ErrCodeExternalUnavailable, "HPRID registry unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return types.NewExternalError(types.ErrCodeExternalUnavailable,
			fmt.Sprintf("HPRID registry returned %d", resp.StatusCode), nil)
	}

	var result verifyResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&result); err != nil {
		return types.NewExternalError(types.ErrCodeExternalUnavailable, "HPRID registry returned an unreadable response", err)
	}

	if !result.IsValid {
		v.logger.Security(ctx, "hprid_rejected", "", map[string]interface{}{"hprid": id})
		return types.NewAuthorizationError(types.ErrCodeForbidden, "HPRID is not recognised by the registry")
	}
	return nil
}
