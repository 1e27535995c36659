package hprid

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medvault/custody/pkg/logger"
	"github.com/medvault/custody/pkg/types"
)

func registry(t *testing.T, handler func(req verifyRequest) (int, string)) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req verifyRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		status, body := handler(req)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestVerifier_Valid(t *testing.T) {
	server := registry(t, func(req verifyRequest) (int, string) {
		assert.Equal(t, "HPR-001", req.HPRID)
		return http.StatusOK, `{"isValid": true}`
	})

	v := NewVerifier(Config{URL: server.URL}, logger.Discard())
	assert.NoError(t, v.Verify(context.Background(), "HPR-001"))
}

func TestVerifier_Rejected(t *testing.T) {
	server := registry(t, func(verifyRequest) (int, string) {
		return http.StatusOK, `{"isValid": false}`
	})

	v := NewVerifier(Config{URL: server.URL}, logger.Discard())
	err := v.Verify(context.Background(), "HPR-404")
	assert.True(t, errors.Is(err, types.ErrForbidden))
	assert.False(t, types.Retryable(err))
}

func TestVerifier_MissingFieldIsNotValid(t *testing.T) {
	server := registry(t, func(verifyRequest) (int, string) {
		return http.StatusOK, `{}`
	})

	v := NewVerifier(Config{URL: server.URL}, logger.Discard())
	assert.True(t, errors.Is(v.Verify(context.Background(), "HPR-001"), types.ErrForbidden))
}

func TestVerifier_RegistryUnavailable(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		timeout time.Duration
		delay   time.Duration
	}{
		{name: "server error", status: http.StatusInternalServerError, body: `oops`},
		{name: "unreadable body", status: http.StatusOK, body: `not json`},
		{name: "timeout", status: http.StatusOK, body: `{"isValid": true}`, timeout: 50 * time.Millisecond, delay: 500 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := registry(t, func(verifyRequest) (int, string) {
				time.Sleep(tt.delay)
				return tt.status, tt.body
			})

			v := NewVerifier(Config{URL: server.URL, Timeout: tt.timeout}, logger.Discard())
			err := v.Verify(context.Background(), "HPR-001")
			require.Error(t, err)

			var ce *types.CustodyError
			require.True(t, errors.As(err, &ce))
			assert.Equal(t, types.ErrCodeExternalUnavailable, ce.Code)
			assert.True(t, types.Retryable(err))
		})
	}
}

func TestVerifier_EmptyID(t *testing.T) {
	v := NewVerifier(Config{URL: "http://unused"}, logger.Discard())
	assert.True(t, errors.Is(v.Verify(context.Background(), ""), types.ErrForbidden))
}
