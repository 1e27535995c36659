package grant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/medvault/custody/pkg/logger"
	"github.com/medvault/custody/pkg/monitoring"
	"github.com/medvault/custody/pkg/types"
)

const (
	issueAttempts = 3
	// storageGrace keeps entries a little past their deadline so the lazy
	// deadline check, not the store's TTL granularity, decides expiry.
	storageGrace = time.Minute
)

// Authority issues, verifies and revokes single-use, time-boxed grants. It
// is the only component that reads or writes grant state.
type Authority struct {
	store   Store
	metrics *monitoring.Metrics
	logger  *logger.Logger
	ttl     time.Duration
	now     func() time.Time
}

// Option configures an Authority
type Option func(*Authority)

// WithClock replaces the wall clock used for issuance and expiry checks
func WithClock(now func() time.Time) Option {
	return func(a *Authority) { a.now = now }
}

// WithTTL overrides the grant lifetime
func WithTTL(ttl time.Duration) Option {
	return func(a *Authority) { a.ttl = ttl }
}

// NewAuthority creates a new grant authority
func NewAuthority(store Store, metrics *monitoring.Metrics, log *logger.Logger, opts ...Option) *Authority {
	a := &Authority{
		store:   store,
		metrics: metrics,
		logger:  log,
		ttl:     types.GrantTTL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Issue creates an access grant letting issuer read or propose updates to
// the listed sections of subject's record.
func (a *Authority) Issue(ctx context.Context, issuer, subject string, sections []string) (*types.Grant, error) {
	entry, err := a.issue(ctx, types.GrantKindAccess, issuer, subject, sections, nil)
	if err != nil {
		return nil, err
	}
	return &entry.Grant, nil
}

// ProposeUpdate stores hospital-proposed changes awaiting the patient's
// confirmation. The returned token is the confirmation code.
func (a *Authority) ProposeUpdate(ctx context.Context, issuer, subject string, sections []string, changes types.ProposedUpdates) (*types.PendingUpdate, error) {
	return a.issue(ctx, types.GrantKindUpdate, issuer, subject, sections, changes)
}

// Peek reads an access grant without consuming it
func (a *Authority) Peek(ctx context.Context, token string) (types.GrantLookup, error) {
	entry, err := a.load(ctx, types.GrantKindAccess, token)
	if errors.Is(err, types.ErrInvalidOrExpiredGrant) {
		return types.GrantLookup{Found: false}, nil
	}
	if err != nil {
		return types.GrantLookup{}, err
	}
	return types.GrantLookup{Found: true, Payload: entry.Payload(), ExpiresAt: entry.ExpiresAt}, nil
}

// Consume atomically verifies and deletes an access grant. Only one caller
// can ever succeed for a given token.
func (a *Authority) Consume(ctx context.Context, token string) (*types.GrantPayload, error) {
	g, err := a.ConsumeGrant(ctx, token)
	if err != nil {
		return nil, err
	}
	return g.Payload(), nil
}

// ConsumeGrant is Consume returning the whole grant, token and deadline
// included, so a caller can Restore it if its own work fails transiently.
func (a *Authority) ConsumeGrant(ctx context.Context, token string) (*types.Grant, error) {
	entry, err := a.consume(ctx, types.GrantKindAccess, token)
	if err != nil {
		return nil, err
	}
	return &entry.Grant, nil
}

// ConsumeUpdate atomically verifies and deletes a pending update
func (a *Authority) ConsumeUpdate(ctx context.Context, token string) (*types.PendingUpdate, error) {
	return a.consume(ctx, types.GrantKindUpdate, token)
}

// Invalidate removes an access grant. Invalidating an unknown, expired or
// already consumed token succeeds.
func (a *Authority) Invalidate(ctx context.Context, token string) error {
	return a.invalidate(ctx, types.GrantKindAccess, token)
}

// Resolve looks up a live grant of the given kind by its public reference.
// The result includes the bearer token and is meant for issuer bookkeeping
// such as re-dispatch; it never consumes the grant.
func (a *Authority) Resolve(ctx context.Context, kind types.GrantKind, reference string) (*types.Grant, error) {
	raw, err := a.store.Get(ctx, refKey(kind, reference))
	if errors.Is(err, ErrKeyNotFound) {
		return nil, types.ErrInvalidOrExpiredGrant
	}
	if err != nil {
		return nil, a.storageError("resolve", err)
	}

	entry, err := a.load(ctx, kind, string(raw))
	if err != nil {
		return nil, err
	}
	return &entry.Grant, nil
}

// Revoke invalidates the grant a reference points at
func (a *Authority) Revoke(ctx context.Context, kind types.GrantKind, reference string) error {
	raw, err := a.store.Get(ctx, refKey(kind, reference))
	if errors.Is(err, ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return a.storageError("revoke", err)
	}
	if err := a.invalidate(ctx, kind, string(raw)); err != nil {
		return err
	}
	a.metrics.GrantRevoked()
	return nil
}

// Restore puts a consumed grant or pending update back under its original
// token, reference and deadline. It is for flows that consumed a grant and
// then failed for a reason the caller may retry. An entry already past its
// deadline is not restored, and a token that is live again is left alone.
func (a *Authority) Restore(ctx context.Context, kind types.GrantKind, entry *types.PendingUpdate) error {
	if entry == nil || entry.Token == "" {
		return nil
	}
	now := a.now()
	if entry.Expired(now) {
		return nil
	}

	value, err := json.Marshal(entry)
	if err != nil {
		return types.NewInternalError(types.ErrCodeInternalError, "failed to encode grant", err)
	}

	storeTTL := entry.ExpiresAt.Sub(now) + storageGrace
	ok, err := a.store.SetIfAbsent(ctx, tokenKey(kind, entry.Token), value, storeTTL)
	if err != nil {
		return a.storageError("restore", err)
	}
	if !ok {
		return nil
	}
	if _, err := a.store.SetIfAbsent(ctx, refKey(kind, entry.Reference), []byte(entry.Token), storeTTL); err != nil {
		_ = a.store.Delete(ctx, tokenKey(kind, entry.Token))
		return a.storageError("restore", err)
	}

	a.logger.GrantEvent(ctx, "restored", entry.Reference, entry.Issuer, entry.Subject, map[string]interface{}{"kind": kind})
	return nil
}

func (a *Authority) issue(ctx context.Context, kind types.GrantKind, issuer, subject string, sections []string, changes types.ProposedUpdates) (*types.PendingUpdate, error) {
	if issuer == "" || subject == "" {
		return nil, types.NewValidationError(types.ErrCodeInvalidInput, "issuer and subject are required", nil)
	}
	parsed, err := types.ParseSections(sections)
	if err != nil {
		return nil, err
	}
	if len(parsed) == 0 {
		return nil, types.NewValidationError(types.ErrCodeInvalidInput, "at least one section is required", nil)
	}

	names := make([]string, len(parsed))
	for i, s := range parsed {
		names[i] = string(s)
	}

	now := a.now()
	entry := &types.PendingUpdate{
		Grant: types.Grant{
			Issuer:    issuer,
			Subject:   subject,
			Sections:  names,
			CreatedAt: now,
			ExpiresAt: now.Add(a.ttl),
		},
		Changes: changes,
	}

	storeTTL := a.ttl + storageGrace
	for attempt := 0; attempt < issueAttempts; attempt++ {
		entry.Reference = uuid.NewString()
		value, err := json.Marshal(entry)
		if err != nil {
			return nil, types.NewInternalError(types.ErrCodeInternalError, "failed to encode grant", err)
		}

		token, err := uuid.NewRandom()
		if err != nil {
			return nil, types.NewInternalError(types.ErrCodeInternalError, "failed to generate token", err)
		}

		ok, err := a.store.SetIfAbsent(ctx, tokenKey(kind, token.String()), value, storeTTL)
		if err != nil {
			return nil, a.storageError("issue", err)
		}
		if !ok {
			continue
		}

		// The reference must resolve, so a taken one means starting over.
		ok, err = a.store.SetIfAbsent(ctx, refKey(kind, entry.Reference), []byte(token.String()), storeTTL)
		if err != nil || !ok {
			_ = a.store.Delete(ctx, tokenKey(kind, token.String()))
		}
		if err != nil {
			return nil, a.storageError("issue", err)
		}
		if !ok {
			continue
		}

		entry.Token = token.String()
		a.metrics.GrantIssued(string(kind))
		a.logger.GrantEvent(ctx, "issued", entry.Reference, issuer, subject, map[string]interface{}{
			"kind":       kind,
			"sections":   names,
			"expires_at": entry.ExpiresAt,
		})
		return entry, nil
	}

	return nil, types.NewInternalError(types.ErrCodeInternalError, "failed to allocate a unique token", nil)
}

func (a *Authority) load(ctx context.Context, kind types.GrantKind, token string) (*types.PendingUpdate, error) {
	if token == "" {
		return nil, types.ErrInvalidOrExpiredGrant
	}

	raw, err := a.store.Get(ctx, tokenKey(kind, token))
	if errors.Is(err, ErrKeyNotFound) {
		return nil, types.ErrInvalidOrExpiredGrant
	}
	if err != nil {
		return nil, a.storageError("peek", err)
	}

	entry, err := decode(raw, token)
	if err != nil {
		return nil, err
	}
	if entry.Expired(a.now()) {
		return nil, types.ErrInvalidOrExpiredGrant
	}
	return entry, nil
}

func (a *Authority) consume(ctx context.Context, kind types.GrantKind, token string) (*types.PendingUpdate, error) {
	if token == "" {
		a.metrics.GrantRejected(string(kind))
		return nil, types.ErrInvalidOrExpiredGrant
	}

	raw, err := a.store.GetAndDelete(ctx, tokenKey(kind, token))
	if errors.Is(err, ErrKeyNotFound) {
		a.metrics.GrantRejected(string(kind))
		return nil, types.ErrInvalidOrExpiredGrant
	}
	if err != nil {
		return nil, a.storageError("consume", err)
	}

	entry, err := decode(raw, token)
	if err != nil {
		return nil, err
	}

	// The reference index only serves bookkeeping; a stale one is harmless
	// because it resolves to a token that no longer exists.
	_ = a.store.Delete(ctx, refKey(kind, entry.Reference))

	if entry.Expired(a.now()) {
		a.metrics.GrantRejected(string(kind))
		a.logger.GrantEvent(ctx, "expired", entry.Reference, entry.Issuer, entry.Subject, nil)
		return nil, types.ErrInvalidOrExpiredGrant
	}

	a.metrics.GrantConsumed(string(kind))
	a.logger.GrantEvent(ctx, "consumed", entry.Reference, entry.Issuer, entry.Subject, map[string]interface{}{"kind": kind})
	return entry, nil
}

func (a *Authority) invalidate(ctx context.Context, kind types.GrantKind, token string) error {
	if token == "" {
		return nil
	}

	raw, err := a.store.GetAndDelete(ctx, tokenKey(kind, token))
	if errors.Is(err, ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return a.storageError("invalidate", err)
	}

	if entry, err := decode(raw, token); err == nil {
		_ = a.store.Delete(ctx, refKey(kind, entry.Reference))
		a.logger.GrantEvent(ctx, "invalidated", entry.Reference, entry.Issuer, entry.Subject, map[string]interface{}{"kind": kind})
	}
	return nil
}

func (a *Authority) storageError(op string, err error) error {
	a.metrics.StoreError("grants", op)
	return types.NewStorageError(fmt.Sprintf("grant store %s failed", op), err)
}

func decode(raw []byte, token string) (*types.PendingUpdate, error) {
	var entry types.PendingUpdate
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, types.NewInternalError(types.ErrCodeInternalError, "failed to decode grant", err)
	}
	entry.Token = token
	return &entry, nil
}

func tokenKey(kind types.GrantKind, token string) string {
	return fmt.Sprintf("%s_token:%s", kind, token)
}

func refKey(kind types.GrantKind, reference string) string {
	return fmt.Sprintf("%s_ref:%s", kind, reference)
}
