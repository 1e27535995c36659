// Package custody runs the hospital and patient flows over grants, records,
// envelopes and notifications.
package custody

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/medvault/custody/internal/archive"
	"github.com/medvault/custody/internal/ehr"
	"github.com/medvault/custody/internal/grant"
	"github.com/medvault/custody/internal/notify"
	"github.com/medvault/custody/internal/reconcile"
	"github.com/medvault/custody/pkg/encryption"
	"github.com/medvault/custody/pkg/logger"
	"github.com/medvault/custody/pkg/monitoring"
	"github.com/medvault/custody/pkg/types"
)

// RegistryVerifier confirms a hospital's practitioner registry id
type RegistryVerifier interface {
	Verify(ctx context.Context, hprid string) error
}

// Dependencies wires the collaborators a Service needs
type Dependencies struct {
	Grants     *grant.Authority
	Records    ehr.Store
	Directory  ehr.Directory
	Reconciler *reconcile.Reconciler
	Archiver   archive.Archiver
	Dispatcher notify.Dispatcher
	Registry   RegistryVerifier
	Metrics    *monitoring.Metrics
	Tracing    *monitoring.TracingManager
	Logger     *logger.Logger
}

// Service implements the custody flows
type Service struct {
	grants     *grant.Authority
	records    ehr.Store
	directory  ehr.Directory
	reconciler *reconcile.Reconciler
	archiver   archive.Archiver
	dispatcher notify.Dispatcher
	registry   RegistryVerifier
	metrics    *monitoring.Metrics
	tracing    *monitoring.TracingManager
	logger     *logger.Logger
}

// NewService creates a new custody service
func NewService(deps Dependencies) *Service {
	return &Service{
		grants:     deps.Grants,
		records:    deps.Records,
		directory:  deps.Directory,
		reconciler: deps.Reconciler,
		archiver:   deps.Archiver,
		dispatcher: deps.Dispatcher,
		registry:   deps.Registry,
		metrics:    deps.Metrics,
		tracing:    deps.Tracing,
		logger:     deps.Logger,
	}
}

// AccessRequest is what a hospital gets back after requesting access or
// proposing an update. The bearer token is never part of it; it only
// reaches the patient.
type AccessRequest struct {
	Reference string    `json:"reference"`
	Sections  []string  `json:"sections"`
	ExpiresAt time.Time `json:"expires_at"`
	Delivered bool      `json:"delivered"`
}

// FetchResult is the filtered record returned to a hospital
type FetchResult struct {
	VaultID  string        `json:"vault_id"`
	Sections []string      `json:"sections"`
	Record   *types.Record `json:"record"`
}

// UpdateProposal reports which proposed sections were queued for the
// patient's confirmation and which were refused up front.
type UpdateProposal struct {
	AccessRequest
	Rejected  map[string]string `json:"rejected,omitempty"`
	Forbidden []string          `json:"forbidden,omitempty"`
}

// ConfirmResult reports how a confirmed update was merged
type ConfirmResult struct {
	VaultID       string                     `json:"vault_id"`
	Outcomes      []reconcile.SectionOutcome `json:"outcomes"`
	Rejected      map[string]string          `json:"rejected,omitempty"`
	ArchiveBlobID string                     `json:"archive_blob_id,omitempty"`
	Changed       bool                       `json:"changed"`
}

// RequestAccess issues a grant for the listed sections of a patient's
// record and sends its code to the patient. A failed delivery leaves the
// grant live; the hospital can redispatch it by reference.
func (s *Service) RequestAccess(ctx context.Context, caller *types.UserClaims, vaultID string, sections []string) (*AccessRequest, error) {
	ctx, span := s.tracing.StartCustodySpan(ctx, "request_access", callerID(caller))
	defer span.End()

	if err := s.requireHospital(ctx, caller, "request_access"); err != nil {
		return nil, err
	}
	if vaultID == "" {
		return nil, types.NewValidationError(types.ErrCodeInvalidInput, "vault_id is required", nil)
	}
	if _, err := types.ParseSections(sections); err != nil {
		return nil, err
	}
	if err := s.registry.Verify(ctx, caller.HPRID); err != nil {
		s.tracing.RecordError(span, err)
		return nil, err
	}

	contact, err := s.directory.Contact(ctx, vaultID)
	if err != nil {
		return nil, err
	}

	g, err := s.grants.Issue(ctx, caller.UserID, vaultID, sections)
	if err != nil {
		s.tracing.RecordError(span, err)
		return nil, err
	}

	delivered := s.dispatch(ctx, contact, summaryFor(types.GrantKindAccess, caller, g))
	s.logger.Audit(ctx, caller.UserID, "request_access", vaultID, true, map[string]interface{}{
		"reference": g.Reference,
		"sections":  g.Sections,
		"delivered": delivered,
	})

	return &AccessRequest{
		Reference: g.Reference,
		Sections:  g.Sections,
		ExpiresAt: g.ExpiresAt,
		Delivered: delivered,
	}, nil
}

// Redispatch resends the code of a live access grant or pending update
// without issuing a new one. Only the issuing hospital may do this.
func (s *Service) Redispatch(ctx context.Context, caller *types.UserClaims, reference string) (*AccessRequest, error) {
	ctx, span := s.tracing.StartCustodySpan(ctx, "redispatch", callerID(caller))
	defer span.End()

	if err := s.requireHospital(ctx, caller, "redispatch"); err != nil {
		return nil, err
	}

	kind, g, err := s.resolve(ctx, reference)
	if err != nil {
		return nil, err
	}
	if g.Issuer != caller.UserID {
		s.logger.Security(ctx, "redispatch_issuer_mismatch", caller.UserID, map[string]interface{}{"reference": reference})
		return nil, forbidden("grant was issued by another hospital")
	}

	contact, err := s.directory.Contact(ctx, g.Subject)
	if err != nil {
		return nil, err
	}

	return &AccessRequest{
		Reference: g.Reference,
		Sections:  g.Sections,
		ExpiresAt: g.ExpiresAt,
		Delivered: s.dispatch(ctx, contact, summaryFor(kind, caller, g)),
	}, nil
}

// Revoke invalidates a grant or pending update the caller issued. Revoking
// something that no longer exists succeeds.
func (s *Service) Revoke(ctx context.Context, caller *types.UserClaims, reference string) error {
	ctx, span := s.tracing.StartCustodySpan(ctx, "revoke", callerID(caller))
	defer span.End()

	if err := s.requireHospital(ctx, caller, "revoke"); err != nil {
		return err
	}

	kind, g, err := s.resolve(ctx, reference)
	if errors.Is(err, types.ErrInvalidOrExpiredGrant) {
		return nil
	}
	if err != nil {
		return err
	}
	if g.Issuer != caller.UserID {
		s.logger.Security(ctx, "revoke_issuer_mismatch", caller.UserID, map[string]interface{}{"reference": reference})
		return forbidden("grant was issued by another hospital")
	}

	if err := s.grants.Revoke(ctx, kind, reference); err != nil {
		return err
	}
	s.logger.Audit(ctx, caller.UserID, "revoke", g.Subject, true, map[string]interface{}{"reference": reference, "kind": kind})
	return nil
}

// FetchRecord consumes an access grant and returns the permitted sections
// of the patient's record.
func (s *Service) FetchRecord(ctx context.Context, caller *types.UserClaims, token string) (*FetchResult, error) {
	ctx, span := s.tracing.StartCustodySpan(ctx, "fetch_record", callerID(caller))
	defer span.End()

	if err := s.requireHospital(ctx, caller, "fetch_record"); err != nil {
		return nil, err
	}

	g, err := s.consumeAccess(ctx, caller, token)
	if err != nil {
		s.tracing.RecordError(span, err)
		return nil, err
	}
	payload := g.Payload()

	record, err := s.records.Load(ctx, payload.Subject)
	s.metrics.PHIAccess("fetch", err)
	if err != nil {
		s.logger.PHIAccess(ctx, caller.UserID, payload.Subject, "fetch", payload.Sections, false)
		err = s.release(ctx, types.GrantKindAccess, &types.PendingUpdate{Grant: *g}, err)
		s.tracing.RecordError(span, err)
		return nil, err
	}

	filtered := ehr.Filter(record, payload.Sections)
	s.logger.PHIAccess(ctx, caller.UserID, payload.Subject, "fetch", payload.Sections, true)

	return &FetchResult{
		VaultID:  payload.Subject,
		Sections: payload.Sections,
		Record:   filtered,
	}, nil
}

// ProposeUpdate consumes an access grant and queues the permitted part of
// updates for the patient's confirmation. Sections outside the grant are
// reported as forbidden; unknown or wrongly shaped sections as rejected.
func (s *Service) ProposeUpdate(ctx context.Context, caller *types.UserClaims, token string, updates types.ProposedUpdates) (*UpdateProposal, error) {
	ctx, span := s.tracing.StartCustodySpan(ctx, "propose_update", callerID(caller))
	defer span.End()

	if err := s.requireHospital(ctx, caller, "propose_update"); err != nil {
		return nil, err
	}
	if len(updates) == 0 {
		return nil, types.NewValidationError(types.ErrCodeInvalidInput, "updates are required", nil)
	}

	g, err := s.consumeAccess(ctx, caller, token)
	if err != nil {
		s.tracing.RecordError(span, err)
		return nil, err
	}
	payload := g.Payload()

	permitted := make(map[string]bool, len(payload.Sections))
	for _, name := range payload.Sections {
		permitted[name] = true
	}

	proposal := &UpdateProposal{Rejected: make(map[string]string)}
	kept := make(types.ProposedUpdates)
	for name, raw := range updates {
		if _, err := types.ParseSection(name); err != nil {
			proposal.Rejected[name] = err.Error()
			continue
		}
		if !permitted[name] {
			proposal.Forbidden = append(proposal.Forbidden, name)
			continue
		}
		kept[name] = raw
	}
	sort.Strings(proposal.Forbidden)

	// Shape problems are caught now rather than after the patient confirms.
	_, dryRun := reconcile.Merge(types.NewRecord(payload.Subject), kept)
	for name, rejectErr := range dryRun.Rejected() {
		proposal.Rejected[name] = rejectErr.Error()
		delete(kept, name)
	}

	if len(kept) == 0 {
		return nil, types.NewValidationError(types.ErrCodeInvalidInput, "no permitted sections in update", map[string]interface{}{
			"rejected":  proposal.Rejected,
			"forbidden": proposal.Forbidden,
		})
	}

	sections := make([]string, 0, len(kept))
	for name := range kept {
		sections = append(sections, name)
	}
	sort.Strings(sections)

	contact, err := s.directory.Contact(ctx, payload.Subject)
	if err != nil {
		err = s.release(ctx, types.GrantKindAccess, &types.PendingUpdate{Grant: *g}, err)
		s.tracing.RecordError(span, err)
		return nil, err
	}

	pending, err := s.grants.ProposeUpdate(ctx, caller.UserID, payload.Subject, sections, kept)
	if err != nil {
		err = s.release(ctx, types.GrantKindAccess, &types.PendingUpdate{Grant: *g}, err)
		s.tracing.RecordError(span, err)
		return nil, err
	}

	proposal.Delivered = s.dispatch(ctx, contact, summaryFor(types.GrantKindUpdate, caller, &pending.Grant))
	proposal.Reference = pending.Reference
	proposal.Sections = pending.Sections
	proposal.ExpiresAt = pending.ExpiresAt
	if len(proposal.Rejected) == 0 {
		proposal.Rejected = nil
	}

	s.logger.Audit(ctx, caller.UserID, "propose_update", payload.Subject, true, map[string]interface{}{
		"reference": pending.Reference,
		"sections":  sections,
		"forbidden": proposal.Forbidden,
		"delivered": proposal.Delivered,
	})
	return proposal, nil
}

// ConfirmUpdate applies a pending update to the caller's own record. The
// merged record is sealed to the patient's key, archived and persisted
// under the patient's lock.
func (s *Service) ConfirmUpdate(ctx context.Context, caller *types.UserClaims, token string) (*ConfirmResult, error) {
	ctx, span := s.tracing.StartCustodySpan(ctx, "confirm_update", callerID(caller))
	defer span.End()

	if !caller.IsPatient() || caller.VaultID == "" {
		s.logger.Security(ctx, "confirm_update_denied", callerID(caller), map[string]interface{}{"reason": "not a patient"})
		return nil, forbidden("only the patient can confirm updates")
	}

	// The key is resolved before the code is consumed so a directory
	// problem does not burn the confirmation.
	recipient, err := s.directory.RecipientKey(ctx, caller.VaultID)
	if err != nil {
		s.tracing.RecordError(span, err)
		return nil, err
	}

	pending, err := s.grants.ConsumeUpdate(ctx, token)
	if err != nil {
		s.tracing.RecordError(span, err)
		return nil, err
	}
	if pending.Subject != caller.VaultID {
		s.logger.Security(ctx, "confirm_update_subject_mismatch", caller.UserID, map[string]interface{}{
			"reference": pending.Reference,
		})
		return nil, forbidden("update belongs to another patient")
	}

	result := &ConfirmResult{VaultID: pending.Subject}
	err = s.records.WithPatientLock(ctx, pending.Subject, func(ctx context.Context, records ehr.Records) error {
		existing, err := records.Load(ctx, pending.Subject)
		if err != nil {
			return err
		}

		merged, report := s.reconciler.Merge(ctx, existing, pending.Changes)
		result.Outcomes = report.Outcomes
		result.Changed = report.Changed()
		for name, rejectErr := range report.Rejected() {
			if result.Rejected == nil {
				result.Rejected = make(map[string]string)
			}
			result.Rejected[name] = rejectErr.Error()
		}
		if !result.Changed {
			return nil
		}

		rev, err := s.seal(ctx, merged, recipient, pending.Issuer)
		if err != nil {
			return err
		}
		result.ArchiveBlobID = rev.ArchiveBlobID
		return records.Persist(ctx, pending.Subject, merged, rev)
	})
	s.metrics.PHIAccess("update", err)
	s.logger.PHIAccess(ctx, caller.UserID, pending.Subject, "update", pending.Sections, err == nil)
	if err != nil {
		err = s.release(ctx, types.GrantKindUpdate, pending, err)
		s.tracing.RecordError(span, err)
		return nil, err
	}

	s.logger.Audit(ctx, caller.UserID, "confirm_update", pending.Subject, true, map[string]interface{}{
		"reference": pending.Reference,
		"issuer":    pending.Issuer,
		"changed":   result.Changed,
		"blob_id":   result.ArchiveBlobID,
	})
	return result, nil
}

// seal encrypts the merged record for the patient and archives the envelope
func (s *Service) seal(ctx context.Context, record *types.Record, recipient *encryption.RecipientKey, updatedBy string) (*ehr.Revision, error) {
	plaintext, err := json.Marshal(record)
	if err != nil {
		return nil, types.NewInternalError(types.ErrCodeInternalError, "failed to encode record", err)
	}

	env, err := encryption.Seal(plaintext, recipient)
	s.metrics.EnvelopeOperation("seal", string(recipient.Scheme()), err)
	if err != nil {
		return nil, err
	}

	blob, err := json.Marshal(env)
	if err != nil {
		return nil, types.NewInternalError(types.ErrCodeInternalError, "failed to encode envelope", err)
	}

	blobID, err := s.archiver.Put(ctx, blob)
	if err != nil {
		return nil, err
	}

	return &ehr.Revision{Envelope: env, ArchiveBlobID: blobID, UpdatedBy: updatedBy}, nil
}

// consumeAccess burns the token and checks it was issued to caller
func (s *Service) consumeAccess(ctx context.Context, caller *types.UserClaims, token string) (*types.Grant, error) {
	g, err := s.grants.ConsumeGrant(ctx, token)
	if err != nil {
		return nil, err
	}
	if g.Issuer != caller.UserID {
		s.logger.Security(ctx, "grant_issuer_mismatch", caller.UserID, map[string]interface{}{
			"reference": g.Reference,
		})
		return nil, forbidden("grant was issued to another hospital")
	}
	return g, nil
}

// release hands a consumed grant back when the flow failed with a retryable
// error, so the retry can still use the same code. If the grant cannot be
// put back the failure is reported as final.
func (s *Service) release(ctx context.Context, kind types.GrantKind, entry *types.PendingUpdate, cause error) error {
	if !types.Retryable(cause) {
		return cause
	}
	if err := s.grants.Restore(ctx, kind, entry); err != nil {
		s.logger.WithContext(ctx).WithFields(logrus.Fields{
			"component": "custody",
			"reference": entry.Reference,
			"kind":      kind,
		}).WithError(err).Error("Failed to restore grant after transient failure")
		return types.NewInternalError(types.ErrCodeInternalError, "request failed and its code can no longer be used", cause)
	}
	return cause
}

// resolve finds a live access grant or pending update by reference
func (s *Service) resolve(ctx context.Context, reference string) (types.GrantKind, *types.Grant, error) {
	if reference == "" {
		return "", nil, types.ErrInvalidOrExpiredGrant
	}
	for _, kind := range []types.GrantKind{types.GrantKindAccess, types.GrantKindUpdate} {
		g, err := s.grants.Resolve(ctx, kind, reference)
		if err == nil {
			return kind, g, nil
		}
		if !errors.Is(err, types.ErrInvalidOrExpiredGrant) {
			return "", nil, err
		}
	}
	return "", nil, types.ErrInvalidOrExpiredGrant
}

// dispatch sends a code and reports whether it was delivered. Failures are
// logged and counted but never undo the grant.
func (s *Service) dispatch(ctx context.Context, contact *types.Contact, summary types.GrantSummary) bool {
	err := s.dispatcher.Send(ctx, *contact, summary)
	s.metrics.Dispatch(string(summary.Kind), err)
	if err != nil {
		s.logger.WithContext(ctx).WithFields(logrus.Fields{
			"component": "custody",
			"reference": summary.Reference,
			"kind":      summary.Kind,
			"vault_id":  contact.VaultID,
		}).WithError(err).Warn("Notification dispatch failed")
		return false
	}
	return true
}

func (s *Service) requireHospital(ctx context.Context, caller *types.UserClaims, action string) error {
	if caller.IsHospital() {
		return nil
	}
	s.logger.Security(ctx, "hospital_role_required", callerID(caller), map[string]interface{}{"action": action})
	return forbidden("hospital role required")
}

func summaryFor(kind types.GrantKind, caller *types.UserClaims, g *types.Grant) types.GrantSummary {
	issuer := caller.Name
	if issuer == "" {
		issuer = caller.UserID
	}
	return types.GrantSummary{
		Kind:      kind,
		Token:     g.Token,
		Reference: g.Reference,
		Issuer:    issuer,
		Sections:  g.Sections,
		ExpiresAt: g.ExpiresAt,
	}
}

func callerID(caller *types.UserClaims) string {
	if caller == nil {
		return ""
	}
	return caller.UserID
}

func forbidden(message string) error {
	return types.NewAuthorizationError(types.ErrCodeForbidden, message)
}
