package types

import "time"

// GrantTTL is the absolute lifetime of access grants and pending updates
const GrantTTL = 10 * time.Minute

// GrantKind distinguishes access grants from pending update confirmations
type GrantKind string

const (
	GrantKindAccess GrantKind = "access"
	GrantKindUpdate GrantKind = "update"
)

// Grant is a time-boxed, single-use, section-scoped access credential
type Grant struct {
	Token     string    `json:"-"`
	Reference string    `json:"reference"`
	Issuer    string    `json:"issuer"`
	Subject   string    `json:"subject"`
	Sections  []string  `json:"sections"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// GrantPayload is what a successful verification yields
type GrantPayload struct {
	Reference string   `json:"reference"`
	Issuer    string   `json:"issuer"`
	Subject   string   `json:"subject"`
	Sections  []string `json:"sections"`
}

// GrantLookup is the result of a non-consuming read. Payload is nil when
// Found is false.
type GrantLookup struct {
	Found     bool
	Payload   *GrantPayload
	ExpiresAt time.Time
}

// Payload returns the caller-facing part of the grant
func (g *Grant) Payload() *GrantPayload {
	sections := make([]string, len(g.Sections))
	copy(sections, g.Sections)
	return &GrantPayload{
		Reference: g.Reference,
		Issuer:    g.Issuer,
		Subject:   g.Subject,
		Sections:  sections,
	}
}

// Expired reports whether the grant is past its deadline at t
func (g *Grant) Expired(t time.Time) bool {
	return t.After(g.ExpiresAt)
}

// PendingUpdate holds hospital-proposed changes awaiting patient confirmation
type PendingUpdate struct {
	Grant
	Changes ProposedUpdates `json:"changes"`
}

// GrantSummary is what notification dispatch delivers to the subject
type GrantSummary struct {
	Kind      GrantKind `json:"kind"`
	Token     string    `json:"token"`
	Reference string    `json:"reference"`
	Issuer    string    `json:"issuer"`
	Sections  []string  `json:"sections"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Envelope is a symmetrically encrypted payload with its wrapped content key
type Envelope struct {
	Ciphertext     []byte `json:"ciphertext"`
	WrappedKey     []byte `json:"wrapped_key"`
	Scheme         string `json:"scheme"`
	RecipientKeyID string `json:"recipient_key_id"`
}
