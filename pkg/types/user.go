package types

// UserRole represents the roles that may call the custody service
type UserRole string

const (
	RoleHospital UserRole = "hospital"
	RolePatient  UserRole = "patient"
)

// Valid reports whether the role is one the service knows about
func (r UserRole) Valid() bool {
	return r == RoleHospital || r == RolePatient
}

// UserClaims represents the authenticated caller carried in a JWT
type UserClaims struct {
	UserID  string   `json:"user_id"`
	Name    string   `json:"name"`
	Role    UserRole `json:"role"`
	VaultID string   `json:"vault_id,omitempty"`
	HPRID   string   `json:"hprid,omitempty"`
}

// IsHospital reports whether the caller acts for a hospital
func (c *UserClaims) IsHospital() bool {
	return c != nil && c.Role == RoleHospital
}

// IsPatient reports whether the caller is a patient
func (c *UserClaims) IsPatient() bool {
	return c != nil && c.Role == RolePatient
}

// Contact is where a patient receives grant tokens
type Contact struct {
	VaultID     string `json:"vault_id"`
	PhoneNumber string `json:"phone_number"`
}
