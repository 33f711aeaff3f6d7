package auth

// Status enumerates login outcomes. Credential and lookup failures share one
// status so responses never reveal whether an email is registered.
type Status string

const (
	StatusSuccess              Status = "success"
	StatusInvalidCredentials   Status = "invalid_credentials"
	StatusTwoFactorRequired    Status = "two_factor_required"
	StatusInvalidTwoFactorCode Status = "invalid_two_factor_code"
)

// LoginInput carries one login attempt.
type LoginInput struct {
	Email         string
	Password      string
	TwoFactorCode string
	RememberMe    bool
}
