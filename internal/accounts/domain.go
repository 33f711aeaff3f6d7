// Package accounts owns the persistent account records: credentials,
// pending reset tokens, second-factor state, and membership lifecycle fields.
package accounts

import (
	"strings"
	"time"
)

// Account represents a provisioned customer account.
type Account struct {
	ID                  int64
	Email               string
	PasswordHash        string
	ResetToken          *string
	ResetTokenExpiresAt *time.Time
	TwoFactorEnabled    bool
	TwoFactorSecret     *string
	MembershipStatus    string
	MembershipExpiresAt *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// TwoFactorState describes where an account sits in the enrollment flow.
type TwoFactorState string

const (
	TwoFactorDisabled TwoFactorState = "disabled"
	TwoFactorPending  TwoFactorState = "pending"
	TwoFactorEnabled  TwoFactorState = "enabled"
)

// TwoFactor returns the account's second-factor state. A secret without the
// enabled flag means enrollment was started but never confirmed.
func (a *Account) TwoFactor() TwoFactorState {
	switch {
	case a.TwoFactorEnabled:
		return TwoFactorEnabled
	case a.TwoFactorSecret != nil && *a.TwoFactorSecret != "":
		return TwoFactorPending
	default:
		return TwoFactorDisabled
	}
}

// NormalizeEmail folds an email address to its canonical lowercase form.
// Email identity is case-insensitive everywhere in this system.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// MembershipActive is the default status assigned at provisioning.
const MembershipActive = "active"
