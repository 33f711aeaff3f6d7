package mail

import "fmt"

// CredentialMessage builds the email delivered after provisioning. The
// plaintext password exists only inside this message; it is never stored.
func CredentialMessage(to, password, loginURL string) Message {
	body := fmt.Sprintf(
		"Thank you for your purchase! Here are your login credentials:\n\n"+
			"Email: %s\nPassword: %s\n\nPlease login at: %s\n",
		to, password, loginURL)
	return Message{
		To:      to,
		Subject: "Your Login Credentials",
		Body:    body,
	}
}

// ResetMessage builds the password reset email. The link carries the
// single-use token and expires one hour after issuance.
func ResetMessage(to, resetURL string) Message {
	body := fmt.Sprintf(
		"We received a request to reset your password.\n\n"+
			"Reset it here within the next hour: %s\n\n"+
			"If you did not request this, you can ignore this email.\n",
		resetURL)
	return Message{
		To:      to,
		Subject: "Password Reset Instructions",
		Body:    body,
	}
}
