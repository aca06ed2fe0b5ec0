package auth

// VerifyCleartext checks a received PasswordMessage value against a stored
// plaintext password.
func VerifyCleartext(received, password string) bool {
	return received == password
}
