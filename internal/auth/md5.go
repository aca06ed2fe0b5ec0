package auth

import (
	"crypto/md5"
	"encoding/hex"
)

// ComputeMD5Password computes the PostgreSQL MD5 password hash sent in a
// PasswordMessage: "md5" + hex(md5(hex(md5(password+user)) + salt)).
func ComputeMD5Password(user, password string, salt [4]byte) string {
	inner := md5Hex(password + user)
	outer := md5Hex(inner + string(salt[:]))
	return "md5" + outer
}

// DeriveMD5StoredPassword computes the hash PostgreSQL itself stores for a
// role using MD5 authentication: "md5" + hex(md5(password+user)), without a
// salt. A fresh per-connection salt is folded in at verification time.
func DeriveMD5StoredPassword(user, password string) string {
	return "md5" + md5Hex(password+user)
}

// VerifyMD5 checks a received PasswordMessage value against a stored MD5
// hash (as produced by DeriveMD5StoredPassword) and the salt offered for
// this connection.
func VerifyMD5(received, user string, storedMD5 string, salt [4]byte) bool {
	if len(storedMD5) < 3 || storedMD5[:3] != "md5" {
		return false
	}
	expected := "md5" + md5Hex(storedMD5[3:]+string(salt[:]))
	return received == expected
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
