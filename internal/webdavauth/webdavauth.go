// Package webdavauth hashes and verifies the WebDAV credential
// config.Config.WebDAV carries.
package webdavauth

import "golang.org/x/crypto/bcrypt"

// HashPassword returns a bcrypt hash suitable for config.WebDAVConfig.PasswordHash.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword reports whether password matches hash.
func VerifyPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
