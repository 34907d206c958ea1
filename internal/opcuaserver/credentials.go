package opcuaserver

import "crypto/subtle"

// Credentials is the single username/password pair the simulator accepts.
type Credentials struct {
	Username string
	Password string
}

// Check reports whether username and password match exactly.
// Comparison is constant-time in the password.
func (c Credentials) Check(username, password string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(c.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(c.Password)) == 1
	return userOK && passOK && c.Username != ""
}
