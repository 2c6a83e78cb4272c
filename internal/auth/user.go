// Package auth models the signed in user and the provider of access tokens.
package auth

// User is the identity writes and caches are scoped to. The zero value is
// the unauthenticated user.
type User struct {
	UID string
}

// Unauthenticated is the user when nobody is signed in.
var Unauthenticated = User{}

// IsAuthenticated reports whether u has a uid.
func (u User) IsAuthenticated() bool {
	return u.UID != ""
}

// Key returns a stable storage key for the user.
func (u User) Key() string {
	if !u.IsAuthenticated() {
		return "anonymous-user"
	}

	return "uid:" + u.UID
}

func (u User) String() string {
	if !u.IsAuthenticated() {
		return "User(unauthenticated)"
	}

	return "User(" + u.UID + ")"
}
