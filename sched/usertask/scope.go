package usertask

import "github.com/quirehq/quire/errors"

// Scope determines who owns a recurring task definition and which
// identities may read or modify it. A scope is either collective-wide
// or bound to a single user within a collective; the two never overlap.
type Scope struct {
	Collective string
	Login      string // empty for collective-wide scope
}

// CollectiveScope returns a scope covering the whole collective.
func CollectiveScope(collective string) Scope {
	return Scope{Collective: collective}
}

// UserScope returns a scope bound to one user of a collective.
func UserScope(collective, login string) Scope {
	return Scope{Collective: collective, Login: login}
}

// IsUserSpecific reports whether the scope is bound to a single user.
func (s Scope) IsUserSpecific() bool {
	return s.Login != ""
}

func (s Scope) validate() error {
	if s.Collective == "" {
		return errors.New("scope collective cannot be empty")
	}
	return nil
}

func (s Scope) String() string {
	if s.IsUserSpecific() {
		return s.Collective + "/" + s.Login
	}
	return s.Collective
}
