package multiauth

// AuthState is the position of a controller in the sign in/out cycle.
//
//	Unauthenticated -> Authenticating -> Authenticated -> Unauthenticating -> Unauthenticated
//
// Failed sign ins fall back to Unauthenticated. The cycle is re-entrant.
type AuthState int

const (
	Unauthenticated AuthState = iota
	Authenticating
	Authenticated
	Unauthenticating
)

func (s AuthState) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	case Unauthenticating:
		return "unauthenticating"
	}
	return "unknown"
}

// ProviderID identifies the identity provider behind a session
type ProviderID string

// Provider ids as reported by the identity backend
const (
	ProviderPassword ProviderID = "password"
	ProviderGoogle   ProviderID = "google.com"
	ProviderApple    ProviderID = "apple.com"
)

func (p ProviderID) String() string {
	return string(p)
}
