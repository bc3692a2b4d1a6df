package multiauth

// SessionStore persists the signed in session between runs so the facade can
// reconcile with it at startup
type SessionStore interface {
	// LoadSession returns the persisted session.
	// Returns nil, nil if nothing has been saved.
	LoadSession() (*Session, error)

	// SaveSession persists s, replacing any previous session
	SaveSession(s *Session) error

	// ClearSession removes the persisted session
	ClearSession() error
}
