package multiauth

import (
	"bytes"
	"sync"
)

// Profile is an immutable copy of a UserProfile handed to delegates and observers
type Profile struct {
	UserID         string
	DisplayName    string
	ProfilePicture []byte
}

// HasDisplayName returns true if a display name has been set
func (p Profile) HasDisplayName() bool {
	return p.DisplayName != ""
}

// HasProfilePicture returns true if avatar bytes have been set
func (p Profile) HasProfilePicture() bool {
	return len(p.ProfilePicture) > 0
}

// UserProfile holds the identity and display data of the signed in user.
//
// Setters ignore empty input so a field never goes back to unset once it has
// a value. Reset is the only way to clear the profile and is used when the
// session ends. A UserProfile is safe for concurrent use.
type UserProfile struct {
	mu             sync.RWMutex
	userID         string
	displayName    string
	profilePicture []byte
}

// NewUserProfile returns an empty profile
func NewUserProfile() *UserProfile {
	return &UserProfile{}
}

// SetUserID sets the provider assigned user id
func (u *UserProfile) SetUserID(id string) {
	if id == "" {
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.userID = id
}

// SetDisplayName sets the display name
func (u *UserProfile) SetDisplayName(name string) {
	if name == "" {
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.displayName = name
}

// SetProfilePicture stores a copy of the avatar bytes
func (u *UserProfile) SetProfilePicture(data []byte) {
	if len(data) == 0 {
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.profilePicture = bytes.Clone(data)
}

func (u *UserProfile) UserID() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.userID
}

func (u *UserProfile) DisplayName() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.displayName
}

// HasDisplayName returns true if a display name has been set
func (u *UserProfile) HasDisplayName() bool {
	return u.DisplayName() != ""
}

// HasProfilePicture returns true if avatar bytes have been set
func (u *UserProfile) HasProfilePicture() bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return len(u.profilePicture) > 0
}

// Snapshot returns a copy of the current profile
func (u *UserProfile) Snapshot() Profile {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return Profile{
		UserID:         u.userID,
		DisplayName:    u.displayName,
		ProfilePicture: bytes.Clone(u.profilePicture),
	}
}

// Reset clears every field. Called when the session ends.
func (u *UserProfile) Reset() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.userID = ""
	u.displayName = ""
	u.profilePicture = nil
}
