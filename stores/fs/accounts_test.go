package fs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/panyam/multiauth"
	"github.com/panyam/multiauth/backend/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestFSAccountStore_SaveLoad(t *testing.T) {
	store := NewFSAccountStore(t.TempDir())

	accounts, err := store.LoadAccounts()
	require.NoError(t, err)
	assert.Empty(t, accounts)

	acct := &memory.Account{
		UserID:       "u1",
		Email:        "jane@example.com",
		PasswordHash: []byte("$2a$04$hash"),
		DisplayName:  "Jane",
		Subjects:     []string{"google.com:123"},
	}
	require.NoError(t, store.SaveAccount(acct))

	// overwrite in place
	acct.DisplayName = "Janet"
	require.NoError(t, store.SaveAccount(acct))

	accounts, err = store.LoadAccounts()
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, "Janet", accounts[0].DisplayName)
	assert.Equal(t, []byte("$2a$04$hash"), accounts[0].PasswordHash)
	assert.Equal(t, []string{"google.com:123"}, accounts[0].Subjects)

	info, err := os.Stat(filepath.Join(store.StoragePath, "accounts", "u1.json"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestFSAccountStore_Rejects(t *testing.T) {
	store := NewFSAccountStore(t.TempDir())
	assert.Error(t, store.SaveAccount(&memory.Account{}))
	assert.Error(t, store.SaveAccount(&memory.Account{UserID: "../escape"}))

	require.NoError(t, os.MkdirAll(filepath.Join(store.StoragePath, "accounts"), 0700))
	require.NoError(t, os.WriteFile(filepath.Join(store.StoragePath, "accounts", "bad.json"), []byte("{"), 0600))
	_, err := store.LoadAccounts()
	assert.Error(t, err)
}

func TestFSAccountStore_BackendRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	newBackend := func() *memory.Backend {
		sessions, err := NewFSSessionStore(filepath.Join(dir, "session.json"), "")
		require.NoError(t, err)
		b, err := memory.New(memory.Config{
			SessionSecret: []byte("secret"),
			BcryptCost:    bcrypt.MinCost,
			Store:         sessions,
			Accounts:      NewFSAccountStore(dir),
		})
		require.NoError(t, err)
		return b
	}

	first := newBackend()
	created, err := first.CreateUser(ctx, "jane@example.com", "secret1")
	require.NoError(t, err)
	name := "Jane"
	require.NoError(t, first.UpdateProfile(ctx, multiauth.ProfileChange{DisplayName: &name}))

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "g-1", "given_name": "Bob"})
	idToken, err := token.SignedString([]byte("provider-key"))
	require.NoError(t, err)
	google, err := first.SignIn(ctx, multiauth.GoogleCredential(idToken, ""))
	require.NoError(t, err)
	require.NoError(t, first.SignOut(ctx))

	second := newBackend()
	assert.Nil(t, second.CurrentSession())

	session, err := second.SignIn(ctx, multiauth.EmailCredential("jane@example.com", "secret1"))
	require.NoError(t, err)
	assert.Equal(t, created.UserID, session.UserID)
	assert.Equal(t, "Jane", session.DisplayName)

	_, err = second.CreateUser(ctx, "jane@example.com", "secret2")
	assert.Equal(t, multiauth.EmailInUse, multiauth.ClassifyError(err))

	again, err := second.SignIn(ctx, multiauth.GoogleCredential(idToken, ""))
	require.NoError(t, err)
	assert.Equal(t, google.UserID, again.UserID)
}
