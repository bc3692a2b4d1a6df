// Package multiauth provides a client side authentication facade over several
// sign in methods.
//
// multiauth separates authentication into three layers: the identity backend,
// the provider controllers, and the facade the host application observes.
//
// # Architecture
//
// Backend: the identity service sessions are created with (password store,
// OAuth credential exchange, profile updates). See the backend/memory and
// backend/identitytoolkit packages.
//
// Controller: an Authenticator for one provider (email/password, Google, Apple).
// Controllers drive the same AuthState machine, own one UserProfile each and
// report everything through a Delegate.
//
// Facade: Authentication owns the active controller, is its delegate, maps
// provider error codes to AuthError and publishes a single State.
//
// # Basic Usage
//
// Set up a backend and the provider collaborators:
//
//	import (
//	    "github.com/panyam/multiauth"
//	    "github.com/panyam/multiauth/backend/memory"
//	    "github.com/panyam/multiauth/oauth2"
//	)
//
//	backend, err := memory.New(memory.Config{SessionSecret: secret})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	google := oauth2.NewGoogleWebSignIn(clientID, clientSecret, callbackURL)
//	registry := multiauth.NewDefaultRegistry(backend, google, nil)
//
// Create the facade and observe it:
//
//	auth := multiauth.NewAuthentication(ctx, backend, registry)
//	defer auth.Close()
//	auth.Observe(func(s multiauth.State) {
//	    render(s.Status, s.DisplayName, s.ProfilePicture)
//	    if s.ShowAlert {
//	        showAlert(s.Error)
//	    }
//	})
//
// Start a sign in:
//
//	auth.StartSignIn(ctx, multiauth.EmailSignIn{
//	    Email:       "jane@example.com",
//	    Password:    "secret",
//	    DisplayName: "Jane Doe",
//	    IsNewUser:   true,
//	})
//
// # Sign in with Apple
//
// The Apple controller sends the SHA-256 of a random nonce with its request
// and presents the raw nonce when exchanging Apple's identity token. The
// backend hashes the raw nonce and compares it with the nonce claim in the
// token, binding the token to this request.
//
// # Concurrency
//
// Controller flows run on their own goroutines and never block the caller.
// The facade applies delegate callbacks on an Executor (a MainQueue by
// default) so State is only mutated from one goroutine.
//
// # Testing
//
// Controllers and the facade can be tested against backend/memory without a
// network. Use MainQueue.Sync and the controllers' Wait method to wait for
// asynchronous flows.
package multiauth
