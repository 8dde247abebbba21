package api

import (
	"context"
	"net/http"

	"github.com/cardano-escrow/orchestrator/internal/ierr"
)

// Identity is whatever an Authenticator resolves a `token:` header to.
// Handlers that need the caller (CreatePurchase's requestedById) read it
// back out of the request context via IdentityFromContext.
type Identity struct {
	ID string
}

// Authenticator verifies the §6 `token: <apikey>` header. API-key storage
// and credit metering are an external collaborator (see
// internal/creditmeter's package doc) -- this repo only defines the seam
// a real deployment plugs an implementation into.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Identity, error)
}

type identityContextKey struct{}

// IdentityFromContext returns the Identity a successful Authenticate call
// attached to the request context.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityContextKey{}).(Identity)
	return id, ok
}

// withAuth wraps next so every request authenticates via auth before the
// handler runs. A missing or rejected token renders Unauthenticated
// through the standard error envelope rather than reaching the handler.
func withAuth(auth Authenticator, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("token")
		if token == "" {
			writeError(w, ierr.New(ierr.Unauthenticated, "missing token header"))
			return
		}
		identity, err := auth.Authenticate(r.Context(), token)
		if err != nil {
			writeError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), identityContextKey{}, identity)
		next(w, r.WithContext(ctx))
	}
}
