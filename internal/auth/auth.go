// Package auth resolves the caller of a request. Authentication itself
// happens upstream; this service trusts the identity headers set by the
// edge proxy.
package auth

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
)

// Identity headers set by the edge proxy.
const (
	HeaderUserID    = "X-User-ID"
	HeaderCompanyID = "X-Company-ID"
)

// ErrUnauthenticated is returned when the identity is absent or malformed.
var ErrUnauthenticated = errors.New("missing or invalid identity")

// Identity is the authenticated caller.
type Identity struct {
	UserID    uuid.UUID
	CompanyID uuid.UUID
}

// Authenticator extracts the caller from a request.
type Authenticator interface {
	Authenticate(r *http.Request) (Identity, error)
}

// HeaderAuthenticator reads the identity headers. With AllowQuery set it also
// accepts userId and companyId query parameters, since browsers cannot set
// headers on a WebSocket handshake.
type HeaderAuthenticator struct {
	AllowQuery bool
}

func (a HeaderAuthenticator) Authenticate(r *http.Request) (Identity, error) {
	user, company := r.Header.Get(HeaderUserID), r.Header.Get(HeaderCompanyID)
	if a.AllowQuery && (user == "" || company == "") {
		q := r.URL.Query()
		user, company = q.Get("userId"), q.Get("companyId")
	}

	userID, err := uuid.Parse(user)
	if err != nil || userID == uuid.Nil {
		return Identity{}, ErrUnauthenticated
	}
	companyID, err := uuid.Parse(company)
	if err != nil || companyID == uuid.Nil {
		return Identity{}, ErrUnauthenticated
	}
	return Identity{UserID: userID, CompanyID: companyID}, nil
}

type ctxKey struct{}

// WithIdentity stores the identity in ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the identity stored by Middleware.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}

// Middleware rejects unauthenticated requests through onError and stores the
// identity of the others in the request context.
func Middleware(authn Authenticator, onError func(http.ResponseWriter, *http.Request, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := authn.Authenticate(r)
			if err != nil {
				onError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}
