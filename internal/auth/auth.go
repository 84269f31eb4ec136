// Package auth implements the bearer-token verification used on every
// orchestration frontend route. It is grounded on
// original_source/orquestador/orquestador_api.py's verify_jwt_token: an
// HS256-signed token carrying id/correo/rol claims, rejected on expiry or
// any signature/shape failure. The teacher has no equivalent (it is
// invoked only by trusted internal consumers), so this package is new.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sliceforge/orchestrator/internal/apierr"
)

// Role mirrors spec §6's rol claim: cliente sees only their own slices,
// admin sees and administers everyone's.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleCliente Role = "cliente"
)

// Principal is the request-scoped identity extracted from a verified
// token's claims.
type Principal struct {
	ID     int
	Correo string
	Rol    Role
}

// IsAdmin reports whether the principal may act on another user's slices.
func (p Principal) IsAdmin() bool { return p.Rol == RoleAdmin }

type claims struct {
	ID     int    `json:"id"`
	Correo string `json:"correo"`
	Rol    string `json:"rol"`
	jwt.RegisteredClaims
}

type ctxKey struct{}

// Verifier validates bearer tokens signed with a shared HMAC secret.
type Verifier struct {
	secret []byte
}

// New builds a Verifier around the process-wide configured JWT secret.
func New(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Parse verifies token and extracts its Principal. It rejects expired
// tokens, bad signatures, and tokens missing a recognized rol.
func (v *Verifier) Parse(token string) (Principal, error) {
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return Principal{}, apierr.Wrap(apierr.Unauthenticated, "invalid or expired token", err)
	}
	if !parsed.Valid {
		return Principal{}, apierr.New(apierr.Unauthenticated, "invalid token")
	}

	switch Role(c.Rol) {
	case RoleAdmin, RoleCliente:
	default:
		return Principal{}, apierr.New(apierr.Unauthenticated, "token missing a recognized rol claim")
	}

	return Principal{ID: c.ID, Correo: c.Correo, Rol: Role(c.Rol)}, nil
}

// Middleware verifies the Authorization: Bearer <token> header on every
// request and stores the resulting Principal in the request context.
// Requests without a valid token never reach the wrapped handler.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeUnauthenticated(w, "missing bearer token")
			return
		}

		principal, err := v.Parse(token)
		if err != nil {
			writeUnauthenticated(w, err.Error())
			return
		}

		ctx := context.WithValue(r.Context(), ctxKey{}, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeUnauthenticated(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apierr.HTTPStatus(apierr.Unauthenticated))
	fmt.Fprintf(w, `{"code":%q,"message":%q}`, apierr.Unauthenticated, msg)
}

// FromContext recovers the Principal stored by Middleware. It panics if
// called outside a request that passed through Middleware, matching the
// rest of this codebase's convention of failing loudly on programmer
// error rather than returning an ok bool everywhere.
func FromContext(ctx context.Context) Principal {
	p, ok := ctx.Value(ctxKey{}).(Principal)
	if !ok {
		panic("auth: no principal in context; Middleware was not applied")
	}
	return p
}

// RequireAdmin wraps next so that only requests from an admin principal
// reach it; anyone else gets 403 forbidden, matching spec §6's
// admin-only image admission/deletion. Slice routes do not use it: their
// owner-or-admin check happens in the slice handlers.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !FromContext(r.Context()).IsAdmin() {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(apierr.HTTPStatus(apierr.Forbidden))
			fmt.Fprintf(w, `{"code":%q,"message":"admin role required"}`, apierr.Forbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
