/*
staff.go - Staff identity extraction

Authentication lives in an external collaborator; this middleware only
extracts the staff identity for attribution. Precedence:

  1. X-Staff-Id header
  2. Authorization bearer token payload ("sub", else "username") -
     decoded, NOT verified; the gateway in front of this service is
     responsible for signature checks
  3. "unknown"

Every write handler stamps this identity onto movements, orders, and
audit events.
*/
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/verdant/dispensary-hub/ledger"
)

type contextKey string

const staffKey contextKey = "staff-id"

// StaffIdentity resolves the acting staff member and stores it on the
// request context.
func StaffIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), staffKey, resolveStaff(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// StaffFrom returns the staff identity set by StaffIdentity.
func StaffFrom(ctx context.Context) ledger.StaffID {
	if id, ok := ctx.Value(staffKey).(ledger.StaffID); ok && id != "" {
		return id
	}
	return "unknown"
}

func resolveStaff(r *http.Request) ledger.StaffID {
	if id := strings.TrimSpace(r.Header.Get("X-Staff-Id")); id != "" {
		return ledger.StaffID(id)
	}
	if sub := bearerSubject(r.Header.Get("Authorization")); sub != "" {
		return ledger.StaffID(sub)
	}
	return "unknown"
}

// bearerSubject pulls "sub" (or "username") out of a JWT payload
// without verifying the signature.
func bearerSubject(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	parts := strings.Split(strings.TrimPrefix(header, prefix), ".")
	if len(parts) != 3 {
		return ""
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return ""
	}
	var claims struct {
		Sub      string `json:"sub"`
		Username string `json:"username"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return ""
	}
	if claims.Sub != "" {
		return claims.Sub
	}
	return claims.Username
}
