// Package middleware contains HTTP middleware for the controller.
package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"bulkmail/internal/auth"
	"bulkmail/internal/store"
	"bulkmail/pkg/api"

	"github.com/google/uuid"
)

// ownerKey is the context key for the authenticated owner.
type ownerKey struct{}

// AuthMiddleware resolves the calling owner from a bearer API key.
// Every queue operation must be scoped by the owner it stores in the context.
func AuthMiddleware(s store.OwnerStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				writeError(w, "Missing or invalid authorization header", http.StatusUnauthorized)
				return
			}

			owner, err := s.GetOwnerByAPIKeyHash(r.Context(), auth.HashKey(token))
			if err != nil {
				writeError(w, "Failed to authenticate", http.StatusInternalServerError)
				return
			}
			if owner == nil {
				writeError(w, "Invalid API key", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(NewContextWithOwner(r.Context(), owner)))
		})
	}
}

// NewContextWithOwner returns a copy of ctx carrying owner.
func NewContextWithOwner(ctx context.Context, owner *store.Owner) context.Context {
	return context.WithValue(ctx, ownerKey{}, owner)
}

// OwnerFromContext extracts the authenticated owner from the context.
func OwnerFromContext(ctx context.Context) (*store.Owner, bool) {
	owner, ok := ctx.Value(ownerKey{}).(*store.Owner)
	return owner, ok && owner != nil
}

// OwnerIDFromContext extracts the authenticated owner's ID from the context.
func OwnerIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	owner, ok := OwnerFromContext(ctx)
	if !ok {
		return uuid.Nil, false
	}
	return owner.ID, true
}

func bearerToken(r *http.Request) (string, bool) {
	parts := strings.Split(r.Header.Get("Authorization"), " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

func writeError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(api.ErrorResponse{
		Error: message,
		Code:  strconv.Itoa(code),
	})
}
