package middleware

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/kiranshivaraju/minewatch/internal/api/response"
	"github.com/kiranshivaraju/minewatch/internal/store"
	"github.com/kiranshivaraju/minewatch/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

const (
	keyPrefixLen  = 8
	deviceKeyTag  = "mw_"
	deviceKeyBody = 24
)

// DeviceAuth authenticates field devices by API key and checks key scopes.
type DeviceAuth struct {
	store store.KeyStore
}

func NewDeviceAuth(s store.KeyStore) *DeviceAuth {
	return &DeviceAuth{store: s}
}

// Authenticate validates the Bearer key, looks it up by prefix, and sets
// the device principal, key_prefix and scopes in the request context.
func (a *DeviceAuth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawKey := extractBearerToken(r)
		if rawKey == "" {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Missing or invalid Authorization header", nil)
			return
		}

		if len(rawKey) < keyPrefixLen {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid API key format", nil)
			return
		}

		prefix := rawKey[:keyPrefixLen]
		keys, err := a.store.GetAPIKeyByPrefix(r.Context(), prefix)
		if err != nil {
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to validate API key", nil)
			return
		}

		var matched bool
		for _, key := range keys {
			if bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(rawKey)) == nil {
				ctx := r.Context()
				ctx = WithPrincipal(ctx, models.Principal{Subject: "device:" + key.Name, Role: models.RoleDevice})
				ctx = setDeviceKeyID(ctx, key.ID)
				ctx = setKeyPrefix(ctx, prefix)
				ctx = setScopes(ctx, key.Scopes)
				r = r.WithContext(ctx)
				matched = true

				go a.store.UpdateAPIKeyLastUsed(context.Background(), key.ID)
				break
			}
		}

		if !matched {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid API key", nil)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// RequireScope returns middleware that checks whether the authenticated
// API key has the specified scope.
func (a *DeviceAuth) RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, s := range getScopes(r) {
				if s == scope {
					next.ServeHTTP(w, r)
					return
				}
			}
			response.Error(w, http.StatusForbidden,
				"FORBIDDEN", "Insufficient permissions", nil)
		})
	}
}

// GenerateDeviceKey returns a new raw key, its lookup prefix and its bcrypt hash.
// The raw key is shown once; only prefix and hash are stored.
func GenerateDeviceKey() (raw, prefix, hash string, err error) {
	buf := make([]byte, deviceKeyBody)
	if _, err := rand.Read(buf); err != nil {
		return "", "", "", fmt.Errorf("generating key: %w", err)
	}
	raw = deviceKeyTag + hex.EncodeToString(buf)
	h, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return "", "", "", fmt.Errorf("hashing key: %w", err)
	}
	return raw, raw[:keyPrefixLen], string(h), nil
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
