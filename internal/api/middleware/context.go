package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/minewatch/pkg/models"
)

type contextKey string

const (
	principalKey    contextKey = "principal"
	keyPrefixKey    contextKey = "key_prefix"
	apiKeyScopesKey contextKey = "api_key_scopes"
	deviceKeyIDKey  contextKey = "device_key_id"
)

// WithPrincipal stores the caller identity on ctx.
func WithPrincipal(ctx context.Context, p models.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// GetPrincipal returns the caller identity. Requests that passed no
// authentication middleware are anonymous.
func GetPrincipal(r *http.Request) models.Principal {
	p, ok := r.Context().Value(principalKey).(models.Principal)
	if !ok {
		return models.Anonymous()
	}
	return p
}

func setKeyPrefix(ctx context.Context, prefix string) context.Context {
	return context.WithValue(ctx, keyPrefixKey, prefix)
}

func getKeyPrefix(r *http.Request) (string, bool) {
	prefix, ok := r.Context().Value(keyPrefixKey).(string)
	return prefix, ok
}

func setScopes(ctx context.Context, scopes []string) context.Context {
	return context.WithValue(ctx, apiKeyScopesKey, scopes)
}

func getScopes(r *http.Request) []string {
	scopes, _ := r.Context().Value(apiKeyScopesKey).([]string)
	return scopes
}

func setDeviceKeyID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, deviceKeyIDKey, id)
}

// GetDeviceKeyID returns the id of the device key that authenticated r.
func GetDeviceKeyID(r *http.Request) (uuid.UUID, bool) {
	id, ok := r.Context().Value(deviceKeyIDKey).(uuid.UUID)
	return id, ok
}

// ExportedKeyPrefixKey returns the context key for key_prefix (for testing).
func ExportedKeyPrefixKey() contextKey {
	return keyPrefixKey
}
