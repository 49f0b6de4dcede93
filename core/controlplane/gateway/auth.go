package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/gorilla/websocket"
)

// #nosec G101 -- protocol label, not a credential.
const wsAPIKeyProtocol = "chatflow-api-key"

var errTenantDenied = errors.New("tenant access denied")

// AuthContext captures request identity for tenant routing.
type AuthContext struct {
	APIKey      string
	Tenant      string
	PrincipalID string
}

type authContextKey struct{}

// AuthProvider authenticates API calls and scopes them to a tenant.
type AuthProvider interface {
	AuthenticateHTTP(r *http.Request) (*AuthContext, error)
	ResolveTenant(r *http.Request, requested string) (string, error)
	RequireTenantAccess(r *http.Request, tenant string) error
}

func authFromRequest(r *http.Request) *AuthContext {
	if r == nil {
		return nil
	}
	if auth, ok := r.Context().Value(authContextKey{}).(*AuthContext); ok {
		return auth
	}
	return nil
}

func withAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

type apiKeyEntry struct {
	Key    string `json:"key"`
	Tenant string `json:"tenant"`
}

// BasicAuthProvider checks X-API-Key against keys from the environment. A key
// may be bound to a tenant; unbound keys act for any tenant.
type BasicAuthProvider struct {
	keys          map[string]apiKeyEntry
	requireAPIKey bool
}

// NewBasicAuthProvider loads keys from CHATFLOW_API_KEYS and CHATFLOW_API_KEY.
// With no keys configured every request is accepted.
func NewBasicAuthProvider() (*BasicAuthProvider, error) {
	keys := map[string]apiKeyEntry{}
	requireKey := false

	if raw := strings.TrimSpace(os.Getenv("CHATFLOW_API_KEYS")); raw != "" {
		entries, err := parseAPIKeys(raw)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			if entry.Key != "" {
				keys[entry.Key] = entry
			}
		}
		requireKey = true
	}
	if single := normalizeAPIKey(os.Getenv("CHATFLOW_API_KEY")); single != "" {
		keys[single] = apiKeyEntry{Key: single}
		requireKey = true
	}
	return &BasicAuthProvider{keys: keys, requireAPIKey: requireKey}, nil
}

func (b *BasicAuthProvider) AuthenticateHTTP(r *http.Request) (*AuthContext, error) {
	if r == nil {
		return nil, errors.New("request required")
	}
	key := normalizeAPIKey(r.Header.Get("X-API-Key"))
	if key == "" && websocket.IsWebSocketUpgrade(r) {
		key = normalizeAPIKey(apiKeyFromWebSocket(r))
	}
	principal := headerValue(r, "X-Principal-Id")
	if key == "" {
		if b.requireAPIKey {
			return nil, errors.New("api key required")
		}
		return &AuthContext{PrincipalID: principal}, nil
	}
	entry, ok := b.keys[key]
	if len(b.keys) > 0 && !ok {
		return nil, errors.New("invalid api key")
	}
	return &AuthContext{APIKey: key, Tenant: entry.Tenant, PrincipalID: principal}, nil
}

// ResolveTenant picks the tenant a request acts for. A tenant-bound key may
// only act for its own tenant.
func (b *BasicAuthProvider) ResolveTenant(r *http.Request, requested string) (string, error) {
	requested = strings.TrimSpace(requested)
	auth := authFromRequest(r)
	if auth == nil || auth.Tenant == "" {
		return requested, nil
	}
	if requested == "" {
		return auth.Tenant, nil
	}
	if requested != auth.Tenant {
		return "", errTenantDenied
	}
	return requested, nil
}

func (b *BasicAuthProvider) RequireTenantAccess(r *http.Request, tenant string) error {
	tenant = strings.TrimSpace(tenant)
	auth := authFromRequest(r)
	if auth == nil || auth.Tenant == "" {
		return nil
	}
	if tenant != auth.Tenant {
		return errTenantDenied
	}
	return nil
}

// parseAPIKeys accepts a JSON array of {key, tenant} objects or a comma list
// of "key" / "tenant:key" entries.
func parseAPIKeys(raw string) ([]apiKeyEntry, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if strings.HasPrefix(raw, "[") {
		var entries []apiKeyEntry
		if err := json.Unmarshal([]byte(raw), &entries); err != nil {
			return nil, fmt.Errorf("parse CHATFLOW_API_KEYS: %w", err)
		}
		for i := range entries {
			entries[i].Key = normalizeAPIKey(entries[i].Key)
			entries[i].Tenant = strings.TrimSpace(entries[i].Tenant)
		}
		return entries, nil
	}
	parts := strings.Split(raw, ",")
	entries := make([]apiKeyEntry, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		entry := apiKeyEntry{}
		if tenant, key, ok := strings.Cut(part, ":"); ok {
			entry.Tenant = strings.TrimSpace(tenant)
			entry.Key = normalizeAPIKey(key)
		} else {
			entry.Key = normalizeAPIKey(part)
		}
		if entry.Key != "" {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func normalizeAPIKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	// Common .env mistake: quoting values.
	key = strings.Trim(key, "\"'")
	return strings.TrimSpace(key)
}

func apiKeyFromWebSocket(r *http.Request) string {
	protocols := websocket.Subprotocols(r)
	prefix := wsAPIKeyProtocol + "."
	for i, protocol := range protocols {
		if strings.EqualFold(protocol, wsAPIKeyProtocol) && i+1 < len(protocols) {
			return decodeWSAPIKey(protocols[i+1])
		}
		if strings.HasPrefix(strings.ToLower(protocol), prefix) {
			return decodeWSAPIKey(protocol[len(prefix):])
		}
	}
	return ""
}

func decodeWSAPIKey(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if decoded, err := base64.RawURLEncoding.DecodeString(raw); err == nil {
		return string(decoded)
	}
	if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil {
		return string(decoded)
	}
	return raw
}

func headerValue(r *http.Request, name string) string {
	if r == nil {
		return ""
	}
	return strings.TrimSpace(r.Header.Get(name))
}
