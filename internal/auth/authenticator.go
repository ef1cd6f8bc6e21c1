package auth

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"fleet-monitor/cleaning/internal/logging"
)

// KeyLookup resolves an API key to the inspector or device it belongs to.
// An unknown key resolves to "".
type KeyLookup interface {
	GetAPIKey(ctx context.Context, apiKey string) (string, error)
}

type cacheEntry struct {
	subject   string
	expiresAt time.Time
}

// Authenticator checks API keys against static keys, then a local cache,
// then Redis.
type Authenticator struct {
	localCache sync.Map
	lookup     KeyLookup
	ttl        time.Duration
	staticKeys map[string]bool
	now        func() time.Time
	logger     *slog.Logger
}

func NewAuthenticator(staticKeys []string, lookup KeyLookup, ttl time.Duration, logger *slog.Logger) *Authenticator {
	keys := make(map[string]bool, len(staticKeys))
	for _, k := range staticKeys {
		if k != "" {
			keys[k] = true
		}
	}
	if logger == nil {
		logger = logging.Discard()
	}

	return &Authenticator{
		lookup:     lookup,
		ttl:        ttl,
		staticKeys: keys,
		now:        time.Now,
		logger:     logger,
	}
}

// Enabled reports whether any key source is configured.
func (a *Authenticator) Enabled() bool {
	return len(a.staticKeys) > 0 || a.lookup != nil
}

// Authenticate returns the subject bound to apiKey. Static keys have no
// subject of their own and authenticate as "api-key".
func (a *Authenticator) Authenticate(ctx context.Context, apiKey string) (string, bool) {
	if apiKey == "" {
		return "", false
	}

	if a.staticKeys[apiKey] {
		return "api-key", true
	}

	if raw, ok := a.localCache.Load(apiKey); ok {
		entry := raw.(cacheEntry)
		if a.now().Before(entry.expiresAt) {
			return entry.subject, true
		}
		a.localCache.Delete(apiKey)
	}

	if a.lookup == nil {
		return "", false
	}
	subject, err := a.lookup.GetAPIKey(ctx, apiKey)
	if err != nil {
		a.logger.Warn("api key lookup failed", slog.String("error", err.Error()))
		return "", false
	}
	if subject == "" {
		return "", false
	}

	a.localCache.Store(apiKey, cacheEntry{
		subject:   subject,
		expiresAt: a.now().Add(a.ttl),
	})
	return subject, true
}
