package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// SecretReader/SecretWriter back a Resolver's token cache with whatever
// durable store the deployment uses for secrets (a file, a config-declared
// env var, a database row) — internal/oauth never assumes a specific one.
type SecretReader interface {
	ReadSecret(ctx context.Context, ref string) ([]byte, error)
}

type SecretWriter interface {
	WriteSecret(ctx context.Context, ref string, value []byte) error
}

// Resolver implements internal/upstream/gemini's SecretResolver contract
// for OAuth-backed credentials: it reads the stored TokenData behind a
// SecretRef, refreshes it through the provider's token endpoint when it's
// close to expiry, and returns a bare access token string.
type Resolver struct {
	endpoint Endpoint
	reader   SecretReader
	writer   SecretWriter

	mu    sync.Mutex
	cache map[string]*TokenData

	refreshGroup singleflight.Group
}

func NewResolver(ep Endpoint, reader SecretReader, writer SecretWriter) *Resolver {
	return &Resolver{endpoint: ep, reader: reader, writer: writer, cache: make(map[string]*TokenData)}
}

// Resolve returns a usable access token for secretRef, refreshing it first
// if it's within five minutes of expiry. Concurrent Resolve calls for the
// same secretRef collapse onto a single in-flight refresh so a burst of
// requests against a near-expiry credential doesn't hit the token endpoint
// once per request.
func (r *Resolver) Resolve(ctx context.Context, secretRef string) (string, error) {
	data, err := r.load(ctx, secretRef)
	if err != nil {
		return "", err
	}

	if time.Until(data.Expiry) > 5*time.Minute {
		return data.AccessToken, nil
	}

	v, err, _ := r.refreshGroup.Do(secretRef, func() (interface{}, error) {
		refreshed, err := Refresh(ctx, r.endpoint, data.RefreshToken)
		if err != nil {
			return nil, err
		}
		// A persistence failure doesn't invalidate the freshly minted token;
		// it just means the next process restart will refresh again too.
		_ = r.store(ctx, secretRef, refreshed)
		return refreshed, nil
	})
	if err != nil {
		// An expired-but-unrefreshable token still might work for a few more
		// requests on some providers; surface the stale token rather than
		// fail outright, and let the caller's failure handling evict it.
		return data.AccessToken, fmt.Errorf("oauth: refresh failed, using stale token: %w", err)
	}
	return v.(*TokenData).AccessToken, nil
}

func (r *Resolver) load(ctx context.Context, secretRef string) (*TokenData, error) {
	r.mu.Lock()
	cached, ok := r.cache[secretRef]
	r.mu.Unlock()
	if ok {
		return cached, nil
	}

	raw, err := r.reader.ReadSecret(ctx, secretRef)
	if err != nil {
		return nil, fmt.Errorf("oauth: read secret %q: %w", secretRef, err)
	}
	var data TokenData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("oauth: decode secret %q: %w", secretRef, err)
	}

	r.mu.Lock()
	r.cache[secretRef] = &data
	r.mu.Unlock()
	return &data, nil
}

func (r *Resolver) store(ctx context.Context, secretRef string, data *TokenData) error {
	r.mu.Lock()
	r.cache[secretRef] = data
	r.mu.Unlock()

	if r.writer == nil {
		return nil
	}
	raw, err := MarshalTokenData(data)
	if err != nil {
		return fmt.Errorf("oauth: encode refreshed token: %w", err)
	}
	if err := r.writer.WriteSecret(ctx, secretRef, raw); err != nil {
		return fmt.Errorf("oauth: persist refreshed token for %q: %w", secretRef, err)
	}
	return nil
}
