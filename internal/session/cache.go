package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/pressroom-hq/account-harvester/internal/domain"
	"github.com/pressroom-hq/account-harvester/internal/logger"
)

// Package session caches an authenticated credential on disk and revalidates it
// against the live service before handing it out.

// ErrCredentialRevoked is returned by a Prober when the service explicitly
// rejects the credential (as opposed to a transient probe failure).
var ErrCredentialRevoked = errors.New("credential revoked by service")

// AuthError is fatal to a whole run: no credential could be produced.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth: %s: %v", e.Reason, e.Err)
	}
	return "auth: " + e.Reason
}

func (e *AuthError) Unwrap() error { return e.Err }

// CredentialProvider produces a fresh credential, typically through a slow
// interactive flow. It is external to this subsystem.
type CredentialProvider interface {
	Authenticate(ctx context.Context) (domain.Credential, error)
}

// Prober performs an inexpensive authenticated read against the target service
// to confirm a credential is still accepted. It returns nil when the credential
// is live, ErrCredentialRevoked (possibly wrapped) when the service rejects it,
// and any other error for transient failures.
type Prober interface {
	Probe(ctx context.Context, cred domain.Credential) error
}

// credentialFile is the on-disk JSON shape: token, cookie map, epoch seconds.
type credentialFile struct {
	Token     string            `json:"token"`
	Cookies   map[string]string `json:"cookies"`
	Timestamp int64             `json:"timestamp"`
}

// Cache persists a credential with a fixed expiry window. Acquire is safe to
// call from many goroutines; reauthentication is single-flight so concurrent
// callers block on one in-flight login instead of triggering their own.
type Cache struct {
	path     string
	ttl      time.Duration
	provider CredentialProvider
	prober   Prober
	log      logger.Logger

	now func() time.Time

	sf singleflight.Group

	mu     sync.Mutex
	cred   domain.Credential
	loaded bool
}

// NewCache builds a credential cache backed by the given file path.
func NewCache(path string, ttl time.Duration, provider CredentialProvider, prober Prober, log logger.Logger) *Cache {
	if log == nil {
		log = &logger.NopLogger{}
	}
	return &Cache{
		path:     path,
		ttl:      ttl,
		provider: provider,
		prober:   prober,
		log:      log,
		now:      time.Now,
	}
}

// Acquire returns a usable credential, reauthenticating at most once across all
// concurrent callers.
func (c *Cache) Acquire(ctx context.Context) (domain.Credential, error) {
	v, err, _ := c.sf.Do("acquire", func() (interface{}, error) {
		return c.acquire(ctx)
	})
	if err != nil {
		return domain.Credential{}, err
	}
	return v.(domain.Credential), nil
}

func (c *Cache) acquire(ctx context.Context) (domain.Credential, error) {
	cred, ok := c.current()

	if ok && cred.Age(c.now()) <= c.ttl {
		probeErr := c.probe(ctx, cred)
		switch {
		case probeErr == nil:
			return cred, nil
		case errors.Is(probeErr, ErrCredentialRevoked):
			c.log.WarnObj("cached credential revoked by service", "credential_age", cred.Age(c.now()).String())
			if err := c.Invalidate(); err != nil {
				c.log.WarnObj("credential invalidate failed", "error", err.Error())
			}
		default:
			// Transient probe failure must not burn an in-window credential.
			c.log.WarnObj("credential liveness probe failed transiently; keeping credential", "error", probeErr.Error())
			return cred, nil
		}
	} else if ok {
		c.log.InfoObj("cached credential expired", "credential_age", cred.Age(c.now()).String())
		if err := c.Invalidate(); err != nil {
			c.log.WarnObj("credential invalidate failed", "error", err.Error())
		}
	}

	return c.reauthenticate(ctx)
}

// current returns the in-memory credential, loading from disk on first use.
func (c *Cache) current() (domain.Credential, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.loaded {
		c.loaded = true
		if cred, err := c.loadFile(); err == nil {
			c.cred = cred
		} else if !os.IsNotExist(err) {
			c.log.WarnObj("credential file unreadable", "error", err.Error())
		}
	}
	if c.cred.IsZero() {
		return domain.Credential{}, false
	}
	return c.cred, true
}

func (c *Cache) probe(ctx context.Context, cred domain.Credential) error {
	if c.prober == nil {
		return nil
	}
	return c.prober.Probe(ctx, cred)
}

func (c *Cache) reauthenticate(ctx context.Context) (domain.Credential, error) {
	if c.provider == nil {
		return domain.Credential{}, &AuthError{Reason: "no cached credential and no credential provider configured"}
	}

	cred, err := c.provider.Authenticate(ctx)
	if err != nil {
		return domain.Credential{}, &AuthError{Reason: "reauthentication failed", Err: err}
	}
	if cred.IsZero() {
		return domain.Credential{}, &AuthError{Reason: "provider returned empty credential"}
	}
	if cred.Timestamp.IsZero() {
		cred.Timestamp = c.now()
	}

	if err := c.persist(cred); err != nil {
		// A credential that cannot be persisted is still usable for this run.
		c.log.WarnObj("credential persist failed", "error", err.Error())
	}

	c.mu.Lock()
	c.cred = cred
	c.loaded = true
	c.mu.Unlock()

	c.log.InfoObj("credential refreshed", "credential_meta", map[string]any{
		"cookies":   len(cred.Cookies),
		"issued_at": cred.Timestamp.UTC(),
	})
	return cred, nil
}

// Invalidate drops the cached credential from memory and disk.
func (c *Cache) Invalidate() error {
	c.mu.Lock()
	c.cred = domain.Credential{}
	c.loaded = true
	c.mu.Unlock()

	if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove credential file: %w", err)
	}
	return nil
}

// Status describes the cached credential without touching the network.
type Status struct {
	LoggedIn  bool
	IssuedAt  time.Time
	ExpiresAt time.Time
	Remaining time.Duration
}

// Status reports whether a credential is cached and within its expiry window.
func (c *Cache) Status() Status {
	cred, ok := c.current()
	if !ok {
		return Status{}
	}
	expires := cred.Timestamp.Add(c.ttl)
	now := c.now()
	if now.After(expires) {
		return Status{IssuedAt: cred.Timestamp, ExpiresAt: expires}
	}
	return Status{
		LoggedIn:  true,
		IssuedAt:  cred.Timestamp,
		ExpiresAt: expires,
		Remaining: expires.Sub(now),
	}
}

func (c *Cache) loadFile() (domain.Credential, error) {
	raw, err := os.ReadFile(c.path)
	if err != nil {
		return domain.Credential{}, err
	}
	var f credentialFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return domain.Credential{}, fmt.Errorf("decode credential file: %w", err)
	}
	return domain.Credential{
		Token:     f.Token,
		Cookies:   f.Cookies,
		Timestamp: time.Unix(f.Timestamp, 0),
	}, nil
}

func (c *Cache) persist(cred domain.Credential) error {
	dir := filepath.Dir(c.path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create credential directory: %w", err)
		}
	}
	raw, err := json.MarshalIndent(credentialFile{
		Token:     cred.Token,
		Cookies:   cred.Cookies,
		Timestamp: cred.Timestamp.Unix(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}
	if err := os.WriteFile(c.path, raw, 0o600); err != nil {
		return fmt.Errorf("write credential file: %w", err)
	}
	return nil
}
