// Package credentials implements the per-provider OAuth token cache: a
// TTL-governed cache with background and reactive (401-triggered)
// refresh, backed by shell-command or file credential sources.
package credentials

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Source is one provider's credential source: exactly one of Command or
// File must be set. Destinations is the hostname-substring list used to
// resolve a provider from an upstream URL.
type Source struct {
	Provider     string
	Command      string
	File         string
	UserAgent    string
	Destinations []string
}

// Validate enforces the command-XOR-file invariant.
func (s Source) Validate() error {
	hasCommand := s.Command != ""
	hasFile := s.File != ""
	switch {
	case hasCommand == hasFile:
		return fmt.Errorf("oauth source %q must specify exactly one of command or file", s.Provider)
	}
	return nil
}

type entry struct {
	token    string
	loadedAt time.Time
}

// Manager caches OAuth tokens per provider with TTL-based expiry and
// mutex-guarded cache updates; a refresh runs the source with the mutex
// released. A single mutex covers both the token map and the user-agent
// map, per the concurrency model.
type Manager struct {
	mu            sync.Mutex
	tokens        map[string]entry
	userAgents    map[string]string
	sources       map[string]Source
	orderedProviders []string // preserves the order of the sources passed to New for deterministic destination matching

	ttl           time.Duration
	refreshBuffer float64

	executor SourceExecutor
	logger   *slog.Logger

	cancel context.CancelFunc
}

// SourceExecutor runs a Source to obtain a fresh token. Split out for
// testability; the production implementation executes a shell command
// with a 5s timeout or reads a file.
type SourceExecutor interface {
	Execute(ctx context.Context, src Source) (string, error)
}

// Options configures a new Manager.
type Options struct {
	TTL           time.Duration // default 8h
	RefreshBuffer float64       // default 0.1
	Executor      SourceExecutor
	Logger        *slog.Logger
}

// New constructs a Manager and performs the startup load_all: every
// source is executed once; if ALL fail, returns a fatal error; if SOME
// succeed, logs a warning and proceeds with the subset that loaded.
func New(sources []Source, opts Options) (*Manager, error) {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 8 * time.Hour
	}
	buffer := opts.RefreshBuffer
	if buffer <= 0 {
		buffer = 0.1
	}
	m := &Manager{
		tokens:     make(map[string]entry),
		userAgents: make(map[string]string),
		sources:    make(map[string]Source, len(sources)),
		ttl:        ttl,
		refreshBuffer: buffer,
		executor:   opts.Executor,
		logger:     opts.Logger,
	}
	for _, s := range sources {
		if err := s.Validate(); err != nil {
			return nil, err
		}
		m.sources[s.Provider] = s
		m.orderedProviders = append(m.orderedProviders, s.Provider)
		if s.UserAgent != "" {
			m.userAgents[s.Provider] = s.UserAgent
		}
	}

	successes := 0
	for _, provider := range m.orderedProviders {
		src := m.sources[provider]
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		token, err := m.executor.Execute(ctx, src)
		cancel()
		if err != nil {
			if m.logger != nil {
				m.logger.Warn("failed to load oauth credential", "provider", provider, "error", err)
			}
			continue
		}
		m.tokens[provider] = entry{token: token, loadedAt: time.Now()}
		successes++
	}
	if len(sources) > 0 && successes == 0 {
		return nil, fmt.Errorf("no oauth credential source could be loaded (%d configured)", len(sources))
	}
	return m, nil
}

// GetOAuthToken returns the cached token for a provider, if any.
func (m *Manager) GetOAuthToken(provider string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.tokens[provider]
	if !ok {
		return "", false
	}
	return e.token, true
}

// GetOAuthUserAgent returns the configured user agent for a provider, if any.
func (m *Manager) GetOAuthUserAgent(provider string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ua, ok := m.userAgents[provider]
	return ua, ok
}

// GetProviderForDestination resolves a provider by case-insensitive
// substring match of apiBase against every configured source's
// Destinations, first match wins. Iterates an explicit ordered slice
// (never a Go map) so the result is deterministic despite Go's
// randomized map iteration order.
func (m *Manager) GetProviderForDestination(apiBase string) (string, bool) {
	if apiBase == "" {
		return "", false
	}
	needle := strings.ToLower(apiBase)
	for _, provider := range m.orderedProviders {
		for _, dest := range m.sources[provider].Destinations {
			if strings.Contains(needle, strings.ToLower(dest)) {
				return provider, true
			}
		}
	}
	return "", false
}

// IsExpired reports whether a provider's cached token is missing or past
// its refresh threshold: now - loadedAt >= ttl * (1 - refreshBuffer).
func (m *Manager) IsExpired(provider string) bool {
	m.mu.Lock()
	e, ok := m.tokens[provider]
	m.mu.Unlock()
	if !ok {
		return true
	}
	threshold := time.Duration(float64(m.ttl) * (1 - m.refreshBuffer))
	return time.Since(e.loadedAt) >= threshold
}

// Refresh re-executes the provider's source with the process-wide lock
// released, then updates the cache under the lock on success. Concurrent
// Refresh calls for the same provider each run the source. On failure, the previous
// cached token is preserved and Refresh returns ok=false.
func (m *Manager) Refresh(provider string) (token string, ok bool) {
	m.mu.Lock()
	src, hasSource := m.sources[provider]
	m.mu.Unlock()
	if !hasSource {
		return "", false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	newToken, err := m.executor.Execute(ctx, src)
	if err != nil {
		if m.logger != nil {
			m.logger.Warn("oauth refresh failed, keeping previous token", "provider", provider, "error", err)
		}
		return "", false
	}

	m.mu.Lock()
	m.tokens[provider] = entry{token: newToken, loadedAt: time.Now()}
	m.mu.Unlock()
	return newToken, true
}

// StartBackgroundRefresh launches the long-running refresh loop: every
// 30 minutes, every expired provider is refreshed. Idempotent: a second
// call while already running is a no-op. Stop (or cancelling ctx) ends
// the loop.
func (m *Manager) StartBackgroundRefresh(ctx context.Context) {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(30 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				m.refreshExpired()
			}
		}
	}()
}

func (m *Manager) refreshExpired() {
	for _, provider := range m.orderedProviders {
		if m.IsExpired(provider) {
			m.Refresh(provider)
		}
	}
}

// Stop cancels the background refresh loop, if running.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}
