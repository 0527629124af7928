package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/atendebot/atende/internal/gemini"
	"github.com/atendebot/atende/internal/knowledge"
)

const (
	resolveRetries = 2
	retryBackoff   = 500 * time.Millisecond
)

// CacheAPI is the slice of the remote cache store the manager needs.
// Implemented by gemini.Client.
type CacheAPI interface {
	ListCachedContents(ctx context.Context) ([]gemini.CachedContent, error)
	GetCachedContent(ctx context.Context, name string) (gemini.CachedContent, error)
	CreateCachedContent(ctx context.Context, p gemini.CreateCachedContentParams) (gemini.CachedContent, error)
}

// Handle identifies the live shared context cache. It is read-only once
// published.
type Handle struct {
	Name        string
	DisplayName string
	ExpireAt    time.Time
}

// Manager owns the single process-wide context cache handle: it finds or
// creates the named cache at startup and re-resolves it before each use.
type Manager struct {
	caches   CacheAPI
	uploader *Uploader
	assets   []knowledge.Asset
	clock    Clock

	displayName       string
	description       string
	systemInstruction string

	mu     sync.RWMutex
	handle *Handle

	group singleflight.Group
}

// ManagerConfig wires a Manager.
type ManagerConfig struct {
	Caches            CacheAPI
	Uploader          *Uploader
	Assets            []knowledge.Asset
	DisplayName       string
	Description       string
	SystemInstruction string
	Clock             Clock
}

// NewManager creates a Manager. Clock defaults to the wall clock.
func NewManager(cfg ManagerConfig) *Manager {
	clock := cfg.Clock
	if clock == nil {
		clock = realClock{}
	}
	return &Manager{
		caches:            cfg.Caches,
		uploader:          cfg.Uploader,
		assets:            cfg.Assets,
		clock:             clock,
		displayName:       cfg.DisplayName,
		description:       cfg.Description,
		systemInstruction: cfg.SystemInstruction,
	}
}

// EnsureCache finds or creates the shared cache and publishes its handle.
// An existing remote cache with the configured display name is adopted
// without touching the assets; otherwise every asset is ensured and a new
// cache is created from their remote references. Concurrent calls are
// collapsed into one remote operation. On failure the held handle is reset
// to nil so callers degrade to "generation unavailable".
func (m *Manager) EnsureCache(ctx context.Context) (*Handle, error) {
	v, err, _ := m.group.Do("ensure", func() (any, error) {
		return m.ensure(ctx)
	})
	if err != nil {
		m.setHandle(nil)
		return nil, err
	}
	h := v.(*Handle)
	m.setHandle(h)
	return h, nil
}

func (m *Manager) ensure(ctx context.Context) (*Handle, error) {
	var existing []gemini.CachedContent
	err := withRetry(ctx, resolveRetries, func() error {
		var listErr error
		existing, listErr = m.caches.ListCachedContents(ctx)
		return listErr
	})
	if err != nil {
		return nil, fmt.Errorf("listing caches: %w", err)
	}

	for _, cc := range existing {
		if cc.DisplayName == m.displayName {
			slog.Info("adopting existing context cache", "name", cc.Name, "expires", cc.ExpireTime)
			return &Handle{Name: cc.Name, DisplayName: cc.DisplayName, ExpireAt: cc.ExpireTime}, nil
		}
	}

	slog.Info("no context cache found, creating", "display_name", m.displayName)

	// Ensure all assets concurrently, keeping the configured order in the
	// cache contents.
	uploaded := make([]UploadedAsset, len(m.assets))
	g, gctx := errgroup.WithContext(ctx)
	for i, asset := range m.assets {
		g.Go(func() error {
			ua, err := m.uploader.Ensure(gctx, asset)
			if err != nil {
				return err
			}
			uploaded[i] = ua
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("ensuring assets: %w", err)
	}

	contents := make([]gemini.Content, len(uploaded))
	for i, ua := range uploaded {
		if ua.RemoteURI == "" {
			return nil, fmt.Errorf("asset %s has no remote uri", ua.APIName)
		}
		contents[i] = gemini.FileContent(ua.RemoteURI, ua.MimeType)
	}

	cc, err := m.caches.CreateCachedContent(ctx, gemini.CreateCachedContentParams{
		DisplayName:       m.displayName,
		Description:       m.description,
		SystemInstruction: m.systemInstruction,
		Contents:          contents,
		ExpireTime:        NextClosing(m.clock.Now()),
	})
	if err != nil {
		return nil, fmt.Errorf("creating cache: %w", err)
	}
	if cc.Name == "" {
		return nil, fmt.Errorf("cache creation returned no name")
	}

	slog.Info("context cache created", "name", cc.Name, "expires", cc.ExpireTime)
	return &Handle{Name: cc.Name, DisplayName: m.displayName, ExpireAt: cc.ExpireTime}, nil
}

// Handle returns the currently held handle without any remote validation.
// Nil is a steady-state possibility, not a transient error.
func (m *Manager) Handle() *Handle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.handle
}

// Resolve confirms the held handle is still alive by re-fetching it from the
// remote side immediately before use. Returns nil (and clears the handle)
// when no live cache can be confirmed.
func (m *Manager) Resolve(ctx context.Context) *Handle {
	h := m.Handle()
	if h == nil {
		return nil
	}

	var cc gemini.CachedContent
	err := withRetry(ctx, resolveRetries, func() error {
		var getErr error
		cc, getErr = m.caches.GetCachedContent(ctx, h.Name)
		return getErr
	})
	if err != nil || cc.Name == "" {
		slog.Warn("context cache no longer resolvable", "name", h.Name, "error", err)
		m.setHandle(nil)
		return nil
	}

	resolved := &Handle{Name: cc.Name, DisplayName: h.DisplayName, ExpireAt: cc.ExpireTime}
	m.setHandle(resolved)
	return resolved
}

func (m *Manager) setHandle(h *Handle) {
	m.mu.Lock()
	m.handle = h
	m.mu.Unlock()
}

// withRetry runs fn up to attempts+1 times with exponential backoff. Only
// idempotent remote reads go through here.
func withRetry(ctx context.Context, attempts int, fn func() error) error {
	var lastErr error
	for i := 0; i <= attempts; i++ {
		if lastErr = fn(); lastErr == nil {
			return nil
		}
		if i == attempts {
			break
		}
		backoff := retryBackoff << i
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return lastErr
}
