// Package models translates public, OpenAI-style model names into backend
// model ids and back.
//
// Resolution order for a public name is: the owner's resolution cache, the
// owner's catalog (fetched from the backend with the owner's credential),
// the static default table and finally the configured default id. Every
// non-cached answer is written back to the owner's resolution cache. An
// answer found without an owner catalog, because the fetch failed or no
// credential is registered yet, is written back with the shorter fallback TTL
// so a recovered catalog takes over quickly.
package models

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/sync/singleflight"

	"github.com/nulpointcorp/session-gateway/internal/auth"
	"github.com/nulpointcorp/session-gateway/internal/backend"
	"github.com/nulpointcorp/session-gateway/internal/metrics"
	"github.com/nulpointcorp/session-gateway/internal/store"
)

const (
	resolvePrefix = "models:resolve:"
	catalogPrefix = "models:catalog:"

	defaultResolveTTL = 15 * time.Minute
	defaultCatalogTTL = 15 * time.Minute
	maxFallbackTTL    = time.Minute

	// failedRefreshBackoff delays the next lazy refresh after a failed one.
	failedRefreshBackoff = 30 * time.Second
)

// Mapping links a public name to a backend model id.
type Mapping struct {
	PublicName string   `json:"public_name"`
	BackendID  string   `json:"backend_id"`
	Name       string   `json:"name,omitempty"`
	NativeName string   `json:"native_name,omitempty"`
	Fee        string   `json:"fee,omitempty"`
	Type       string   `json:"type,omitempty"`
	Tags       []string `json:"tags,omitempty"`
}

// CredentialSource yields the backend credential of an owner.
type CredentialSource interface {
	Get(ctx context.Context, ownerKey string) (string, bool)
}

// CatalogService lists the models a credential can use.
type CatalogService interface {
	ListModels(ctx context.Context, credential string) ([]backend.Model, error)
}

// Options configures a Router.
type Options struct {
	// Defaults is the ordered static table. Nil uses the built-in table.
	Defaults []Mapping
	// DefaultName is the public name returned by reverse lookups that find
	// nothing, and the name whose id serves as the default when DefaultID
	// is empty.
	DefaultName string
	// DefaultID is the backend id returned when nothing else resolves.
	DefaultID string
	// Rules normalizes catalog native names. Nil uses DefaultRules.
	Rules []Rule

	ResolveTTL  time.Duration
	CatalogTTL  time.Duration
	// FallbackTTL applies to write-backs made while the owner's catalog was
	// unavailable. Zero uses min(ResolveTTL, 1m).
	FallbackTTL time.Duration

	Metrics *metrics.Registry
	Logger  *slog.Logger
}

type catalogEntry struct {
	mappings []Mapping
	expires  time.Time
}

// Router is the model router. It is safe for concurrent use.
type Router struct {
	store   store.Store
	creds   CredentialSource
	catalog CatalogService

	defaults    []Mapping
	defaultName string
	defaultID   string
	rules       []Rule
	resolveTTL  time.Duration
	catalogTTL  time.Duration
	fallbackTTL time.Duration

	mu       sync.RWMutex
	catalogs map[string]*catalogEntry

	group singleflight.Group

	metrics *metrics.Registry
	log     *slog.Logger
}

func NewRouter(st store.Store, creds CredentialSource, catalog CatalogService, opts Options) (*Router, error) {
	if st == nil {
		return nil, fmt.Errorf("models: store is required")
	}
	if opts.Defaults == nil {
		opts.Defaults = BuiltinDefaults()
	}
	if opts.DefaultName == "" {
		opts.DefaultName = DefaultName
	}
	if opts.DefaultID == "" {
		for _, m := range opts.Defaults {
			if strings.EqualFold(m.PublicName, opts.DefaultName) {
				opts.DefaultID = m.BackendID
				break
			}
		}
	}
	if opts.DefaultID == "" && len(opts.Defaults) > 0 {
		opts.DefaultID = opts.Defaults[0].BackendID
	}
	if opts.DefaultID == "" {
		return nil, fmt.Errorf("models: no default backend id configured")
	}
	if opts.Rules == nil {
		opts.Rules = DefaultRules
	}
	if opts.ResolveTTL <= 0 {
		opts.ResolveTTL = defaultResolveTTL
	}
	if opts.CatalogTTL <= 0 {
		opts.CatalogTTL = defaultCatalogTTL
	}
	if opts.FallbackTTL <= 0 {
		opts.FallbackTTL = min(opts.ResolveTTL, maxFallbackTTL)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Router{
		store:       st,
		creds:       creds,
		catalog:     catalog,
		defaults:    append([]Mapping(nil), opts.Defaults...),
		defaultName: opts.DefaultName,
		defaultID:   opts.DefaultID,
		rules:       opts.Rules,
		resolveTTL:  opts.ResolveTTL,
		catalogTTL:  opts.CatalogTTL,
		fallbackTTL: opts.FallbackTTL,
		catalogs:    make(map[string]*catalogEntry),
		metrics:     opts.Metrics,
		log:         opts.Logger,
	}, nil
}

// ResolveBackendID returns the backend id for publicName. It never fails:
// unknown names resolve to the configured default id. ownerKey may be empty.
func (r *Router) ResolveBackendID(ctx context.Context, publicName, ownerKey string) string {
	name := strings.TrimSpace(publicName)
	fp := ""
	if ownerKey != "" {
		fp = auth.Fingerprint(ownerKey)
		if cached, ok := r.store.Get(ctx, resolveKey(fp, name)); ok && len(cached) > 0 {
			return string(cached)
		}
	}

	id := ""
	ttl := r.fallbackTTL
	if ownerKey != "" {
		owned := r.Catalog(ctx, ownerKey)
		if len(owned) > 0 {
			ttl = r.resolveTTL
		}
		id = matchForward(owned, name)
	}
	if id == "" {
		id = matchForward(r.defaults, name)
	}
	if id == "" {
		id = r.defaultID
		r.log.DebugContext(ctx, "model_fallback_default",
			slog.String("model", name),
			slog.String("backend_id", id),
		)
	}

	if fp != "" {
		if err := r.store.Set(ctx, resolveKey(fp, name), []byte(id), ttl); err != nil {
			r.log.WarnContext(ctx, "model_cache_write_failed",
				slog.String("owner", fp),
				slog.String("error", err.Error()),
			)
		}
	}
	return id
}

// ResolvePublicName is the inverse of ResolveBackendID.
func (r *Router) ResolvePublicName(ctx context.Context, backendID, ownerKey string) string {
	if ownerKey != "" {
		if name := matchReverse(r.Catalog(ctx, ownerKey), backendID); name != "" {
			return name
		}
	}
	if name := matchReverse(r.defaults, backendID); name != "" {
		return name
	}
	return r.defaultName
}

// Catalog returns the owner's catalog, refreshing it when it is missing or
// expired. A failed refresh serves the previous catalog when there is one.
func (r *Router) Catalog(ctx context.Context, ownerKey string) []Mapping {
	if ownerKey == "" {
		return nil
	}
	fp := auth.Fingerprint(ownerKey)

	r.mu.RLock()
	entry := r.catalogs[fp]
	r.mu.RUnlock()

	now := time.Now()
	if entry != nil && now.Before(entry.expires) {
		return entry.mappings
	}

	if entry == nil {
		if restored := r.loadDurable(ctx, fp); restored != nil {
			return restored.mappings
		}
	}

	if fresh := r.RefreshCatalog(ctx, ownerKey); len(fresh) > 0 {
		return fresh
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if prev := r.catalogs[fp]; prev != nil {
		return prev.mappings
	}
	return nil
}

// RefreshCatalog fetches the owner's catalog from the backend and replaces
// the cached one. On failure the previous catalog is kept and an empty list
// is returned. Concurrent refreshes for one owner share a single fetch.
func (r *Router) RefreshCatalog(ctx context.Context, ownerKey string) []Mapping {
	if ownerKey == "" || r.creds == nil || r.catalog == nil {
		return nil
	}
	fp := auth.Fingerprint(ownerKey)

	v, _, _ := r.group.Do(fp, func() (any, error) {
		return r.refresh(context.WithoutCancel(ctx), ownerKey, fp), nil
	})
	mappings, _ := v.([]Mapping)
	return mappings
}

// Defaults returns a copy of the static table.
func (r *Router) Defaults() []Mapping {
	return append([]Mapping(nil), r.defaults...)
}

func (r *Router) refresh(ctx context.Context, ownerKey, fp string) []Mapping {
	credential, ok := r.creds.Get(ctx, ownerKey)
	if !ok {
		r.metrics.CatalogRefresh("no_credential")
		return nil
	}

	models, err := r.catalog.ListModels(ctx, credential)
	if err != nil {
		r.metrics.CatalogRefresh("error")
		r.log.WarnContext(ctx, "catalog_refresh_failed",
			slog.String("owner", fp),
			slog.String("error", err.Error()),
		)
		r.mu.Lock()
		var prev []Mapping
		if cur := r.catalogs[fp]; cur != nil {
			prev = cur.mappings
		}
		r.catalogs[fp] = &catalogEntry{mappings: prev, expires: time.Now().Add(failedRefreshBackoff)}
		r.mu.Unlock()
		return nil
	}

	mappings := make([]Mapping, 0, len(models))
	for _, m := range models {
		native := m.NativeName
		if native == "" {
			native = m.Name
		}
		mappings = append(mappings, Mapping{
			PublicName: Normalize(r.rules, native),
			BackendID:  m.ID,
			Name:       m.Name,
			NativeName: native,
			Fee:        m.Fee,
			Type:       m.Type,
			Tags:       m.Tags,
		})
	}

	r.mu.Lock()
	r.catalogs[fp] = &catalogEntry{mappings: mappings, expires: time.Now().Add(r.catalogTTL)}
	r.mu.Unlock()

	if data, err := json.Marshal(mappings); err == nil {
		if err := r.store.Set(ctx, catalogPrefix+fp, data, r.catalogTTL); err != nil {
			r.log.WarnContext(ctx, "catalog_persist_failed",
				slog.String("owner", fp),
				slog.String("error", err.Error()),
			)
		}
	}

	r.metrics.CatalogRefresh("ok")
	r.log.DebugContext(ctx, "catalog_refreshed",
		slog.String("owner", fp),
		slog.Int("models", len(mappings)),
	)
	return mappings
}

// loadDurable restores a catalog persisted by this or another process.
func (r *Router) loadDurable(ctx context.Context, fp string) *catalogEntry {
	data, ok := r.store.Get(ctx, catalogPrefix+fp)
	if !ok {
		return nil
	}
	var mappings []Mapping
	if err := json.Unmarshal(data, &mappings); err != nil || len(mappings) == 0 {
		return nil
	}
	entry := &catalogEntry{mappings: mappings, expires: time.Now().Add(r.catalogTTL)}

	r.mu.Lock()
	if cur := r.catalogs[fp]; cur != nil {
		entry = cur
	} else {
		r.catalogs[fp] = entry
	}
	r.mu.Unlock()
	return entry
}

// matchForward finds the first mapping whose public name, native name or
// backend id equals name, ignoring case on both sides.
func matchForward(mappings []Mapping, name string) string {
	if name == "" {
		return ""
	}
	for _, m := range mappings {
		if strings.EqualFold(m.PublicName, name) ||
			strings.EqualFold(m.BackendID, name) ||
			(m.NativeName != "" && strings.EqualFold(m.NativeName, name)) {
			return m.BackendID
		}
	}
	return ""
}

func matchReverse(mappings []Mapping, backendID string) string {
	if backendID == "" {
		return ""
	}
	for _, m := range mappings {
		if strings.EqualFold(m.BackendID, backendID) {
			return m.PublicName
		}
	}
	return ""
}

func resolveKey(fp, name string) string {
	return resolvePrefix + fp + ":" + strings.ToLower(name)
}
