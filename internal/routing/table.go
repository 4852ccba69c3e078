// Package routing owns the model route table: the mutable mapping from
// logical model names to upstream providers and their credentials.
//
// Lookups happen on every request and must not block; mutations happen on
// admin configure/delete calls. sync.Map gives per-key atomic semantics
// with lock-free reads, which is exactly the contract.
package routing

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/nulpointcorp/inferxgate/internal/providers"
	"github.com/nulpointcorp/inferxgate/internal/store"
)

var (
	ErrUnknownProvider = errors.New("routing: unknown provider")
	ErrEmptySecret     = errors.New("routing: empty api key")
	ErrMissingResource = errors.New("routing: azure requires a resource name")
)

// Route maps a logical model to its upstream.
type Route struct {
	Provider      string // provider tag
	UpstreamModel string // model/deployment name sent upstream
	Credential    string // vendor secret; "resource:secret" for azure
}

// credentialStore is the slice of persistence the table uses. nil is
// allowed: the table then operates purely in memory.
type credentialStore interface {
	UpsertProviderKey(ctx context.Context, provider, credential string) error
	DeleteProviderKey(ctx context.Context, provider string) error
	ProviderKeys(ctx context.Context) ([]store.ProviderKey, error)
}

// Table is the concurrent route table.
type Table struct {
	routes sync.Map // model name → Route
	store  credentialStore
	log    *slog.Logger
}

// New builds an empty Table. st may be nil.
func New(st credentialStore, log *slog.Logger) *Table {
	if log == nil {
		log = slog.Default()
	}
	return &Table{store: st, log: log}
}

// Resolve returns the route for a logical model.
func (t *Table) Resolve(model string) (Route, bool) {
	v, ok := t.routes.Load(model)
	if !ok {
		return Route{}, false
	}
	return v.(Route), true
}

// ConfigureProvider installs one route per primary model of the provider,
// all sharing the credential, and persists the credential. Persistence
// failures are logged and ignored: the in-memory change already took
// effect. Returns the number of models configured.
func (t *Table) ConfigureProvider(ctx context.Context, tag, secret, azureResource string) (int, error) {
	if !providers.Known(tag) {
		return 0, ErrUnknownProvider
	}
	if secret == "" {
		return 0, ErrEmptySecret
	}
	credential := secret
	if tag == "azure" {
		if azureResource == "" {
			return 0, ErrMissingResource
		}
		credential = azureResource + ":" + secret
	}

	models := providers.PrimaryModels[tag]
	for _, m := range models {
		t.routes.Store(m, Route{Provider: tag, UpstreamModel: m, Credential: credential})
	}

	if t.store != nil {
		if err := t.store.UpsertProviderKey(ctx, tag, credential); err != nil {
			t.log.Warn("provider_key_persist_failed",
				slog.String("provider", tag),
				slog.String("error", err.Error()))
		}
	}
	return len(models), nil
}

// DeleteProvider removes every route belonging to the provider and the
// persisted credential. Returns the number of routes removed.
func (t *Table) DeleteProvider(ctx context.Context, tag string) (int, error) {
	if !providers.Known(tag) {
		return 0, ErrUnknownProvider
	}

	removed := 0
	t.routes.Range(func(k, v any) bool {
		if v.(Route).Provider == tag {
			t.routes.Delete(k)
			removed++
		}
		return true
	})

	if t.store != nil {
		if err := t.store.DeleteProviderKey(ctx, tag); err != nil {
			t.log.Warn("provider_key_delete_failed",
				slog.String("provider", tag),
				slog.String("error", err.Error()))
		}
	}
	return removed, nil
}

// LoadStartup seeds the table from environment credentials, then overlays
// persisted credentials on top — a stored credential wins over the env one
// for the same provider. envCredentials maps provider tag to credential
// (already in combined form for azure).
func (t *Table) LoadStartup(ctx context.Context, envCredentials map[string]string) {
	for tag, cred := range envCredentials {
		if cred == "" || !providers.Known(tag) {
			continue
		}
		for _, m := range providers.PrimaryModels[tag] {
			t.routes.Store(m, Route{Provider: tag, UpstreamModel: m, Credential: cred})
		}
		t.log.Info("provider_configured_from_env", slog.String("provider", tag))
	}

	if t.store == nil {
		return
	}
	keys, err := t.store.ProviderKeys(ctx)
	if err != nil {
		t.log.Warn("provider_keys_load_failed", slog.String("error", err.Error()))
		return
	}
	for _, k := range keys {
		if !providers.Known(k.Provider) || k.Credential == "" {
			continue
		}
		for _, m := range providers.PrimaryModels[k.Provider] {
			t.routes.Store(m, Route{Provider: k.Provider, UpstreamModel: m, Credential: k.Credential})
		}
		t.log.Info("provider_configured_from_store", slog.String("provider", k.Provider))
	}
}

// Models returns the configured logical model names, sorted.
func (t *Table) Models() []string {
	var models []string
	t.routes.Range(func(k, _ any) bool {
		models = append(models, k.(string))
		return true
	})
	sort.Strings(models)
	return models
}

// Providers returns the set of provider tags that currently have at least
// one route, with their model counts.
func (t *Table) Providers() map[string]int {
	counts := make(map[string]int)
	t.routes.Range(func(_, v any) bool {
		counts[v.(Route).Provider]++
		return true
	})
	return counts
}
