// Package tenant seeds tenant records from configuration and keeps them in
// sync while the process runs. The store is authoritative; the registry only
// writes, it never caches reads.
package tenant

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/JET1478/Claude-B2B-Implementation/internal/config"
	"github.com/JET1478/Claude-B2B-Implementation/internal/domain"
	"github.com/JET1478/Claude-B2B-Implementation/internal/storage"
)

// Registry applies tenant configuration to the store.
type Registry struct {
	store  storage.TenantStore
	logger *slog.Logger
	clock  func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(r *Registry) { r.clock = clock }
}

// NewRegistry builds a registry over the tenant store.
func NewRegistry(store storage.TenantStore, opts ...Option) *Registry {
	r := &Registry{
		store:  store,
		logger: slog.Default(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Seed upserts every configured tenant. New slugs get fresh ids; existing
// tenants keep their id, creation time, and active flag while the remaining
// fields follow the config. Seeding the same config twice is a no-op: the
// rules version is content-derived, so unchanged rules keep their version
// and downstream rule caches stay warm.
func (r *Registry) Seed(ctx context.Context, configs []config.TenantConfig) error {
	for _, cfg := range configs {
		if cfg.Slug == "" {
			return fmt.Errorf("tenant config missing slug")
		}

		now := r.clock().UTC()
		t := &domain.Tenant{
			Slug:      cfg.Slug,
			Active:    true,
			CreatedAt: now,
		}

		existing, err := r.store.GetTenantBySlug(ctx, cfg.Slug)
		switch {
		case err == nil:
			t.ID = existing.ID
			t.Active = existing.Active
			t.CreatedAt = existing.CreatedAt
		case domain.IsType(err, domain.ErrorTypeNotFound):
			t.ID = "tnt_" + uuid.NewString()
		default:
			return err
		}

		apply(t, cfg)
		t.RulesVersion = rulesVersion(cfg.SupportRules, cfg.SalesRules)
		t.UpdatedAt = now

		if err := r.store.UpsertTenant(ctx, t); err != nil {
			return fmt.Errorf("seed tenant %s: %w", cfg.Slug, err)
		}

		r.logger.InfoContext(ctx, "tenant seeded",
			slog.String("slug", t.Slug),
			slog.String("id", t.ID),
			slog.String("rules_version", t.RulesVersion))
	}
	return nil
}

// Watch re-seeds tenants whenever the config file is rewritten. Reload
// failures are logged and skipped; the last good seed stays in effect.
func (r *Registry) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", path, err)
	}

	r.logger.Info("watching tenant config for changes", slog.String("path", path))

	go func() {
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Write != fsnotify.Write {
					continue
				}

				cfg, err := config.Load(path)
				if err != nil {
					r.logger.Error("tenant config reload failed",
						slog.String("path", path), slog.String("error", err.Error()))
					continue
				}
				if err := r.Seed(ctx, cfg.Tenants); err != nil {
					r.logger.Error("tenant re-seed failed",
						slog.String("error", err.Error()))
					continue
				}
				r.logger.Info("tenant config reloaded", slog.Int("tenants", len(cfg.Tenants)))

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Error("tenant config watch error", slog.String("error", err.Error()))
			}
		}
	}()

	return nil
}

func apply(t *domain.Tenant, cfg config.TenantConfig) {
	t.Name = cfg.Name
	if t.Name == "" {
		t.Name = cfg.Slug
	}
	t.SupportEnabled = cfg.SupportEnabled
	t.SalesEnabled = cfg.SalesEnabled
	t.AutosendEnabled = cfg.AutosendEnabled
	t.ConfidenceThreshold = cfg.ConfidenceThreshold
	t.MaxRunsPerDay = cfg.MaxRunsPerDay
	t.MaxTokensPerDay = cfg.MaxTokensPerDay
	t.MaxItemsPerMinute = cfg.MaxItemsPerMinute
	t.LocalModelEnabled = cfg.LocalModelEnabled
	t.APIKeyEncrypted = cfg.APIKeyEncrypted
	t.SlackWebhookURL = cfg.SlackWebhookURL
	t.CRMBaseURL = cfg.CRMBaseURL
	t.CRMAPIKey = cfg.CRMAPIKey
	t.SMTPHost = cfg.SMTPHost
	t.SMTPFrom = cfg.SMTPFrom
	t.SupportRules = cfg.SupportRules
	t.SalesRules = cfg.SalesRules
}

// rulesVersion derives a stable version tag from the rule content so that
// edits invalidate parsed-rule caches and untouched rules do not.
func rulesVersion(supportRules, salesRules string) string {
	h := fnv.New64a()
	h.Write([]byte(supportRules))
	h.Write([]byte{0})
	h.Write([]byte(salesRules))
	return fmt.Sprintf("v%016x", h.Sum64())
}
