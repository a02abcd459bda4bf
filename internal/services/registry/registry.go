// Package registry manages persisted processor configurations and the
// cached gateway instances built from them.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/clubhoops/payment-service/internal/domain"
	"github.com/clubhoops/payment-service/internal/domain/ports"
)

// GatewayFactory builds a processor gateway from a configuration
type GatewayFactory func(cfg *domain.ProcessorConfig) (ports.ProcessorGateway, error)

type cachedGateway struct {
	version string
	gateway ports.ProcessorGateway
}

// Registry is the configuration service. Gateways are cached per
// configuration revision; an update invalidates the cache entry on the
// next lookup because the revision key changes.
type Registry struct {
	db      ports.DBPort
	repo    ports.ConfigRepository
	factory GatewayFactory
	logger  *zap.Logger

	// fallback holds configurations synthesized from ambient environment
	// credentials, keyed by kind. Used only when an entry's configuration
	// was deleted and no same-kind active configuration exists.
	fallback map[domain.ProcessorKind]*domain.ProcessorConfig

	mu    sync.RWMutex
	cache map[string]cachedGateway // configuration id -> revision + gateway
}

// New creates the configuration registry
func New(db ports.DBPort, repo ports.ConfigRepository, factory GatewayFactory, fallback []*domain.ProcessorConfig, logger *zap.Logger) *Registry {
	fb := make(map[domain.ProcessorKind]*domain.ProcessorConfig, len(fallback))
	for _, cfg := range fallback {
		if cfg.ID == "" {
			cfg.ID = "ambient-" + string(cfg.Kind)
		}
		fb[cfg.Kind] = cfg
	}
	return &Registry{
		db:       db,
		repo:     repo,
		factory:  factory,
		logger:   logger,
		fallback: fb,
		cache:    make(map[string]cachedGateway),
	}
}

// Create validates and persists a new configuration. When it is marked
// default, every other default flag is cleared in the same transaction.
func (r *Registry) Create(ctx context.Context, cfg *domain.ProcessorConfig, actor string) (*domain.ProcessorConfig, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	cfg.ID = uuid.NewString()
	cfg.CreatedBy = actor
	cfg.LastModifiedBy = actor
	cfg.CreatedAt = now
	cfg.UpdatedAt = now

	err := r.db.WithTransaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if err := r.repo.Create(ctx, tx, cfg); err != nil {
			return err
		}
		if cfg.Default {
			return r.repo.ClearDefaultExcept(ctx, tx, cfg.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("processor configuration created",
		zap.String("configuration_id", cfg.ID),
		zap.String("kind", string(cfg.Kind)),
		zap.Bool("default", cfg.Default),
	)
	return cfg, nil
}

// Update validates and rewrites a configuration. Creation metadata is
// preserved; the revision timestamp moves so cached gateways rebuild.
func (r *Registry) Update(ctx context.Context, cfg *domain.ProcessorConfig, actor string) (*domain.ProcessorConfig, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	existing, err := r.repo.GetByID(ctx, nil, cfg.ID)
	if err != nil {
		return nil, err
	}
	cfg.CreatedBy = existing.CreatedBy
	cfg.CreatedAt = existing.CreatedAt
	cfg.LastModifiedBy = actor
	cfg.UpdatedAt = time.Now().UTC()

	err = r.db.WithTransaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if err := r.repo.Update(ctx, tx, cfg); err != nil {
			return err
		}
		if cfg.Default {
			return r.repo.ClearDefaultExcept(ctx, tx, cfg.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.evict(cfg.ID)
	r.logger.Info("processor configuration updated",
		zap.String("configuration_id", cfg.ID),
		zap.String("actor", actor),
	)
	return cfg, nil
}

// Delete removes a configuration. Deleting the last active configuration
// is refused so charging is never left without a processor.
func (r *Registry) Delete(ctx context.Context, id string) error {
	err := r.db.WithTransaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
		cfg, err := r.repo.GetByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if cfg.Active {
			active, err := r.repo.CountActive(ctx, tx)
			if err != nil {
				return err
			}
			if active <= 1 {
				return domain.ErrConfigurationError.
					WithDetail("reason", "cannot delete the last active configuration").
					WithDetail("configuration_id", id)
			}
		}
		return r.repo.Delete(ctx, tx, id)
	})
	if err != nil {
		return err
	}

	r.evict(id)
	r.logger.Info("processor configuration deleted", zap.String("configuration_id", id))
	return nil
}

// SetDefault promotes an active configuration to be the charging default
func (r *Registry) SetDefault(ctx context.Context, id, actor string) error {
	err := r.db.WithTransaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
		cfg, err := r.repo.GetByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if !cfg.Active {
			return domain.ErrConfigurationError.
				WithDetail("reason", "only an active configuration can be default").
				WithDetail("configuration_id", id)
		}
		cfg.Default = true
		cfg.LastModifiedBy = actor
		if err := r.repo.Update(ctx, tx, cfg); err != nil {
			return err
		}
		return r.repo.ClearDefaultExcept(ctx, tx, id)
	})
	if err != nil {
		return err
	}

	r.evict(id)
	return nil
}

// Get returns one configuration
func (r *Registry) Get(ctx context.Context, id string) (*domain.ProcessorConfig, error) {
	return r.repo.GetByID(ctx, nil, id)
}

// List returns all configurations
func (r *Registry) List(ctx context.Context) ([]*domain.ProcessorConfig, error) {
	return r.repo.List(ctx, nil)
}

// Frontend returns the non-sensitive projection of the charging default
// for the browser payment SDK.
func (r *Registry) Frontend(ctx context.Context) (*domain.FrontendView, error) {
	cfg, err := r.chargeConfig(ctx, "")
	if err != nil {
		return nil, err
	}
	view := cfg.Frontend()
	return &view, nil
}

// Test builds a gateway for the configuration and runs its health probe.
// The gateway is built fresh so stale cache entries cannot mask a broken
// credential.
func (r *Registry) Test(ctx context.Context, id string) (*ports.HealthResult, error) {
	cfg, err := r.repo.GetByID(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	gw, err := r.factory(cfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return gw.HealthCheck(ctx)
}

// ResolveCharge picks the configuration for a new charge and returns its
// gateway. Preference order: requested kind's active configuration, then
// the default, then the first active.
func (r *Registry) ResolveCharge(ctx context.Context, preferred domain.ProcessorKind) (*domain.ProcessorConfig, ports.ProcessorGateway, error) {
	cfg, err := r.chargeConfig(ctx, preferred)
	if err != nil {
		return nil, nil, err
	}
	gw, err := r.gateway(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, gw, nil
}

// GatewayForEntry resolves the gateway for an existing ledger entry.
// Refunds against a deleted configuration fall back to a same-kind active
// configuration, then to ambient credentials.
func (r *Registry) GatewayForEntry(ctx context.Context, entry *domain.LedgerEntry) (ports.ProcessorGateway, error) {
	if entry.ConfigurationID != "" {
		cfg, err := r.repo.GetByID(ctx, nil, entry.ConfigurationID)
		if err == nil {
			return r.gateway(cfg)
		}
		if !domain.IsDomainError(err, domain.ErrorCodeConfigurationError) {
			return nil, err
		}
		r.logger.Warn("entry configuration missing, falling back",
			zap.String("payment_id", entry.ID),
			zap.String("configuration_id", entry.ConfigurationID),
		)
	}

	active, err := r.repo.ListActive(ctx, nil)
	if err != nil {
		return nil, err
	}
	for _, cfg := range active {
		if cfg.Kind == entry.Processor {
			return r.gateway(cfg)
		}
	}

	if cfg, ok := r.fallback[entry.Processor]; ok {
		r.logger.Warn("using ambient credentials for processor",
			zap.String("kind", string(entry.Processor)),
			zap.String("payment_id", entry.ID),
		)
		return r.gateway(cfg)
	}

	return nil, domain.ErrConfigurationError.
		WithDetail("reason", "no usable configuration for processor").
		WithDetail("processor", string(entry.Processor))
}

func (r *Registry) chargeConfig(ctx context.Context, preferred domain.ProcessorKind) (*domain.ProcessorConfig, error) {
	active, err := r.repo.ListActive(ctx, nil)
	if err != nil {
		return nil, err
	}
	if len(active) == 0 {
		return nil, domain.ErrConfigurationError.WithDetail("reason", "no active configuration")
	}

	if preferred != "" {
		for _, cfg := range active {
			if cfg.Kind == preferred {
				return cfg, nil
			}
		}
		return nil, domain.ErrConfigurationError.
			WithDetail("reason", "no active configuration for requested processor").
			WithDetail("processor", string(preferred))
	}

	// ListActive orders default first
	return active[0], nil
}

// gateway returns the cached gateway for the configuration revision,
// building and caching it on miss.
func (r *Registry) gateway(cfg *domain.ProcessorConfig) (ports.ProcessorGateway, error) {
	version := cfg.Version()

	r.mu.RLock()
	cached, ok := r.cache[cfg.ID]
	r.mu.RUnlock()
	if ok && cached.version == version {
		return cached.gateway, nil
	}

	gw, err := r.factory(cfg)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[cfg.ID] = cachedGateway{version: version, gateway: gw}
	r.mu.Unlock()

	r.logger.Debug("gateway built",
		zap.String("configuration_id", cfg.ID),
		zap.String("revision", version),
	)
	return gw, nil
}

func (r *Registry) evict(id string) {
	r.mu.Lock()
	delete(r.cache, id)
	r.mu.Unlock()
}
