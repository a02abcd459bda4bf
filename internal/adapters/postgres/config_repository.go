package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/clubhoops/payment-service/internal/domain"
	"github.com/clubhoops/payment-service/internal/domain/ports"
)

const configColumns = `id, kind, active, is_default, environment, currency, tax_rate,
	credentials, created_by, last_modified_by, created_at, updated_at`

// ConfigRepository implements ports.ConfigRepository over the
// processor_configurations table. Credentials are stored as JSONB.
type ConfigRepository struct {
	db ports.DBTX
}

// NewConfigRepository creates a new configuration repository
func NewConfigRepository(db ports.DBPort) *ConfigRepository {
	return &ConfigRepository{db: db.GetDB()}
}

func (r *ConfigRepository) q(tx ports.DBTX) ports.DBTX {
	if tx != nil {
		return tx
	}
	return r.db
}

// Create inserts a configuration record
func (r *ConfigRepository) Create(ctx context.Context, tx ports.DBTX, cfg *domain.ProcessorConfig) error {
	creds, err := json.Marshal(cfg.Credentials)
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	_, err = r.q(tx).Exec(ctx, `
		INSERT INTO processor_configurations (
			id, kind, active, is_default, environment, currency, tax_rate,
			credentials, created_by, last_modified_by, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		cfg.ID, string(cfg.Kind), cfg.Active, cfg.Default, string(cfg.Environment),
		cfg.Currency, cfg.TaxRate, creds, nullText(cfg.CreatedBy),
		nullText(cfg.LastModifiedBy), cfg.CreatedAt, cfg.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert configuration: %w", err)
	}
	return nil
}

// Update rewrites a configuration record
func (r *ConfigRepository) Update(ctx context.Context, tx ports.DBTX, cfg *domain.ProcessorConfig) error {
	creds, err := json.Marshal(cfg.Credentials)
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	tag, err := r.q(tx).Exec(ctx, `
		UPDATE processor_configurations
		SET kind = $2, active = $3, is_default = $4, environment = $5, currency = $6,
		    tax_rate = $7, credentials = $8, last_modified_by = $9, updated_at = NOW()
		WHERE id = $1`,
		cfg.ID, string(cfg.Kind), cfg.Active, cfg.Default, string(cfg.Environment),
		cfg.Currency, cfg.TaxRate, creds, nullText(cfg.LastModifiedBy),
	)
	if err != nil {
		return fmt.Errorf("update configuration: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConfigurationError.WithDetail("reason", "configuration not found").
			WithDetail("configuration_id", cfg.ID)
	}
	return nil
}

// Delete removes a configuration record
func (r *ConfigRepository) Delete(ctx context.Context, tx ports.DBTX, id string) error {
	tag, err := r.q(tx).Exec(ctx,
		`DELETE FROM processor_configurations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete configuration: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConfigurationError.WithDetail("reason", "configuration not found").
			WithDetail("configuration_id", id)
	}
	return nil
}

// GetByID retrieves a configuration by id
func (r *ConfigRepository) GetByID(ctx context.Context, db ports.DBTX, id string) (*domain.ProcessorConfig, error) {
	row := r.q(db).QueryRow(ctx,
		`SELECT `+configColumns+` FROM processor_configurations WHERE id = $1`, id)
	return r.scan(row)
}

// List returns all configuration records
func (r *ConfigRepository) List(ctx context.Context, db ports.DBTX) ([]*domain.ProcessorConfig, error) {
	rows, err := r.q(db).Query(ctx,
		`SELECT `+configColumns+` FROM processor_configurations ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list configurations: %w", err)
	}
	defer rows.Close()
	return r.scanAll(rows)
}

// ListActive returns active configuration records, default first
func (r *ConfigRepository) ListActive(ctx context.Context, db ports.DBTX) ([]*domain.ProcessorConfig, error) {
	rows, err := r.q(db).Query(ctx,
		`SELECT `+configColumns+` FROM processor_configurations
		 WHERE active ORDER BY is_default DESC, created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list active configurations: %w", err)
	}
	defer rows.Close()
	return r.scanAll(rows)
}

// CountActive counts active configuration records
func (r *ConfigRepository) CountActive(ctx context.Context, db ports.DBTX) (int64, error) {
	var count int64
	err := r.q(db).QueryRow(ctx,
		`SELECT COUNT(*) FROM processor_configurations WHERE active`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count active configurations: %w", err)
	}
	return count, nil
}

// ClearDefaultExcept unsets the default flag everywhere but the given id
func (r *ConfigRepository) ClearDefaultExcept(ctx context.Context, tx ports.DBTX, id string) error {
	_, err := r.q(tx).Exec(ctx,
		`UPDATE processor_configurations SET is_default = FALSE, updated_at = NOW()
		 WHERE is_default AND id != $1`, id)
	if err != nil {
		return fmt.Errorf("clear default flags: %w", err)
	}
	return nil
}

func (r *ConfigRepository) scan(row rowScanner) (*domain.ProcessorConfig, error) {
	var (
		cfg                       domain.ProcessorConfig
		kind, environment         string
		createdBy, lastModifiedBy pgtype.Text
		creds                     []byte
	)

	err := row.Scan(
		&cfg.ID, &kind, &cfg.Active, &cfg.Default, &environment, &cfg.Currency,
		&cfg.TaxRate, &creds, &createdBy, &lastModifiedBy, &cfg.CreatedAt, &cfg.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrConfigurationError.WithDetail("reason", "configuration not found")
		}
		return nil, fmt.Errorf("scan configuration: %w", err)
	}

	cfg.Kind = domain.ProcessorKind(kind)
	cfg.Environment = domain.Environment(environment)
	cfg.CreatedBy = createdBy.String
	cfg.LastModifiedBy = lastModifiedBy.String
	if err := json.Unmarshal(creds, &cfg.Credentials); err != nil {
		return nil, fmt.Errorf("unmarshal credentials: %w", err)
	}
	return &cfg, nil
}

func (r *ConfigRepository) scanAll(rows pgx.Rows) ([]*domain.ProcessorConfig, error) {
	var configs []*domain.ProcessorConfig
	for rows.Next() {
		cfg, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate configurations: %w", err)
	}
	return configs, nil
}
