package registry_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/clubhoops/payment-service/internal/domain"
	"github.com/clubhoops/payment-service/internal/domain/ports"
	"github.com/clubhoops/payment-service/internal/services/registry"
)

type MockDBPort struct {
	mock.Mock
}

func (m *MockDBPort) GetDB() *pgxpool.Pool {
	return nil
}

func (m *MockDBPort) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	return fn(ctx, nil)
}

type MockConfigRepository struct {
	mock.Mock
}

func (m *MockConfigRepository) Create(ctx context.Context, tx ports.DBTX, cfg *domain.ProcessorConfig) error {
	args := m.Called(ctx, tx, cfg)
	return args.Error(0)
}

func (m *MockConfigRepository) Update(ctx context.Context, tx ports.DBTX, cfg *domain.ProcessorConfig) error {
	args := m.Called(ctx, tx, cfg)
	return args.Error(0)
}

func (m *MockConfigRepository) Delete(ctx context.Context, tx ports.DBTX, id string) error {
	args := m.Called(ctx, tx, id)
	return args.Error(0)
}

func (m *MockConfigRepository) GetByID(ctx context.Context, db ports.DBTX, id string) (*domain.ProcessorConfig, error) {
	args := m.Called(ctx, db, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.ProcessorConfig), args.Error(1)
}

func (m *MockConfigRepository) List(ctx context.Context, db ports.DBTX) ([]*domain.ProcessorConfig, error) {
	args := m.Called(ctx, db)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.ProcessorConfig), args.Error(1)
}

func (m *MockConfigRepository) ListActive(ctx context.Context, db ports.DBTX) ([]*domain.ProcessorConfig, error) {
	args := m.Called(ctx, db)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.ProcessorConfig), args.Error(1)
}

func (m *MockConfigRepository) CountActive(ctx context.Context, db ports.DBTX) (int64, error) {
	args := m.Called(ctx, db)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockConfigRepository) ClearDefaultExcept(ctx context.Context, tx ports.DBTX, id string) error {
	args := m.Called(ctx, tx, id)
	return args.Error(0)
}

// stubGateway satisfies ProcessorGateway for cache assertions; none of its
// processor calls are exercised here.
type stubGateway struct {
	kind domain.ProcessorKind
	cfg  *domain.ProcessorConfig
}

func (g *stubGateway) Kind() domain.ProcessorKind { return g.kind }

func (g *stubGateway) Charge(context.Context, *ports.ChargeRequest) (*ports.ChargeResult, error) {
	return nil, nil
}

func (g *stubGateway) Refund(context.Context, string, int64, string, string) (*ports.RefundResult, error) {
	return nil, nil
}

func (g *stubGateway) FetchPayment(context.Context, string) (*ports.PaymentView, error) {
	return nil, nil
}

func (g *stubGateway) ListRefunds(context.Context, ports.RefundFilter) ([]ports.RefundView, error) {
	return nil, nil
}

func (g *stubGateway) HealthCheck(context.Context) (*ports.HealthResult, error) {
	return &ports.HealthResult{OK: true}, nil
}

type fixture struct {
	db      *MockDBPort
	repo    *MockConfigRepository
	reg     *registry.Registry
	builds  int
	lastCfg *domain.ProcessorConfig
}

func newFixture(t *testing.T, fallback ...*domain.ProcessorConfig) *fixture {
	t.Helper()
	f := &fixture{
		db:   new(MockDBPort),
		repo: new(MockConfigRepository),
	}
	factory := func(cfg *domain.ProcessorConfig) (ports.ProcessorGateway, error) {
		f.builds++
		f.lastCfg = cfg
		return &stubGateway{kind: cfg.Kind, cfg: cfg}, nil
	}
	f.reg = registry.New(f.db, f.repo, factory, fallback, zap.NewNop())
	return f
}

func squareConfig(id string, isDefault bool) *domain.ProcessorConfig {
	return &domain.ProcessorConfig{
		ID:          id,
		Kind:        domain.ProcessorSquare,
		Active:      true,
		Default:     isDefault,
		Environment: domain.EnvironmentSandbox,
		Currency:    "USD",
		Credentials: domain.ProcessorCredentials{
			AccessToken: "sq-token",
			LocationID:  "loc-1",
		},
		UpdatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func stripeConfig(id string) *domain.ProcessorConfig {
	return &domain.ProcessorConfig{
		ID:          id,
		Kind:        domain.ProcessorStripe,
		Active:      true,
		Environment: domain.EnvironmentSandbox,
		Currency:    "USD",
		Credentials: domain.ProcessorCredentials{AccessToken: "sk_test"},
		UpdatedAt:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestCreateDefaultClearsOthers(t *testing.T) {
	f := newFixture(t)
	cfg := squareConfig("", true)

	f.repo.On("Create", mock.Anything, mock.Anything, cfg).Return(nil)
	f.repo.On("ClearDefaultExcept", mock.Anything, mock.Anything, mock.AnythingOfType("string")).Return(nil)

	created, err := f.reg.Create(context.Background(), cfg, "admin-1")
	require.NoError(t, err)

	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "admin-1", created.CreatedBy)
	assert.Equal(t, "admin-1", created.LastModifiedBy)
	f.repo.AssertExpectations(t)
}

func TestCreateNonDefaultSkipsClear(t *testing.T) {
	f := newFixture(t)
	cfg := squareConfig("", false)

	f.repo.On("Create", mock.Anything, mock.Anything, cfg).Return(nil)

	_, err := f.reg.Create(context.Background(), cfg, "admin-1")
	require.NoError(t, err)
	f.repo.AssertNotCalled(t, "ClearDefaultExcept", mock.Anything, mock.Anything, mock.Anything)
}

func TestCreateRejectsInvalidConfig(t *testing.T) {
	f := newFixture(t)
	cfg := squareConfig("", false)
	cfg.Credentials.LocationID = ""

	_, err := f.reg.Create(context.Background(), cfg, "admin-1")
	require.Error(t, err)
	assert.Equal(t, domain.ErrorCodeConfigurationError, domain.GetErrorCode(err))
	f.repo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything, mock.Anything)
}

func TestUpdatePreservesCreationMetadata(t *testing.T) {
	f := newFixture(t)
	createdAt := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	existing := squareConfig("cfg-1", false)
	existing.CreatedBy = "admin-0"
	existing.CreatedAt = createdAt

	updated := squareConfig("cfg-1", false)
	updated.TaxRate = 7.5

	f.repo.On("GetByID", mock.Anything, mock.Anything, "cfg-1").Return(existing, nil)
	f.repo.On("Update", mock.Anything, mock.Anything, updated).Return(nil)

	out, err := f.reg.Update(context.Background(), updated, "admin-2")
	require.NoError(t, err)

	assert.Equal(t, "admin-0", out.CreatedBy)
	assert.Equal(t, createdAt, out.CreatedAt)
	assert.Equal(t, "admin-2", out.LastModifiedBy)
	assert.True(t, out.UpdatedAt.After(createdAt))
}

func TestDeleteLastActiveRefused(t *testing.T) {
	f := newFixture(t)
	cfg := squareConfig("cfg-1", true)

	f.repo.On("GetByID", mock.Anything, mock.Anything, "cfg-1").Return(cfg, nil)
	f.repo.On("CountActive", mock.Anything, mock.Anything).Return(int64(1), nil)

	err := f.reg.Delete(context.Background(), "cfg-1")
	require.Error(t, err)
	assert.Equal(t, domain.ErrorCodeConfigurationError, domain.GetErrorCode(err))
	f.repo.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything, mock.Anything)
}

func TestDeleteWithRemainingActive(t *testing.T) {
	f := newFixture(t)
	cfg := squareConfig("cfg-1", false)

	f.repo.On("GetByID", mock.Anything, mock.Anything, "cfg-1").Return(cfg, nil)
	f.repo.On("CountActive", mock.Anything, mock.Anything).Return(int64(2), nil)
	f.repo.On("Delete", mock.Anything, mock.Anything, "cfg-1").Return(nil)

	require.NoError(t, f.reg.Delete(context.Background(), "cfg-1"))
	f.repo.AssertExpectations(t)
}

func TestDeleteInactiveSkipsCount(t *testing.T) {
	f := newFixture(t)
	cfg := squareConfig("cfg-1", false)
	cfg.Active = false

	f.repo.On("GetByID", mock.Anything, mock.Anything, "cfg-1").Return(cfg, nil)
	f.repo.On("Delete", mock.Anything, mock.Anything, "cfg-1").Return(nil)

	require.NoError(t, f.reg.Delete(context.Background(), "cfg-1"))
	f.repo.AssertNotCalled(t, "CountActive", mock.Anything, mock.Anything)
}

func TestSetDefaultRequiresActive(t *testing.T) {
	f := newFixture(t)
	cfg := squareConfig("cfg-1", false)
	cfg.Active = false

	f.repo.On("GetByID", mock.Anything, mock.Anything, "cfg-1").Return(cfg, nil)

	err := f.reg.SetDefault(context.Background(), "cfg-1", "admin-1")
	require.Error(t, err)
	assert.Equal(t, domain.ErrorCodeConfigurationError, domain.GetErrorCode(err))
	f.repo.AssertNotCalled(t, "Update", mock.Anything, mock.Anything, mock.Anything)
}

func TestResolveChargeUsesDefaultFirst(t *testing.T) {
	f := newFixture(t)
	def := squareConfig("cfg-sq", true)
	other := stripeConfig("cfg-stripe")

	// ListActive orders default first
	f.repo.On("ListActive", mock.Anything, mock.Anything).
		Return([]*domain.ProcessorConfig{def, other}, nil)

	cfg, gw, err := f.reg.ResolveCharge(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "cfg-sq", cfg.ID)
	assert.Equal(t, domain.ProcessorSquare, gw.Kind())
}

func TestResolveChargePreferredKind(t *testing.T) {
	f := newFixture(t)
	def := squareConfig("cfg-sq", true)
	other := stripeConfig("cfg-stripe")

	f.repo.On("ListActive", mock.Anything, mock.Anything).
		Return([]*domain.ProcessorConfig{def, other}, nil)

	cfg, gw, err := f.reg.ResolveCharge(context.Background(), domain.ProcessorStripe)
	require.NoError(t, err)
	assert.Equal(t, "cfg-stripe", cfg.ID)
	assert.Equal(t, domain.ProcessorStripe, gw.Kind())
}

func TestResolveChargeUnknownPreferred(t *testing.T) {
	f := newFixture(t)
	f.repo.On("ListActive", mock.Anything, mock.Anything).
		Return([]*domain.ProcessorConfig{squareConfig("cfg-sq", true)}, nil)

	_, _, err := f.reg.ResolveCharge(context.Background(), domain.ProcessorPayPal)
	require.Error(t, err)
	assert.Equal(t, domain.ErrorCodeConfigurationError, domain.GetErrorCode(err))
}

func TestResolveChargeNoActive(t *testing.T) {
	f := newFixture(t)
	f.repo.On("ListActive", mock.Anything, mock.Anything).
		Return([]*domain.ProcessorConfig{}, nil)

	_, _, err := f.reg.ResolveCharge(context.Background(), "")
	require.Error(t, err)
	assert.Equal(t, domain.ErrorCodeConfigurationError, domain.GetErrorCode(err))
}

func TestGatewayCachePerRevision(t *testing.T) {
	f := newFixture(t)
	cfg := squareConfig("cfg-sq", true)
	f.repo.On("ListActive", mock.Anything, mock.Anything).
		Return([]*domain.ProcessorConfig{cfg}, nil)

	_, gw1, err := f.reg.ResolveCharge(context.Background(), "")
	require.NoError(t, err)
	_, gw2, err := f.reg.ResolveCharge(context.Background(), "")
	require.NoError(t, err)

	assert.Same(t, gw1, gw2)
	assert.Equal(t, 1, f.builds)

	// A new revision invalidates the cached gateway
	cfg.UpdatedAt = cfg.UpdatedAt.Add(time.Minute)
	_, gw3, err := f.reg.ResolveCharge(context.Background(), "")
	require.NoError(t, err)
	assert.NotSame(t, gw1, gw3)
	assert.Equal(t, 2, f.builds)
}

func TestGatewayForEntryUsesOriginalConfig(t *testing.T) {
	f := newFixture(t)
	cfg := squareConfig("cfg-sq", true)
	entry := &domain.LedgerEntry{
		ID:              "pay-1",
		Processor:       domain.ProcessorSquare,
		ConfigurationID: "cfg-sq",
	}

	f.repo.On("GetByID", mock.Anything, mock.Anything, "cfg-sq").Return(cfg, nil)

	gw, err := f.reg.GatewayForEntry(context.Background(), entry)
	require.NoError(t, err)
	assert.Equal(t, domain.ProcessorSquare, gw.Kind())
	f.repo.AssertNotCalled(t, "ListActive", mock.Anything, mock.Anything)
}

func TestGatewayForEntryFallsBackToSameKind(t *testing.T) {
	f := newFixture(t)
	entry := &domain.LedgerEntry{
		ID:              "pay-1",
		Processor:       domain.ProcessorSquare,
		ConfigurationID: "cfg-deleted",
	}

	f.repo.On("GetByID", mock.Anything, mock.Anything, "cfg-deleted").
		Return(nil, domain.ErrConfigurationError.WithDetail("reason", "configuration not found"))
	f.repo.On("ListActive", mock.Anything, mock.Anything).
		Return([]*domain.ProcessorConfig{stripeConfig("cfg-stripe"), squareConfig("cfg-sq2", false)}, nil)

	gw, err := f.reg.GatewayForEntry(context.Background(), entry)
	require.NoError(t, err)
	assert.Equal(t, domain.ProcessorSquare, gw.Kind())
	assert.Equal(t, "cfg-sq2", f.lastCfg.ID)
}

func TestGatewayForEntryAmbientFallback(t *testing.T) {
	ambient := &domain.ProcessorConfig{
		Kind:        domain.ProcessorSquare,
		Active:      true,
		Environment: domain.EnvironmentProduction,
		Currency:    "USD",
		Credentials: domain.ProcessorCredentials{AccessToken: "env-token", LocationID: "env-loc"},
	}
	f := newFixture(t, ambient)
	entry := &domain.LedgerEntry{
		ID:              "pay-1",
		Processor:       domain.ProcessorSquare,
		ConfigurationID: "cfg-deleted",
	}

	f.repo.On("GetByID", mock.Anything, mock.Anything, "cfg-deleted").
		Return(nil, domain.ErrConfigurationError.WithDetail("reason", "configuration not found"))
	f.repo.On("ListActive", mock.Anything, mock.Anything).
		Return([]*domain.ProcessorConfig{stripeConfig("cfg-stripe")}, nil)

	gw, err := f.reg.GatewayForEntry(context.Background(), entry)
	require.NoError(t, err)
	assert.Equal(t, domain.ProcessorSquare, gw.Kind())
	assert.Equal(t, "ambient-square", f.lastCfg.ID)
}

func TestGatewayForEntryNoUsableConfiguration(t *testing.T) {
	f := newFixture(t)
	entry := &domain.LedgerEntry{
		ID:              "pay-1",
		Processor:       domain.ProcessorPayPal,
		ConfigurationID: "cfg-deleted",
	}

	f.repo.On("GetByID", mock.Anything, mock.Anything, "cfg-deleted").
		Return(nil, domain.ErrConfigurationError.WithDetail("reason", "configuration not found"))
	f.repo.On("ListActive", mock.Anything, mock.Anything).
		Return([]*domain.ProcessorConfig{squareConfig("cfg-sq", true)}, nil)

	_, err := f.reg.GatewayForEntry(context.Background(), entry)
	require.Error(t, err)
	assert.Equal(t, domain.ErrorCodeConfigurationError, domain.GetErrorCode(err))
}

func TestFrontendProjectsDefault(t *testing.T) {
	f := newFixture(t)
	cfg := squareConfig("cfg-sq", true)
	cfg.Credentials.ApplicationID = "sq-app"
	f.repo.On("ListActive", mock.Anything, mock.Anything).
		Return([]*domain.ProcessorConfig{cfg}, nil)

	view, err := f.reg.Frontend(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.ProcessorSquare, view.Kind)
	assert.Equal(t, "sq-app", view.ApplicationID)
	assert.Equal(t, "loc-1", view.LocationID)
}

func TestTestBuildsFreshGateway(t *testing.T) {
	f := newFixture(t)
	cfg := squareConfig("cfg-sq", true)
	f.repo.On("GetByID", mock.Anything, mock.Anything, "cfg-sq").Return(cfg, nil)

	res, err := f.reg.Test(context.Background(), "cfg-sq")
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, 1, f.builds)

	// Every probe rebuilds; the cache is not consulted
	_, err = f.reg.Test(context.Background(), "cfg-sq")
	require.NoError(t, err)
	assert.Equal(t, 2, f.builds)
}
