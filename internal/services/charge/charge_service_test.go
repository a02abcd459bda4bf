package charge_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/clubhoops/payment-service/internal/domain"
	"github.com/clubhoops/payment-service/internal/domain/ports"
	"github.com/clubhoops/payment-service/internal/services/charge"
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

type MockPaymentRepository struct {
	mock.Mock
}

func (m *MockPaymentRepository) Create(ctx context.Context, tx ports.DBTX, entry *domain.LedgerEntry) error {
	args := m.Called(ctx, tx, entry)
	return args.Error(0)
}

func (m *MockPaymentRepository) GetByID(ctx context.Context, db ports.DBTX, id string) (*domain.LedgerEntry, error) {
	args := m.Called(ctx, db, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.LedgerEntry), args.Error(1)
}

func (m *MockPaymentRepository) GetByExternalID(ctx context.Context, db ports.DBTX, externalPaymentID string) (*domain.LedgerEntry, error) {
	args := m.Called(ctx, db, externalPaymentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.LedgerEntry), args.Error(1)
}

func (m *MockPaymentRepository) GetForUpdate(ctx context.Context, tx ports.DBTX, id string) (*domain.LedgerEntry, error) {
	args := m.Called(ctx, tx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.LedgerEntry), args.Error(1)
}

func (m *MockPaymentRepository) UpdateRefundState(ctx context.Context, tx ports.DBTX, entry *domain.LedgerEntry) error {
	args := m.Called(ctx, tx, entry)
	return args.Error(0)
}

func (m *MockPaymentRepository) ListByParent(ctx context.Context, db ports.DBTX, parentID string, limit, offset int32) ([]*domain.LedgerEntry, error) {
	args := m.Called(ctx, db, parentID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.LedgerEntry), args.Error(1)
}

func (m *MockPaymentRepository) List(ctx context.Context, db ports.DBTX, filter ports.PaymentListFilter) ([]*domain.LedgerEntry, error) {
	args := m.Called(ctx, db, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.LedgerEntry), args.Error(1)
}

func (m *MockPaymentRepository) ListReconcilable(ctx context.Context, db ports.DBTX, from, to *time.Time) ([]*domain.LedgerEntry, error) {
	args := m.Called(ctx, db, from, to)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.LedgerEntry), args.Error(1)
}

func (m *MockPaymentRepository) ListRefundRecords(ctx context.Context, db ports.DBTX, status domain.RefundRecordStatus, limit int32) ([]ports.RefundListItem, error) {
	args := m.Called(ctx, db, status, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]ports.RefundListItem), args.Error(1)
}

type MockRosterRepository struct {
	mock.Mock
}

func (m *MockRosterRepository) GetPlayers(ctx context.Context, db ports.DBTX, ids []string) ([]*domain.Player, error) {
	args := m.Called(ctx, db, ids)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Player), args.Error(1)
}

func (m *MockRosterRepository) GetParent(ctx context.Context, db ports.DBTX, id string) (*domain.Parent, error) {
	args := m.Called(ctx, db, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Parent), args.Error(1)
}

func (m *MockRosterRepository) MarkParentPaid(ctx context.Context, tx ports.DBTX, parentID, paymentID string, at time.Time) error {
	args := m.Called(ctx, tx, parentID, paymentID, at)
	return args.Error(0)
}

func (m *MockRosterRepository) MarkPlayersPaid(ctx context.Context, tx ports.DBTX, playerIDs []string, season domain.SeasonEntry) error {
	args := m.Called(ctx, tx, playerIDs, season)
	return args.Error(0)
}

func (m *MockRosterRepository) MarkRegistrationsPaid(ctx context.Context, tx ports.DBTX, parentID, tryoutID, paymentID string, at time.Time) error {
	args := m.Called(ctx, tx, parentID, tryoutID, paymentID, at)
	return args.Error(0)
}

func (m *MockRosterRepository) ReverseParentPayment(ctx context.Context, tx ports.DBTX, parentID, paymentID string) error {
	args := m.Called(ctx, tx, parentID, paymentID)
	return args.Error(0)
}

func (m *MockRosterRepository) MarkPlayersRefunded(ctx context.Context, tx ports.DBTX, playerIDs []string, paymentID string, at time.Time) error {
	args := m.Called(ctx, tx, playerIDs, paymentID, at)
	return args.Error(0)
}

func (m *MockRosterRepository) ClearRegistrationPayment(ctx context.Context, tx ports.DBTX, paymentID string) error {
	args := m.Called(ctx, tx, paymentID)
	return args.Error(0)
}

type MockResolver struct {
	mock.Mock
}

func (m *MockResolver) ResolveCharge(ctx context.Context, preferred domain.ProcessorKind) (*domain.ProcessorConfig, ports.ProcessorGateway, error) {
	args := m.Called(ctx, preferred)
	var cfg *domain.ProcessorConfig
	if args.Get(0) != nil {
		cfg = args.Get(0).(*domain.ProcessorConfig)
	}
	var gw ports.ProcessorGateway
	if args.Get(1) != nil {
		gw = args.Get(1).(ports.ProcessorGateway)
	}
	return cfg, gw, args.Error(2)
}

func (m *MockResolver) GatewayForEntry(ctx context.Context, entry *domain.LedgerEntry) (ports.ProcessorGateway, error) {
	args := m.Called(ctx, entry)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(ports.ProcessorGateway), args.Error(1)
}

type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) Kind() domain.ProcessorKind {
	args := m.Called()
	return args.Get(0).(domain.ProcessorKind)
}

func (m *MockGateway) Charge(ctx context.Context, req *ports.ChargeRequest) (*ports.ChargeResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ports.ChargeResult), args.Error(1)
}

func (m *MockGateway) Refund(ctx context.Context, externalPaymentID string, amountMinor int64, reason, idempotencyKey string) (*ports.RefundResult, error) {
	args := m.Called(ctx, externalPaymentID, amountMinor, reason, idempotencyKey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ports.RefundResult), args.Error(1)
}

func (m *MockGateway) FetchPayment(ctx context.Context, externalPaymentID string) (*ports.PaymentView, error) {
	args := m.Called(ctx, externalPaymentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ports.PaymentView), args.Error(1)
}

func (m *MockGateway) ListRefunds(ctx context.Context, filter ports.RefundFilter) ([]ports.RefundView, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]ports.RefundView), args.Error(1)
}

func (m *MockGateway) HealthCheck(ctx context.Context) (*ports.HealthResult, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ports.HealthResult), args.Error(1)
}

type MockMailer struct {
	mock.Mock
}

func (m *MockMailer) SendReceipt(ctx context.Context, email ports.ReceiptEmail) error {
	args := m.Called(ctx, email)
	return args.Error(0)
}

func (m *MockMailer) SendRefundNotice(ctx context.Context, email ports.RefundEmail) error {
	args := m.Called(ctx, email)
	return args.Error(0)
}

type fixture struct {
	db       *MockDBPort
	payments *MockPaymentRepository
	roster   *MockRosterRepository
	resolver *MockResolver
	gateway  *MockGateway
	mailer   *MockMailer
	service  *charge.Service
	cfg      *domain.ProcessorConfig
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		db:       new(MockDBPort),
		payments: new(MockPaymentRepository),
		roster:   new(MockRosterRepository),
		resolver: new(MockResolver),
		gateway:  new(MockGateway),
		mailer:   new(MockMailer),
		cfg: &domain.ProcessorConfig{
			ID:          "cfg-sq",
			Kind:        domain.ProcessorSquare,
			Active:      true,
			Default:     true,
			Environment: domain.EnvironmentSandbox,
			Currency:    "USD",
		},
	}
	f.service = charge.NewService(f.db, f.payments, f.roster, f.resolver, f.mailer, zap.NewNop())
	return f
}

func validInput() *charge.Input {
	return &charge.Input{
		SourceToken: "cnon:card-nonce",
		Amount:      decimal.RequireFromString("125.00"),
		BuyerEmail:  "parent@example.com",
		ParentID:    "parent-1",
		PlayerIDs:   []string{"player-1", "player-2"},
		Season:      "spring",
		Year:        2026,
		TryoutID:    "tryout-1",
	}
}

func (f *fixture) expectRoster(parentID string, playerIDs []string) {
	f.roster.On("GetParent", mock.Anything, mock.Anything, parentID).
		Return(&domain.Parent{ID: parentID, Email: "parent@example.com"}, nil)
	players := make([]*domain.Player, len(playerIDs))
	for i, id := range playerIDs {
		players[i] = &domain.Player{ID: id, ParentID: parentID}
	}
	f.roster.On("GetPlayers", mock.Anything, mock.Anything, playerIDs).Return(players, nil)
}

func TestChargeSuccess(t *testing.T) {
	f := newFixture(t)
	in := validInput()
	f.expectRoster(in.ParentID, in.PlayerIDs)

	f.resolver.On("ResolveCharge", mock.Anything, domain.ProcessorKind("")).
		Return(f.cfg, f.gateway, nil)
	f.gateway.On("Charge", mock.Anything, mock.MatchedBy(func(req *ports.ChargeRequest) bool {
		return req.AmountMinor == 12500 &&
			req.Currency == "USD" &&
			req.SourceToken == "cnon:card-nonce" &&
			req.IdempotencyKey != ""
	})).Return(&ports.ChargeResult{
		ExternalID: "sq-pay-1",
		Status:     domain.PaymentStatusCompleted,
		ReceiptURL: "https://squareup.com/receipt/1",
		Card:       &domain.CardFingerprint{Brand: "VISA", Last4: "4242"},
	}, nil)

	f.payments.On("Create", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	f.roster.On("MarkParentPaid", mock.Anything, mock.Anything, in.ParentID, mock.Anything, mock.Anything).Return(nil)
	f.roster.On("MarkPlayersPaid", mock.Anything, mock.Anything, in.PlayerIDs, mock.MatchedBy(func(s domain.SeasonEntry) bool {
		return s.Season == "spring" && s.Year == 2026 && s.PaymentStatus == domain.PlayerPaymentPaid
	})).Return(nil)
	f.roster.On("MarkRegistrationsPaid", mock.Anything, mock.Anything, in.ParentID, in.TryoutID, mock.Anything, mock.Anything).Return(nil)
	f.mailer.On("SendReceipt", mock.Anything, mock.MatchedBy(func(e ports.ReceiptEmail) bool {
		return e.To == in.BuyerEmail && e.Players == 2
	})).Return(nil)

	entry, err := f.service.Charge(context.Background(), in)
	require.NoError(t, err)
	require.NotNil(t, entry)

	assert.Equal(t, "sq-pay-1", entry.ExternalPaymentID)
	assert.Equal(t, domain.PaymentStatusCompleted, entry.Status)
	assert.Equal(t, domain.ProcessorSquare, entry.Processor)
	assert.Equal(t, "cfg-sq", entry.ConfigurationID)
	assert.Equal(t, "VISA", entry.Card.Brand)
	assert.True(t, entry.RefundedAmount.IsZero())
	assert.Equal(t, domain.RefundStatusNone, entry.RefundStatus)

	f.payments.AssertExpectations(t)
	f.roster.AssertExpectations(t)
	f.mailer.AssertExpectations(t)
}

func TestChargeDeclinedLeavesNoLedgerEntry(t *testing.T) {
	f := newFixture(t)
	in := validInput()
	f.expectRoster(in.ParentID, in.PlayerIDs)

	f.resolver.On("ResolveCharge", mock.Anything, domain.ProcessorKind("")).
		Return(f.cfg, f.gateway, nil)
	f.gateway.On("Charge", mock.Anything, mock.Anything).
		Return(nil, domain.ErrProcessorDeclined.WithDetail("processor_code", "CARD_DECLINED"))

	entry, err := f.service.Charge(context.Background(), in)
	require.Error(t, err)
	assert.Nil(t, entry)
	assert.Equal(t, domain.ErrorCodeProcessorDeclined, domain.GetErrorCode(err))

	f.payments.AssertNotCalled(t, "Create", mock.Anything, mock.Anything, mock.Anything)
	f.roster.AssertNotCalled(t, "MarkParentPaid", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	f.mailer.AssertNotCalled(t, "SendReceipt", mock.Anything, mock.Anything)
}

func TestChargeValidation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		mutate func(*charge.Input)
	}{
		{"missing token", func(in *charge.Input) { in.SourceToken = "" }},
		{"zero amount", func(in *charge.Input) { in.Amount = decimal.Zero }},
		{"negative amount", func(in *charge.Input) { in.Amount = decimal.RequireFromString("-5") }},
		{"missing parent", func(in *charge.Input) { in.ParentID = "" }},
		{"bad email", func(in *charge.Input) { in.BuyerEmail = "not-an-email" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validInput()
			tt.mutate(in)
			_, err := f.service.Charge(context.Background(), in)
			require.Error(t, err)
			assert.Equal(t, domain.ErrorCodeValidation, domain.GetErrorCode(err))
		})
	}

	f.resolver.AssertNotCalled(t, "ResolveCharge", mock.Anything, mock.Anything)
}

func TestChargeRejectsForeignPlayer(t *testing.T) {
	f := newFixture(t)
	in := validInput()

	f.roster.On("GetParent", mock.Anything, mock.Anything, in.ParentID).
		Return(&domain.Parent{ID: in.ParentID}, nil)
	f.roster.On("GetPlayers", mock.Anything, mock.Anything, in.PlayerIDs).
		Return([]*domain.Player{
			{ID: "player-1", ParentID: in.ParentID},
			{ID: "player-2", ParentID: "someone-else"},
		}, nil)

	_, err := f.service.Charge(context.Background(), in)
	require.Error(t, err)
	assert.Equal(t, domain.ErrorCodeValidation, domain.GetErrorCode(err))
	assert.Equal(t, "player-2", domain.AsDomainError(err).Detail("player_id"))
	f.resolver.AssertNotCalled(t, "ResolveCharge", mock.Anything, mock.Anything)
}

func TestChargeRecoversGatewayDuplicate(t *testing.T) {
	f := newFixture(t)
	in := validInput()
	f.expectRoster(in.ParentID, in.PlayerIDs)

	existing := &domain.LedgerEntry{
		ID:                "pay-prior",
		ExternalPaymentID: "sq-pay-1",
		Status:            domain.PaymentStatusCompleted,
	}
	f.resolver.On("ResolveCharge", mock.Anything, domain.ProcessorKind("")).
		Return(f.cfg, f.gateway, nil)
	f.gateway.On("Charge", mock.Anything, mock.Anything).
		Return(nil, domain.NewDomainError(domain.ErrorCodeDuplicate, "idempotency key reused").
			WithDetail("external_payment_id", "sq-pay-1"))
	f.payments.On("GetByExternalID", mock.Anything, mock.Anything, "sq-pay-1").
		Return(existing, nil)

	entry, err := f.service.Charge(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "pay-prior", entry.ID)
	f.payments.AssertNotCalled(t, "Create", mock.Anything, mock.Anything, mock.Anything)
}

func TestChargeRecoversStorageDuplicate(t *testing.T) {
	f := newFixture(t)
	in := validInput()
	f.expectRoster(in.ParentID, in.PlayerIDs)

	existing := &domain.LedgerEntry{
		ID:                "pay-prior",
		ExternalPaymentID: "sq-pay-1",
		Status:            domain.PaymentStatusCompleted,
	}
	f.resolver.On("ResolveCharge", mock.Anything, domain.ProcessorKind("")).
		Return(f.cfg, f.gateway, nil)
	f.gateway.On("Charge", mock.Anything, mock.Anything).
		Return(&ports.ChargeResult{ExternalID: "sq-pay-1", Status: domain.PaymentStatusCompleted}, nil)
	f.payments.On("Create", mock.Anything, mock.Anything, mock.Anything).
		Return(domain.NewDomainError(domain.ErrorCodeDuplicate, "external payment id already recorded"))
	f.payments.On("GetByExternalID", mock.Anything, mock.Anything, "sq-pay-1").
		Return(existing, nil)

	entry, err := f.service.Charge(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "pay-prior", entry.ID)
}

func TestChargeLedgerFailureIsIndeterminate(t *testing.T) {
	f := newFixture(t)
	in := validInput()
	f.expectRoster(in.ParentID, in.PlayerIDs)

	f.resolver.On("ResolveCharge", mock.Anything, domain.ProcessorKind("")).
		Return(f.cfg, f.gateway, nil)
	f.gateway.On("Charge", mock.Anything, mock.Anything).
		Return(&ports.ChargeResult{ExternalID: "sq-pay-9", Status: domain.PaymentStatusCompleted}, nil)
	f.payments.On("Create", mock.Anything, mock.Anything, mock.Anything).
		Return(domain.WrapError(domain.ErrorCodeInternal, "insert failed", assert.AnError))

	entry, err := f.service.Charge(context.Background(), in)
	require.Error(t, err)
	assert.Nil(t, entry)
	assert.Equal(t, domain.ErrorCodeIndeterminate, domain.GetErrorCode(err))
	assert.Equal(t, "sq-pay-9", domain.AsDomainError(err).Detail("external_payment_id"))
	f.mailer.AssertNotCalled(t, "SendReceipt", mock.Anything, mock.Anything)
}

func TestChargePendingSkipsRosterAndEmail(t *testing.T) {
	f := newFixture(t)
	in := validInput()
	f.expectRoster(in.ParentID, in.PlayerIDs)

	f.resolver.On("ResolveCharge", mock.Anything, domain.ProcessorKind("")).
		Return(f.cfg, f.gateway, nil)
	f.gateway.On("Charge", mock.Anything, mock.Anything).
		Return(&ports.ChargeResult{ExternalID: "sq-pay-2", Status: domain.PaymentStatusPending}, nil)
	f.payments.On("Create", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	entry, err := f.service.Charge(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPending, entry.Status)

	f.roster.AssertNotCalled(t, "MarkParentPaid", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	f.mailer.AssertNotCalled(t, "SendReceipt", mock.Anything, mock.Anything)
}

func TestChargePrefersRequestedProcessor(t *testing.T) {
	f := newFixture(t)
	in := validInput()
	in.Processor = domain.ProcessorStripe
	f.expectRoster(in.ParentID, in.PlayerIDs)

	stripeCfg := &domain.ProcessorConfig{
		ID:       "cfg-stripe",
		Kind:     domain.ProcessorStripe,
		Currency: "USD",
	}
	f.resolver.On("ResolveCharge", mock.Anything, domain.ProcessorStripe).
		Return(stripeCfg, f.gateway, nil)
	f.gateway.On("Charge", mock.Anything, mock.Anything).
		Return(&ports.ChargeResult{ExternalID: "pi_1", Status: domain.PaymentStatusCompleted}, nil)
	f.payments.On("Create", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	f.roster.On("MarkParentPaid", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	f.roster.On("MarkPlayersPaid", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	f.roster.On("MarkRegistrationsPaid", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	f.mailer.On("SendReceipt", mock.Anything, mock.Anything).Return(nil)

	entry, err := f.service.Charge(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, domain.ProcessorStripe, entry.Processor)
	assert.Equal(t, "cfg-stripe", entry.ConfigurationID)
	f.resolver.AssertExpectations(t)
}
