package ports

import (
	"context"

	"github.com/clubhoops/payment-service/internal/domain"
)

// GatewayResolver hands orchestrators a ready processor gateway. The
// registry implements it; orchestrators never build adapters themselves.
type GatewayResolver interface {
	// ResolveCharge picks the configuration a new charge should use: the
	// preferred kind's active configuration when given, otherwise the
	// default, otherwise the first active.
	ResolveCharge(ctx context.Context, preferred domain.ProcessorKind) (*domain.ProcessorConfig, ProcessorGateway, error)

	// GatewayForEntry resolves the gateway for an existing ledger entry,
	// falling back to a same-kind active configuration or ambient
	// credentials when the entry's configuration was deleted.
	GatewayForEntry(ctx context.Context, entry *domain.LedgerEntry) (ProcessorGateway, error)
}
