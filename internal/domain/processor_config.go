package domain

import (
	"fmt"
	"time"
)

// ProcessorKind identifies a supported payment processor
type ProcessorKind string

const (
	ProcessorSquare ProcessorKind = "square"
	ProcessorClover ProcessorKind = "clover"
	ProcessorStripe ProcessorKind = "stripe"
	ProcessorPayPal ProcessorKind = "paypal"
)

// ValidProcessorKind reports whether k names a supported processor
func ValidProcessorKind(k ProcessorKind) bool {
	switch k {
	case ProcessorSquare, ProcessorClover, ProcessorStripe, ProcessorPayPal:
		return true
	}
	return false
}

// Environment selects sandbox or production processor endpoints
type Environment string

const (
	EnvironmentSandbox    Environment = "sandbox"
	EnvironmentProduction Environment = "production"
)

// supportedCurrencies is the closed currency set for configurations
var supportedCurrencies = map[string]bool{
	"USD": true,
	"CAD": true,
	"EUR": true,
	"GBP": true,
}

// ProcessorCredentials holds the secrets and identifiers for one processor
// account. Which fields are required depends on the processor kind.
type ProcessorCredentials struct {
	AccessToken   string `json:"access_token,omitempty"`
	ApplicationID string `json:"application_id,omitempty"`
	LocationID    string `json:"location_id,omitempty"`
	MerchantID    string `json:"merchant_id,omitempty"`
	ClientID      string `json:"client_id,omitempty"`
	ClientSecret  string `json:"client_secret,omitempty"`
	WebhookKey    string `json:"webhook_key,omitempty"`
}

// ProcessorConfig is a persisted record describing one processor account
// and the global payment settings tied to it. Exactly one record may be
// marked default; any number may be active. Configurations are never
// mutated during a charge.
type ProcessorConfig struct {
	ID             string               `json:"id"`
	Kind           ProcessorKind        `json:"kind"`
	Active         bool                 `json:"active"`
	Default        bool                 `json:"default"`
	Environment    Environment          `json:"environment"`
	Currency       string               `json:"currency"`
	TaxRate        float64              `json:"tax_rate"`
	Credentials    ProcessorCredentials `json:"credentials"`
	CreatedBy      string               `json:"created_by,omitempty"`
	LastModifiedBy string               `json:"last_modified_by,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at"`
}

// Validate checks the kind-specific credential minimum and global settings
func (c *ProcessorConfig) Validate() error {
	if !ValidProcessorKind(c.Kind) {
		return ErrConfigurationError.WithDetail("reason", fmt.Sprintf("unsupported processor kind %q", c.Kind))
	}
	if c.Environment != EnvironmentSandbox && c.Environment != EnvironmentProduction {
		return ErrConfigurationError.WithDetail("reason", fmt.Sprintf("unsupported environment %q", c.Environment))
	}
	if !supportedCurrencies[c.Currency] {
		return ErrConfigurationError.WithDetail("reason", fmt.Sprintf("unsupported currency %q", c.Currency))
	}
	if c.TaxRate < 0 || c.TaxRate > 100 {
		return ErrConfigurationError.WithDetail("reason", "tax rate must be within [0,100]")
	}

	missing := func(field string) error {
		return ErrConfigurationError.WithDetail("reason",
			fmt.Sprintf("%s configuration requires %s", c.Kind, field))
	}
	switch c.Kind {
	case ProcessorSquare:
		if c.Credentials.AccessToken == "" {
			return missing("access_token")
		}
		if c.Credentials.LocationID == "" {
			return missing("location_id")
		}
	case ProcessorClover:
		if c.Credentials.AccessToken == "" {
			return missing("access_token")
		}
		if c.Credentials.MerchantID == "" {
			return missing("merchant_id")
		}
	case ProcessorStripe:
		if c.Credentials.AccessToken == "" {
			return missing("access_token")
		}
	case ProcessorPayPal:
		if c.Credentials.ClientID == "" {
			return missing("client_id")
		}
		if c.Credentials.ClientSecret == "" {
			return missing("client_secret")
		}
	}
	return nil
}

// Version identifies a configuration revision for adapter caching. A cached
// gateway built for an older revision is discarded on the next lookup.
func (c *ProcessorConfig) Version() string {
	return fmt.Sprintf("%s@%d", c.ID, c.UpdatedAt.UnixNano())
}

// FrontendView is the non-sensitive projection served to the browser SDK
type FrontendView struct {
	Kind          ProcessorKind `json:"processor"`
	ApplicationID string        `json:"application_id,omitempty"`
	LocationID    string        `json:"location_id,omitempty"`
	MerchantID    string        `json:"merchant_id,omitempty"`
	Environment   Environment   `json:"environment"`
	Currency      string        `json:"currency"`
}

// Frontend returns the public projection of the configuration. Credentials
// are never included.
func (c *ProcessorConfig) Frontend() FrontendView {
	return FrontendView{
		Kind:          c.Kind,
		ApplicationID: c.Credentials.ApplicationID,
		LocationID:    c.Credentials.LocationID,
		MerchantID:    c.Credentials.MerchantID,
		Environment:   c.Environment,
		Currency:      c.Currency,
	}
}

// Redacted returns a copy safe for admin API responses: identifiers are
// kept, secrets are blanked.
func (c *ProcessorConfig) Redacted() ProcessorConfig {
	out := *c
	out.Credentials.AccessToken = ""
	out.Credentials.ClientSecret = ""
	out.Credentials.WebhookKey = ""
	return out
}
