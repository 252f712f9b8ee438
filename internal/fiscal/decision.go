package fiscal

import (
	"context"
	"errors"
	"time"

	"github.com/Wandeon/FiskAI-App-sub000/internal/domain"
)

// Named decision reasons, recorded for observability. They are not
// user-facing errors: "not required" is a normal outcome.
const (
	ReasonRequired            = "required"
	ReasonDisabled            = "fiscalization_disabled"
	ReasonExemptPaymentMethod = "exempt_payment_method"
	ReasonAlreadyFiscalized   = "already_fiscalized"
	ReasonJobAlreadyActive    = "job_already_active"
	ReasonNoCertificate       = "certificate_missing"
	ReasonCertificateInactive = "certificate_inactive"
	ReasonCertificateExpired  = "certificate_expired"
)

// Decision is the engine's structured outcome. ConfigurationGap marks the
// certificate-missing case so callers can surface it to the tenant.
type Decision struct {
	Required         bool               `json:"required"`
	Reason           string             `json:"reason"`
	CertificateID    string             `json:"certificate_id,omitempty"`
	Environment      domain.Environment `json:"environment,omitempty"`
	ConfigurationGap bool               `json:"configuration_gap,omitempty"`
}

// DecisionEngine decides whether an invoice must be fiscalized and with
// which certificate. It performs reads only and never mutates state, so
// UI-adjacent code may call it speculatively.
type DecisionEngine struct {
	repo domain.Repository
	now  func() time.Time
}

func NewDecisionEngine(repo domain.Repository) *DecisionEngine {
	return &DecisionEngine{repo: repo, now: time.Now}
}

// Decide runs the sequential short-circuit checks. Order matters: cheaper
// and more decisive checks first, certificate checks last.
func (e *DecisionEngine) Decide(ctx context.Context, invoice *domain.Invoice, company *domain.Company) (Decision, error) {
	if !company.FiscalizationEnabled {
		return Decision{Reason: ReasonDisabled}, nil
	}

	if invoice.PaymentMethod != domain.PaymentMethodCash && invoice.PaymentMethod != domain.PaymentMethodCard {
		return Decision{Reason: ReasonExemptPaymentMethod}, nil
	}

	// Idempotency: never re-fiscalize an invoice the authority already knows.
	if invoice.UniqueID != "" {
		return Decision{Reason: ReasonAlreadyFiscalized}, nil
	}

	// Idempotency: never double-enqueue.
	active, err := e.repo.HasActiveFiscalJob(ctx, invoice.TenantID, invoice.ID)
	if err != nil {
		return Decision{}, err
	}
	if active {
		return Decision{Reason: ReasonJobAlreadyActive}, nil
	}

	cert, err := e.repo.GetCertificateByEnvironment(ctx, company.ID, company.FiscalEnvironment)
	if err != nil {
		if errors.Is(err, domain.ErrCertificateNotFound) {
			return Decision{Reason: ReasonNoCertificate, ConfigurationGap: true}, nil
		}
		return Decision{}, err
	}

	if cert.Status != domain.CertificateStatusActive {
		return Decision{Reason: ReasonCertificateInactive}, nil
	}

	now := e.now()
	if now.Before(cert.ValidFrom) || now.After(cert.ValidUntil) {
		return Decision{Reason: ReasonCertificateExpired}, nil
	}

	return Decision{
		Required:      true,
		Reason:        ReasonRequired,
		CertificateID: cert.ID,
		Environment:   company.FiscalEnvironment,
	}, nil
}
