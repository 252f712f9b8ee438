package service

import (
	"context"

	"github.com/Wandeon/FiskAI-App-sub000/internal/domain"
	"github.com/Wandeon/FiskAI-App-sub000/internal/fiscal"
	"github.com/Wandeon/FiskAI-App-sub000/pkg/logger"
)

type FiscalService interface {
	Fiscalize(ctx context.Context, tenantID, invoiceID string, messageType domain.FiscalMessageType) (*FiscalizeResult, error)
	RetryJob(ctx context.Context, tenantID, jobID string) error
	GetJob(ctx context.Context, tenantID, jobID string) (*domain.FiscalJob, error)
}

// FiscalizeResult carries the decision and, when required, the enqueued job.
type FiscalizeResult struct {
	Decision fiscal.Decision   `json:"decision"`
	Job      *domain.FiscalJob `json:"job,omitempty"`
}

type fiscalService struct {
	repo     domain.Repository
	decision *fiscal.DecisionEngine
	logger   *logger.Logger
}

func NewFiscalService(repo domain.Repository, decision *fiscal.DecisionEngine, log *logger.Logger) FiscalService {
	return &fiscalService{
		repo:     repo,
		decision: decision,
		logger:   log,
	}
}

// Fiscalize runs the decision engine and enqueues a job when fiscalization
// is required. A "not required" outcome is a normal result, not an error.
func (s *fiscalService) Fiscalize(ctx context.Context, tenantID, invoiceID string, messageType domain.FiscalMessageType) (*FiscalizeResult, error) {
	ctx = logger.WithTenantID(ctx, tenantID)

	invoice, err := s.repo.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if invoice.TenantID != tenantID {
		return nil, domain.ErrInvoiceNotFound
	}

	company, err := s.repo.GetCompany(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	decision, err := s.decision.Decide(ctx, invoice, company)
	if err != nil {
		return nil, err
	}

	result := &FiscalizeResult{Decision: decision}
	if !decision.Required {
		s.logger.Info(ctx, "fiscalization not required",
			"invoice_id", invoiceID,
			"reason", decision.Reason,
		)
		return result, nil
	}

	job, err := s.repo.EnqueueFiscalJob(ctx, tenantID, invoiceID, decision.CertificateID, messageType)
	if err != nil {
		return nil, err
	}
	result.Job = job

	if err := s.repo.UpdateInvoiceFiscalStatus(ctx, invoiceID, domain.FiscalStatusPending); err != nil {
		s.logger.Error(ctx, "failed to mark invoice fiscal status pending",
			"invoice_id", invoiceID,
			"error", err,
		)
	}

	s.logger.Info(ctx, "fiscal job enqueued",
		"invoice_id", invoiceID,
		"job_id", job.ID,
		"message_type", string(messageType),
	)
	return result, nil
}

func (s *fiscalService) RetryJob(ctx context.Context, tenantID, jobID string) error {
	ctx = logger.WithTenantID(ctx, tenantID)

	job, err := s.repo.GetFiscalJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.TenantID != tenantID {
		return domain.ErrJobNotFound
	}

	if err := s.repo.RetryFiscalJob(ctx, jobID); err != nil {
		return err
	}

	if err := s.repo.UpdateInvoiceFiscalStatus(ctx, job.InvoiceID, domain.FiscalStatusPending); err != nil {
		s.logger.Error(ctx, "failed to reset invoice fiscal mirror on retry",
			"invoice_id", job.InvoiceID,
			"error", err,
		)
	}

	s.logger.Info(ctx, "fiscal job re-armed", "job_id", jobID)
	return nil
}

func (s *fiscalService) GetJob(ctx context.Context, tenantID, jobID string) (*domain.FiscalJob, error) {
	job, err := s.repo.GetFiscalJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.TenantID != tenantID {
		return nil, domain.ErrJobNotFound
	}
	return job, nil
}
