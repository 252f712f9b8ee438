package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Wandeon/FiskAI-App-sub000/internal/domain"
	"github.com/Wandeon/FiskAI-App-sub000/pkg/backoff"
)

// MemoryStore is the mutex-guarded Repository used by tests and DSN-less
// dev runs. Claiming mutates status and lock under one lock acquisition,
// which gives the same exclusive-claim guarantee the MySQL store gets from
// FOR UPDATE SKIP LOCKED.
type MemoryStore struct {
	companies    map[string]*domain.Company
	certificates map[string]*domain.FiscalCertificate
	invoices     map[string]*domain.Invoice
	expenses     map[string]*domain.Expense
	jobs         map[string]*domain.FiscalJob
	jobByKey     map[string]string // tenant|invoice|messageType -> job ID
	imports      map[string]*domain.StatementImport
	transactions map[string]*domain.BankTransaction

	retryPolicy backoff.Policy
	mu          sync.RWMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		companies:    make(map[string]*domain.Company),
		certificates: make(map[string]*domain.FiscalCertificate),
		invoices:     make(map[string]*domain.Invoice),
		expenses:     make(map[string]*domain.Expense),
		jobs:         make(map[string]*domain.FiscalJob),
		jobByKey:     make(map[string]string),
		imports:      make(map[string]*domain.StatementImport),
		transactions: make(map[string]*domain.BankTransaction),
		retryPolicy:  backoff.Default(),
	}
}

func jobKey(tenantID, invoiceID string, messageType domain.FiscalMessageType) string {
	return strings.Join([]string{tenantID, invoiceID, string(messageType)}, "|")
}

// Company configuration

func (s *MemoryStore) GetCompany(ctx context.Context, tenantID string) (*domain.Company, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	company, exists := s.companies[tenantID]
	if !exists {
		return nil, domain.ErrCompanyNotFound
	}

	out := *company
	return &out, nil
}

func (s *MemoryStore) SaveCompany(ctx context.Context, company *domain.Company) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := *company
	s.companies[company.ID] = &out
	return nil
}

// Certificates

func (s *MemoryStore) CreateCertificate(ctx context.Context, cert *domain.FiscalCertificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// At most one ACTIVE per (tenant, environment): revoke any prior ACTIVE
	// row in the same step.
	if cert.Status == domain.CertificateStatusActive {
		for _, existing := range s.certificates {
			if existing.TenantID == cert.TenantID &&
				existing.Environment == cert.Environment &&
				existing.Status == domain.CertificateStatusActive {
				existing.Status = domain.CertificateStatusRevoked
			}
		}
	}

	out := *cert
	s.certificates[cert.ID] = &out
	return nil
}

func (s *MemoryStore) GetCertificate(ctx context.Context, id string) (*domain.FiscalCertificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cert, exists := s.certificates[id]
	if !exists {
		return nil, domain.ErrCertificateNotFound
	}

	out := *cert
	return &out, nil
}

func (s *MemoryStore) GetCertificateByEnvironment(ctx context.Context, tenantID string, env domain.Environment) (*domain.FiscalCertificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Prefer the ACTIVE row; otherwise return the newest row for the pair so
	// the caller can distinguish "inactive" from "missing".
	var newest *domain.FiscalCertificate
	for _, cert := range s.certificates {
		if cert.TenantID != tenantID || cert.Environment != env {
			continue
		}
		if cert.Status == domain.CertificateStatusActive {
			out := *cert
			return &out, nil
		}
		if newest == nil || cert.CreatedAt.After(newest.CreatedAt) {
			newest = cert
		}
	}

	if newest == nil {
		return nil, domain.ErrCertificateNotFound
	}

	out := *newest
	return &out, nil
}

func (s *MemoryStore) TouchCertificateLastUsed(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cert, exists := s.certificates[id]
	if !exists {
		return domain.ErrCertificateNotFound
	}

	used := at
	cert.LastUsedAt = &used
	return nil
}

func (s *MemoryStore) RevokeCertificate(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cert, exists := s.certificates[id]
	if !exists {
		return domain.ErrCertificateNotFound
	}

	// Deletion is blocked while any fiscal job for the tenant is in flight.
	for _, job := range s.jobs {
		if job.TenantID == cert.TenantID &&
			(job.Status == domain.FiscalJobStatusQueued || job.Status == domain.FiscalJobStatusProcessing) {
			return domain.ErrCertificateInUse
		}
	}

	if !cert.Status.CanTransitionTo(domain.CertificateStatusRevoked) {
		return &domain.TransitionError{Entity: "certificate", From: string(cert.Status), To: string(domain.CertificateStatusRevoked)}
	}

	cert.Status = domain.CertificateStatusRevoked
	return nil
}

// Invoices

func (s *MemoryStore) GetInvoice(ctx context.Context, id string) (*domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.getInvoiceLocked(id)
}

func (s *MemoryStore) getInvoiceLocked(id string) (*domain.Invoice, error) {
	invoice, exists := s.invoices[id]
	if !exists {
		return nil, domain.ErrInvoiceNotFound
	}

	out := *invoice
	out.Lines = append([]domain.InvoiceLine(nil), invoice.Lines...)
	return &out, nil
}

func (s *MemoryStore) SaveInvoice(ctx context.Context, invoice *domain.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := *invoice
	out.Lines = append([]domain.InvoiceLine(nil), invoice.Lines...)
	s.invoices[invoice.ID] = &out
	return nil
}

func (s *MemoryStore) UpdateInvoiceFiscalStatus(ctx context.Context, id string, status domain.FiscalStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	invoice, exists := s.invoices[id]
	if !exists {
		return domain.ErrInvoiceNotFound
	}

	invoice.FiscalStatus = status
	return nil
}

func (s *MemoryStore) MarkInvoicePaid(ctx context.Context, id string, paidAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	invoice, exists := s.invoices[id]
	if !exists {
		return domain.ErrInvoiceNotFound
	}
	if invoice.Status == domain.InvoiceStatusPaid {
		return domain.ErrAlreadySettled
	}

	invoice.Status = domain.InvoiceStatusPaid
	at := paidAt
	invoice.PaidAt = &at
	return nil
}

func (s *MemoryStore) ClearInvoicePayment(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	invoice, exists := s.invoices[id]
	if !exists {
		return domain.ErrInvoiceNotFound
	}

	// Back to the pre-payment lifecycle status; due date and fiscal fields
	// are untouched.
	if invoice.Status == domain.InvoiceStatusPaid {
		invoice.Status = domain.InvoiceStatusSent
	}
	invoice.PaidAt = nil
	return nil
}

func (s *MemoryStore) ListOpenInvoices(ctx context.Context, tenantID string) ([]domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var open []domain.Invoice
	for _, invoice := range s.invoices {
		if invoice.TenantID != tenantID {
			continue
		}
		if invoice.Status == domain.InvoiceStatusPaid || invoice.Status == domain.InvoiceStatusCancelled {
			continue
		}
		out := *invoice
		out.Lines = append([]domain.InvoiceLine(nil), invoice.Lines...)
		open = append(open, out)
	}

	sort.Slice(open, func(i, j int) bool { return open[i].ID < open[j].ID })
	return open, nil
}

// Expenses

func (s *MemoryStore) GetExpense(ctx context.Context, id string) (*domain.Expense, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	expense, exists := s.expenses[id]
	if !exists {
		return nil, domain.ErrExpenseNotFound
	}

	out := *expense
	return &out, nil
}

func (s *MemoryStore) SaveExpense(ctx context.Context, expense *domain.Expense) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := *expense
	s.expenses[expense.ID] = &out
	return nil
}

func (s *MemoryStore) MarkExpensePaid(ctx context.Context, id string, paidAt time.Time, method domain.PaymentMethod) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	expense, exists := s.expenses[id]
	if !exists {
		return domain.ErrExpenseNotFound
	}
	if expense.Status == domain.ExpenseStatusPaid {
		return domain.ErrAlreadySettled
	}

	expense.Status = domain.ExpenseStatusPaid
	at := paidAt
	expense.PaidAt = &at
	expense.PaymentMethod = method
	return nil
}

func (s *MemoryStore) ClearExpensePayment(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	expense, exists := s.expenses[id]
	if !exists {
		return domain.ErrExpenseNotFound
	}

	expense.Status = domain.ExpenseStatusPending
	expense.PaidAt = nil
	return nil
}

func (s *MemoryStore) ListOpenExpenses(ctx context.Context, tenantID string) ([]domain.Expense, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var open []domain.Expense
	for _, expense := range s.expenses {
		if expense.TenantID != tenantID || expense.Status == domain.ExpenseStatusPaid {
			continue
		}
		out := *expense
		open = append(open, out)
	}

	sort.Slice(open, func(i, j int) bool { return open[i].ID < open[j].ID })
	return open, nil
}

// Fiscal job queue

func (s *MemoryStore) EnqueueFiscalJob(ctx context.Context, tenantID, invoiceID, certificateID string, messageType domain.FiscalMessageType) (*domain.FiscalJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	key := jobKey(tenantID, invoiceID, messageType)

	if id, exists := s.jobByKey[key]; exists {
		job := s.jobs[id]

		switch job.Status {
		case domain.FiscalJobStatusFailed, domain.FiscalJobStatusDead:
			// Idempotent upsert: reset the prior row instead of duplicating.
			s.rearmJobLocked(job, certificateID, now)
		}

		out := *job
		return &out, nil
	}

	job := &domain.FiscalJob{
		ID:            uuid.New().String(),
		TenantID:      tenantID,
		CertificateID: certificateID,
		InvoiceID:     invoiceID,
		MessageType:   messageType,
		Status:        domain.FiscalJobStatusQueued,
		MaxAttempts:   domain.DefaultMaxAttempts,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	s.jobs[job.ID] = job
	s.jobByKey[key] = job.ID

	out := *job
	return &out, nil
}

func (s *MemoryStore) rearmJobLocked(job *domain.FiscalJob, certificateID string, now time.Time) {
	job.Status = domain.FiscalJobStatusQueued
	job.AttemptCount = 0
	job.NextAttemptAt = now
	job.LockedBy = nil
	job.LockedAt = nil
	job.ErrorCode = ""
	job.ErrorMessage = ""
	job.LastHTTPStatus = 0
	job.UpdatedAt = now
	if certificateID != "" {
		job.CertificateID = certificateID
	}
}

func (s *MemoryStore) GetFiscalJob(ctx context.Context, id string) (*domain.FiscalJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, exists := s.jobs[id]
	if !exists {
		return nil, domain.ErrJobNotFound
	}

	out := *job
	return &out, nil
}

func (s *MemoryStore) HasActiveFiscalJob(ctx context.Context, tenantID, invoiceID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, job := range s.jobs {
		if job.TenantID == tenantID && job.InvoiceID == invoiceID &&
			(job.Status == domain.FiscalJobStatusQueued || job.Status == domain.FiscalJobStatusProcessing) {
			return true, nil
		}
	}

	return false, nil
}

// ClaimFiscalJobs selects eligible jobs earliest-due first and marks them
// PROCESSING under one lock acquisition, so no two workers can claim the
// same job.
func (s *MemoryStore) ClaimFiscalJobs(ctx context.Context, workerID string, batchSize int, staleLockThreshold time.Duration) ([]domain.FiscalJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	staleBefore := now.Add(-staleLockThreshold)

	var eligible []*domain.FiscalJob
	for _, job := range s.jobs {
		if job.Status != domain.FiscalJobStatusQueued && job.Status != domain.FiscalJobStatusFailed {
			continue
		}
		if job.NextAttemptAt.After(now) {
			continue
		}
		if job.AttemptCount >= job.MaxAttempts {
			continue
		}
		if job.LockedAt != nil && job.LockedAt.After(staleBefore) {
			continue
		}
		eligible = append(eligible, job)
	}

	sort.Slice(eligible, func(i, j int) bool {
		return eligible[i].NextAttemptAt.Before(eligible[j].NextAttemptAt)
	})

	if len(eligible) > batchSize {
		eligible = eligible[:batchSize]
	}

	claimed := make([]domain.FiscalJob, 0, len(eligible))
	for _, job := range eligible {
		job.Status = domain.FiscalJobStatusProcessing
		worker := workerID
		lockedAt := now
		job.LockedBy = &worker
		job.LockedAt = &lockedAt
		job.UpdatedAt = now

		claimed = append(claimed, *job)
	}

	return claimed, nil
}

func (s *MemoryStore) SaveFiscalJobDocuments(ctx context.Context, id, unsigned, signed string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[id]
	if !exists {
		return domain.ErrJobNotFound
	}

	job.UnsignedDocument = unsigned
	job.SignedDocument = signed
	job.UpdatedAt = time.Now()
	return nil
}

// CompleteFiscalJob marks the job COMPLETED and updates the invoice's fiscal
// fields under the same lock acquisition, so there is no window where the job
// reads COMPLETED while the invoice is stale.
func (s *MemoryStore) CompleteFiscalJob(ctx context.Context, id string, result domain.FiscalJobResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[id]
	if !exists {
		return domain.ErrJobNotFound
	}

	if !job.Status.CanTransitionTo(domain.FiscalJobStatusCompleted) {
		return &domain.TransitionError{Entity: "fiscal_job", From: string(job.Status), To: string(domain.FiscalJobStatusCompleted)}
	}

	now := time.Now()
	job.Status = domain.FiscalJobStatusCompleted
	job.UniqueID = result.UniqueID
	job.ProtectiveCode = result.ProtectiveCode
	job.RawResponse = result.RawResponse
	job.LastHTTPStatus = result.HTTPStatus
	job.ErrorCode = ""
	job.ErrorMessage = ""
	job.LockedBy = nil
	job.LockedAt = nil
	job.UpdatedAt = now

	if job.InvoiceID != "" {
		invoice, ok := s.invoices[job.InvoiceID]
		if !ok {
			return domain.ErrInvoiceNotFound
		}
		invoice.UniqueID = result.UniqueID
		invoice.ProtectiveCode = result.ProtectiveCode
		fiscalizedAt := now
		invoice.FiscalizedAt = &fiscalizedAt
		invoice.FiscalStatus = domain.FiscalStatusCompleted
	}

	return nil
}

func (s *MemoryStore) FailFiscalJob(ctx context.Context, id string, retriable bool, errorCode, errorMessage string, httpStatus int) (domain.FiscalJobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[id]
	if !exists {
		return "", domain.ErrJobNotFound
	}

	now := time.Now()
	job.AttemptCount++

	next := domain.FiscalJobStatusFailed
	if !retriable || job.AttemptCount >= job.MaxAttempts {
		next = domain.FiscalJobStatusDead
	}

	if !job.Status.CanTransitionTo(next) {
		return "", &domain.TransitionError{Entity: "fiscal_job", From: string(job.Status), To: string(next)}
	}

	job.Status = next
	job.ErrorCode = errorCode
	job.ErrorMessage = errorMessage
	job.LastHTTPStatus = httpStatus
	job.LockedBy = nil
	job.LockedAt = nil
	job.UpdatedAt = now

	if next == domain.FiscalJobStatusFailed {
		job.NextAttemptAt = now.Add(s.retryPolicy.JitteredDelay(job.AttemptCount))
	}

	return next, nil
}

// RecoverStaleFiscalLocks returns PROCESSING jobs whose worker is presumed
// crashed to FAILED without incrementing the attempt count. A crash is not
// the job's fault.
func (s *MemoryStore) RecoverStaleFiscalLocks(ctx context.Context, staleLockThreshold time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	staleBefore := now.Add(-staleLockThreshold)

	recovered := 0
	for _, job := range s.jobs {
		if job.Status != domain.FiscalJobStatusProcessing {
			continue
		}
		if job.LockedAt != nil && job.LockedAt.After(staleBefore) {
			continue
		}

		job.Status = domain.FiscalJobStatusFailed
		job.ErrorCode = "STALE_LOCK"
		job.ErrorMessage = "processing lock expired, worker presumed crashed"
		job.NextAttemptAt = now
		job.LockedBy = nil
		job.LockedAt = nil
		job.UpdatedAt = now
		recovered++
	}

	return recovered, nil
}

func (s *MemoryStore) RetryFiscalJob(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[id]
	if !exists {
		return domain.ErrJobNotFound
	}

	if job.Status != domain.FiscalJobStatusFailed && job.Status != domain.FiscalJobStatusDead {
		return domain.ErrJobNotRetryable
	}

	s.rearmJobLocked(job, "", time.Now())
	return nil
}

// Statement imports & bank transactions

func (s *MemoryStore) CreateImport(ctx context.Context, imp *domain.StatementImport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := *imp
	s.imports[imp.ID] = &out
	return nil
}

func (s *MemoryStore) GetImport(ctx context.Context, id string) (*domain.StatementImport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	imp, exists := s.imports[id]
	if !exists {
		return nil, domain.ErrImportNotFound
	}

	out := *imp
	return &out, nil
}

func (s *MemoryStore) UpdateImportStatus(ctx context.Context, id string, status domain.ImportStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	imp, exists := s.imports[id]
	if !exists {
		return domain.ErrImportNotFound
	}

	imp.Status = status
	if status == domain.ImportStatusCompleted || status == domain.ImportStatusFailed {
		now := time.Now()
		imp.CompletedAt = &now
	}
	return nil
}

func (s *MemoryStore) IncrementImportRows(ctx context.Context, id string, processed, skipped int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	imp, exists := s.imports[id]
	if !exists {
		return domain.ErrImportNotFound
	}

	imp.ProcessedRows += processed
	imp.SkippedRows += skipped
	imp.TotalRows += processed + skipped
	return nil
}

func (s *MemoryStore) CreateBankTransaction(ctx context.Context, tx *domain.BankTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.MatchStatus == "" {
		tx.MatchStatus = domain.MatchStatusUnmatched
	}

	out := *tx
	s.transactions[tx.ID] = &out
	return nil
}

func (s *MemoryStore) GetBankTransaction(ctx context.Context, id string) (*domain.BankTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, exists := s.transactions[id]
	if !exists {
		return nil, domain.ErrTransactionNotFound
	}

	out := *tx
	return &out, nil
}

func (s *MemoryStore) ListUnmatchedTransactions(ctx context.Context, tenantID string) ([]domain.BankTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var unmatched []domain.BankTransaction
	for _, tx := range s.transactions {
		if tx.TenantID != tenantID || tx.MatchStatus != domain.MatchStatusUnmatched {
			continue
		}
		out := *tx
		unmatched = append(unmatched, out)
	}

	sort.Slice(unmatched, func(i, j int) bool { return unmatched[i].ID < unmatched[j].ID })
	return unmatched, nil
}

func (s *MemoryStore) ApplyTransactionMatch(ctx context.Context, id string, status domain.MatchStatus, targetType domain.TargetType, targetID string, confidence int, matchedBy string, matchedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, exists := s.transactions[id]
	if !exists {
		return domain.ErrTransactionNotFound
	}

	if !tx.MatchStatus.CanTransitionTo(status) {
		return &domain.TransitionError{Entity: "bank_transaction", From: string(tx.MatchStatus), To: string(status)}
	}

	tx.MatchStatus = status
	tx.MatchedTargetType = targetType
	tx.MatchedTargetID = targetID
	tx.Confidence = confidence
	tx.MatchedBy = matchedBy
	at := matchedAt
	tx.MatchedAt = &at
	return nil
}

func (s *MemoryStore) ClearTransactionMatch(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, exists := s.transactions[id]
	if !exists {
		return domain.ErrTransactionNotFound
	}

	if tx.MatchStatus != domain.MatchStatusAutoMatched && tx.MatchStatus != domain.MatchStatusManualMatched {
		return domain.ErrNotMatched
	}

	tx.MatchStatus = domain.MatchStatusUnmatched
	tx.MatchedTargetType = ""
	tx.MatchedTargetID = ""
	tx.Confidence = 0
	tx.MatchedBy = ""
	tx.MatchedAt = nil
	return nil
}
