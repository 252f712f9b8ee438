package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Wandeon/FiskAI-App-sub000/internal/domain"
	"github.com/Wandeon/FiskAI-App-sub000/pkg/backoff"
)

// GormStore is the MySQL Repository. Job claiming runs inside a transaction
// with FOR UPDATE SKIP LOCKED, so concurrent workers never block on or claim
// each other's rows.
type GormStore struct {
	db          *gorm.DB
	retryPolicy backoff.Policy
}

func NewGormStore(dsn string) (*GormStore, error) {
	if !strings.Contains(dsn, "parseTime=true") {
		return nil, fmt.Errorf("storage: DSN must carry parseTime=true")
	}

	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}

	if err := db.AutoMigrate(
		&domain.Company{},
		&domain.FiscalCertificate{},
		&domain.Invoice{},
		&domain.InvoiceLine{},
		&domain.Expense{},
		&domain.FiscalJob{},
		&domain.StatementImport{},
		&domain.BankTransaction{},
	); err != nil {
		return nil, fmt.Errorf("storage: migrate schema: %w", err)
	}

	return &GormStore{db: db, retryPolicy: backoff.Default()}, nil
}

func notFound(err error, sentinel error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return sentinel
	}
	return err
}

// Company configuration

func (s *GormStore) GetCompany(ctx context.Context, tenantID string) (*domain.Company, error) {
	var company domain.Company
	if err := s.db.WithContext(ctx).First(&company, "id = ?", tenantID).Error; err != nil {
		return nil, notFound(err, domain.ErrCompanyNotFound)
	}
	return &company, nil
}

func (s *GormStore) SaveCompany(ctx context.Context, company *domain.Company) error {
	return s.db.WithContext(ctx).Save(company).Error
}

// Certificates

func (s *GormStore) CreateCertificate(ctx context.Context, cert *domain.FiscalCertificate) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if cert.Status == domain.CertificateStatusActive {
			if err := tx.Model(&domain.FiscalCertificate{}).
				Where("tenant_id = ? AND environment = ? AND status = ?",
					cert.TenantID, cert.Environment, domain.CertificateStatusActive).
				Update("status", domain.CertificateStatusRevoked).Error; err != nil {
				return err
			}
		}
		return tx.Create(cert).Error
	})
}

func (s *GormStore) GetCertificate(ctx context.Context, id string) (*domain.FiscalCertificate, error) {
	var cert domain.FiscalCertificate
	if err := s.db.WithContext(ctx).First(&cert, "id = ?", id).Error; err != nil {
		return nil, notFound(err, domain.ErrCertificateNotFound)
	}
	return &cert, nil
}

func (s *GormStore) GetCertificateByEnvironment(ctx context.Context, tenantID string, env domain.Environment) (*domain.FiscalCertificate, error) {
	var cert domain.FiscalCertificate
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND environment = ?", tenantID, env).
		Order("CASE WHEN status = 'ACTIVE' THEN 0 ELSE 1 END, created_at DESC").
		First(&cert).Error
	if err != nil {
		return nil, notFound(err, domain.ErrCertificateNotFound)
	}
	return &cert, nil
}

func (s *GormStore) TouchCertificateLastUsed(ctx context.Context, id string, at time.Time) error {
	return s.db.WithContext(ctx).Model(&domain.FiscalCertificate{}).
		Where("id = ?", id).
		Update("last_used_at", at).Error
}

func (s *GormStore) RevokeCertificate(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cert domain.FiscalCertificate
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&cert, "id = ?", id).Error; err != nil {
			return notFound(err, domain.ErrCertificateNotFound)
		}

		var active int64
		if err := tx.Model(&domain.FiscalJob{}).
			Where("tenant_id = ? AND status IN ?", cert.TenantID,
				[]domain.FiscalJobStatus{domain.FiscalJobStatusQueued, domain.FiscalJobStatusProcessing}).
			Count(&active).Error; err != nil {
			return err
		}
		if active > 0 {
			return domain.ErrCertificateInUse
		}

		if !cert.Status.CanTransitionTo(domain.CertificateStatusRevoked) {
			return &domain.TransitionError{Entity: "certificate", From: string(cert.Status), To: string(domain.CertificateStatusRevoked)}
		}

		return tx.Model(&cert).Update("status", domain.CertificateStatusRevoked).Error
	})
}

// Invoices

func (s *GormStore) GetInvoice(ctx context.Context, id string) (*domain.Invoice, error) {
	var invoice domain.Invoice
	if err := s.db.WithContext(ctx).Preload("Lines").First(&invoice, "id = ?", id).Error; err != nil {
		return nil, notFound(err, domain.ErrInvoiceNotFound)
	}
	return &invoice, nil
}

func (s *GormStore) SaveInvoice(ctx context.Context, invoice *domain.Invoice) error {
	return s.db.WithContext(ctx).Session(&gorm.Session{FullSaveAssociations: true}).Save(invoice).Error
}

func (s *GormStore) UpdateInvoiceFiscalStatus(ctx context.Context, id string, status domain.FiscalStatus) error {
	res := s.db.WithContext(ctx).Model(&domain.Invoice{}).
		Where("id = ?", id).
		Update("fiscal_status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrInvoiceNotFound
	}
	return nil
}

func (s *GormStore) MarkInvoicePaid(ctx context.Context, id string, paidAt time.Time) error {
	res := s.db.WithContext(ctx).Model(&domain.Invoice{}).
		Where("id = ? AND status <> ?", id, domain.InvoiceStatusPaid).
		Updates(map[string]interface{}{
			"status":  domain.InvoiceStatusPaid,
			"paid_at": paidAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var count int64
		s.db.WithContext(ctx).Model(&domain.Invoice{}).Where("id = ?", id).Count(&count)
		if count == 0 {
			return domain.ErrInvoiceNotFound
		}
		return domain.ErrAlreadySettled
	}
	return nil
}

func (s *GormStore) ClearInvoicePayment(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.Invoice{}).
			Where("id = ? AND status = ?", id, domain.InvoiceStatusPaid).
			Update("status", domain.InvoiceStatusSent)
		if res.Error != nil {
			return res.Error
		}
		return tx.Model(&domain.Invoice{}).
			Where("id = ?", id).
			Update("paid_at", nil).Error
	})
}

func (s *GormStore) ListOpenInvoices(ctx context.Context, tenantID string) ([]domain.Invoice, error) {
	var invoices []domain.Invoice
	err := s.db.WithContext(ctx).Preload("Lines").
		Where("tenant_id = ? AND status NOT IN ?", tenantID,
			[]domain.InvoiceStatus{domain.InvoiceStatusPaid, domain.InvoiceStatusCancelled}).
		Order("id ASC").
		Find(&invoices).Error
	return invoices, err
}

// Expenses

func (s *GormStore) GetExpense(ctx context.Context, id string) (*domain.Expense, error) {
	var expense domain.Expense
	if err := s.db.WithContext(ctx).First(&expense, "id = ?", id).Error; err != nil {
		return nil, notFound(err, domain.ErrExpenseNotFound)
	}
	return &expense, nil
}

func (s *GormStore) SaveExpense(ctx context.Context, expense *domain.Expense) error {
	return s.db.WithContext(ctx).Save(expense).Error
}

func (s *GormStore) MarkExpensePaid(ctx context.Context, id string, paidAt time.Time, method domain.PaymentMethod) error {
	res := s.db.WithContext(ctx).Model(&domain.Expense{}).
		Where("id = ? AND status <> ?", id, domain.ExpenseStatusPaid).
		Updates(map[string]interface{}{
			"status":         domain.ExpenseStatusPaid,
			"paid_at":        paidAt,
			"payment_method": method,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var count int64
		s.db.WithContext(ctx).Model(&domain.Expense{}).Where("id = ?", id).Count(&count)
		if count == 0 {
			return domain.ErrExpenseNotFound
		}
		return domain.ErrAlreadySettled
	}
	return nil
}

func (s *GormStore) ClearExpensePayment(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Model(&domain.Expense{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":  domain.ExpenseStatusPending,
			"paid_at": nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrExpenseNotFound
	}
	return nil
}

func (s *GormStore) ListOpenExpenses(ctx context.Context, tenantID string) ([]domain.Expense, error) {
	var expenses []domain.Expense
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND status <> ?", tenantID, domain.ExpenseStatusPaid).
		Order("id ASC").
		Find(&expenses).Error
	return expenses, err
}

// Fiscal job queue

func (s *GormStore) EnqueueFiscalJob(ctx context.Context, tenantID, invoiceID, certificateID string, messageType domain.FiscalMessageType) (*domain.FiscalJob, error) {
	var job domain.FiscalJob

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()

		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("tenant_id = ? AND invoice_id = ? AND message_type = ?", tenantID, invoiceID, messageType).
			First(&job).Error

		switch {
		case err == nil:
			if job.Status == domain.FiscalJobStatusFailed || job.Status == domain.FiscalJobStatusDead {
				job.Status = domain.FiscalJobStatusQueued
				job.AttemptCount = 0
				job.NextAttemptAt = now
				job.LockedBy = nil
				job.LockedAt = nil
				job.ErrorCode = ""
				job.ErrorMessage = ""
				job.LastHTTPStatus = 0
				if certificateID != "" {
					job.CertificateID = certificateID
				}
				return tx.Save(&job).Error
			}
			return nil
		case errors.Is(err, gorm.ErrRecordNotFound):
			job = domain.FiscalJob{
				ID:            uuid.New().String(),
				TenantID:      tenantID,
				CertificateID: certificateID,
				InvoiceID:     invoiceID,
				MessageType:   messageType,
				Status:        domain.FiscalJobStatusQueued,
				MaxAttempts:   domain.DefaultMaxAttempts,
				NextAttemptAt: now,
			}
			return tx.Create(&job).Error
		default:
			return err
		}
	})
	if err != nil {
		return nil, err
	}

	return &job, nil
}

func (s *GormStore) GetFiscalJob(ctx context.Context, id string) (*domain.FiscalJob, error) {
	var job domain.FiscalJob
	if err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		return nil, notFound(err, domain.ErrJobNotFound)
	}
	return &job, nil
}

func (s *GormStore) HasActiveFiscalJob(ctx context.Context, tenantID, invoiceID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&domain.FiscalJob{}).
		Where("tenant_id = ? AND invoice_id = ? AND status IN ?", tenantID, invoiceID,
			[]domain.FiscalJobStatus{domain.FiscalJobStatusQueued, domain.FiscalJobStatusProcessing}).
		Count(&count).Error
	return count > 0, err
}

func (s *GormStore) ClaimFiscalJobs(ctx context.Context, workerID string, batchSize int, staleLockThreshold time.Duration) ([]domain.FiscalJob, error) {
	now := time.Now()
	staleBefore := now.Add(-staleLockThreshold)

	var claimed []domain.FiscalJob
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.
			Where("status IN ?", []domain.FiscalJobStatus{domain.FiscalJobStatusQueued, domain.FiscalJobStatusFailed}).
			Where("next_attempt_at <= ?", now).
			Where("attempt_count < max_attempts").
			Where("(locked_at IS NULL OR locked_at <= ?)", staleBefore).
			Order("next_attempt_at ASC").
			Limit(batchSize).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		if err := q.Find(&claimed).Error; err != nil {
			return err
		}
		if len(claimed) == 0 {
			return nil
		}

		for i := range claimed {
			claimed[i].Status = domain.FiscalJobStatusProcessing
			worker := workerID
			lockedAt := now
			claimed[i].LockedBy = &worker
			claimed[i].LockedAt = &lockedAt

			if err := tx.Model(&domain.FiscalJob{}).
				Where("id = ?", claimed[i].ID).
				Updates(map[string]interface{}{
					"status":    domain.FiscalJobStatusProcessing,
					"locked_by": claimed[i].LockedBy,
					"locked_at": claimed[i].LockedAt,
				}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return claimed, nil
}

func (s *GormStore) SaveFiscalJobDocuments(ctx context.Context, id, unsigned, signed string) error {
	return s.db.WithContext(ctx).Model(&domain.FiscalJob{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"unsigned_document": unsigned,
			"signed_document":   signed,
		}).Error
}

func (s *GormStore) CompleteFiscalJob(ctx context.Context, id string, result domain.FiscalJobResult) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job domain.FiscalJob
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&job, "id = ?", id).Error; err != nil {
			return notFound(err, domain.ErrJobNotFound)
		}

		if !job.Status.CanTransitionTo(domain.FiscalJobStatusCompleted) {
			return &domain.TransitionError{Entity: "fiscal_job", From: string(job.Status), To: string(domain.FiscalJobStatusCompleted)}
		}

		now := time.Now()
		if err := tx.Model(&job).Updates(map[string]interface{}{
			"status":           domain.FiscalJobStatusCompleted,
			"unique_id":        result.UniqueID,
			"protective_code":  result.ProtectiveCode,
			"raw_response":     result.RawResponse,
			"last_http_status": result.HTTPStatus,
			"error_code":       "",
			"error_message":    "",
			"locked_by":        nil,
			"locked_at":        nil,
		}).Error; err != nil {
			return err
		}

		if job.InvoiceID == "" {
			return nil
		}

		// Same transaction boundary as the job update: no window where the
		// job reads COMPLETED while the invoice is stale.
		return tx.Model(&domain.Invoice{}).
			Where("id = ?", job.InvoiceID).
			Updates(map[string]interface{}{
				"unique_id":       result.UniqueID,
				"protective_code": result.ProtectiveCode,
				"fiscalized_at":   now,
				"fiscal_status":   domain.FiscalStatusCompleted,
			}).Error
	})
}

func (s *GormStore) FailFiscalJob(ctx context.Context, id string, retriable bool, errorCode, errorMessage string, httpStatus int) (domain.FiscalJobStatus, error) {
	var next domain.FiscalJobStatus

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job domain.FiscalJob
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&job, "id = ?", id).Error; err != nil {
			return notFound(err, domain.ErrJobNotFound)
		}

		now := time.Now()
		attempts := job.AttemptCount + 1

		next = domain.FiscalJobStatusFailed
		if !retriable || attempts >= job.MaxAttempts {
			next = domain.FiscalJobStatusDead
		}

		if !job.Status.CanTransitionTo(next) {
			return &domain.TransitionError{Entity: "fiscal_job", From: string(job.Status), To: string(next)}
		}

		updates := map[string]interface{}{
			"status":           next,
			"attempt_count":    attempts,
			"error_code":       errorCode,
			"error_message":    errorMessage,
			"last_http_status": httpStatus,
			"locked_by":        nil,
			"locked_at":        nil,
		}
		if next == domain.FiscalJobStatusFailed {
			updates["next_attempt_at"] = now.Add(s.retryPolicy.JitteredDelay(attempts))
		}

		return tx.Model(&job).Updates(updates).Error
	})
	if err != nil {
		return "", err
	}

	return next, nil
}

func (s *GormStore) RecoverStaleFiscalLocks(ctx context.Context, staleLockThreshold time.Duration) (int, error) {
	now := time.Now()
	staleBefore := now.Add(-staleLockThreshold)

	res := s.db.WithContext(ctx).Model(&domain.FiscalJob{}).
		Where("status = ? AND (locked_at IS NULL OR locked_at <= ?)", domain.FiscalJobStatusProcessing, staleBefore).
		Updates(map[string]interface{}{
			"status":          domain.FiscalJobStatusFailed,
			"error_code":      "STALE_LOCK",
			"error_message":   "processing lock expired, worker presumed crashed",
			"next_attempt_at": now,
			"locked_by":       nil,
			"locked_at":       nil,
		})
	if res.Error != nil {
		return 0, res.Error
	}

	return int(res.RowsAffected), nil
}

func (s *GormStore) RetryFiscalJob(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Model(&domain.FiscalJob{}).
		Where("id = ? AND status IN ?", id,
			[]domain.FiscalJobStatus{domain.FiscalJobStatusFailed, domain.FiscalJobStatusDead}).
		Updates(map[string]interface{}{
			"status":           domain.FiscalJobStatusQueued,
			"attempt_count":    0,
			"next_attempt_at":  time.Now(),
			"error_code":       "",
			"error_message":    "",
			"last_http_status": 0,
			"locked_by":        nil,
			"locked_at":        nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var count int64
		s.db.WithContext(ctx).Model(&domain.FiscalJob{}).Where("id = ?", id).Count(&count)
		if count == 0 {
			return domain.ErrJobNotFound
		}
		return domain.ErrJobNotRetryable
	}

	return nil
}

// Statement imports & bank transactions

func (s *GormStore) CreateImport(ctx context.Context, imp *domain.StatementImport) error {
	return s.db.WithContext(ctx).Create(imp).Error
}

func (s *GormStore) GetImport(ctx context.Context, id string) (*domain.StatementImport, error) {
	var imp domain.StatementImport
	if err := s.db.WithContext(ctx).First(&imp, "id = ?", id).Error; err != nil {
		return nil, notFound(err, domain.ErrImportNotFound)
	}
	return &imp, nil
}

func (s *GormStore) UpdateImportStatus(ctx context.Context, id string, status domain.ImportStatus) error {
	updates := map[string]interface{}{"status": status}
	if status == domain.ImportStatusCompleted || status == domain.ImportStatusFailed {
		updates["completed_at"] = time.Now()
	}

	res := s.db.WithContext(ctx).Model(&domain.StatementImport{}).
		Where("id = ?", id).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrImportNotFound
	}
	return nil
}

func (s *GormStore) IncrementImportRows(ctx context.Context, id string, processed, skipped int) error {
	res := s.db.WithContext(ctx).Model(&domain.StatementImport{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"processed_rows": gorm.Expr("processed_rows + ?", processed),
			"skipped_rows":   gorm.Expr("skipped_rows + ?", skipped),
			"total_rows":     gorm.Expr("total_rows + ?", processed+skipped),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrImportNotFound
	}
	return nil
}

func (s *GormStore) CreateBankTransaction(ctx context.Context, tx *domain.BankTransaction) error {
	if tx.MatchStatus == "" {
		tx.MatchStatus = domain.MatchStatusUnmatched
	}
	return s.db.WithContext(ctx).Create(tx).Error
}

func (s *GormStore) GetBankTransaction(ctx context.Context, id string) (*domain.BankTransaction, error) {
	var tx domain.BankTransaction
	if err := s.db.WithContext(ctx).First(&tx, "id = ?", id).Error; err != nil {
		return nil, notFound(err, domain.ErrTransactionNotFound)
	}
	return &tx, nil
}

func (s *GormStore) ListUnmatchedTransactions(ctx context.Context, tenantID string) ([]domain.BankTransaction, error) {
	var transactions []domain.BankTransaction
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND match_status = ?", tenantID, domain.MatchStatusUnmatched).
		Order("id ASC").
		Find(&transactions).Error
	return transactions, err
}

func (s *GormStore) ApplyTransactionMatch(ctx context.Context, id string, status domain.MatchStatus, targetType domain.TargetType, targetID string, confidence int, matchedBy string, matchedAt time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row domain.BankTransaction
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&row, "id = ?", id).Error; err != nil {
			return notFound(err, domain.ErrTransactionNotFound)
		}

		if !row.MatchStatus.CanTransitionTo(status) {
			return &domain.TransitionError{Entity: "bank_transaction", From: string(row.MatchStatus), To: string(status)}
		}

		return tx.Model(&row).Updates(map[string]interface{}{
			"match_status":        status,
			"matched_target_type": targetType,
			"matched_target_id":   targetID,
			"confidence":          confidence,
			"matched_by":          matchedBy,
			"matched_at":          matchedAt,
		}).Error
	})
}

func (s *GormStore) ClearTransactionMatch(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Model(&domain.BankTransaction{}).
		Where("id = ? AND match_status IN ?", id,
			[]domain.MatchStatus{domain.MatchStatusAutoMatched, domain.MatchStatusManualMatched}).
		Updates(map[string]interface{}{
			"match_status":        domain.MatchStatusUnmatched,
			"matched_target_type": "",
			"matched_target_id":   "",
			"confidence":          0,
			"matched_by":          "",
			"matched_at":          nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var count int64
		s.db.WithContext(ctx).Model(&domain.BankTransaction{}).Where("id = ?", id).Count(&count)
		if count == 0 {
			return domain.ErrTransactionNotFound
		}
		return domain.ErrNotMatched
	}
	return nil
}
