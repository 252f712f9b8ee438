package domain

import (
	"context"
	"time"
)

// Repository is the persistence boundary for the fiscalization pipeline and
// the reconciliation engine. Two implementations exist: a mutex-guarded
// in-memory store and a GORM/MySQL store whose job claim uses
// FOR UPDATE SKIP LOCKED.
type Repository interface {
	// Company configuration
	GetCompany(ctx context.Context, tenantID string) (*Company, error)
	SaveCompany(ctx context.Context, company *Company) error

	// Certificates
	CreateCertificate(ctx context.Context, cert *FiscalCertificate) error
	GetCertificate(ctx context.Context, id string) (*FiscalCertificate, error)
	GetCertificateByEnvironment(ctx context.Context, tenantID string, env Environment) (*FiscalCertificate, error)
	TouchCertificateLastUsed(ctx context.Context, id string, at time.Time) error
	RevokeCertificate(ctx context.Context, id string) error

	// Invoices
	GetInvoice(ctx context.Context, id string) (*Invoice, error)
	SaveInvoice(ctx context.Context, invoice *Invoice) error
	UpdateInvoiceFiscalStatus(ctx context.Context, id string, status FiscalStatus) error
	MarkInvoicePaid(ctx context.Context, id string, paidAt time.Time) error
	ClearInvoicePayment(ctx context.Context, id string) error
	ListOpenInvoices(ctx context.Context, tenantID string) ([]Invoice, error)

	// Expenses
	GetExpense(ctx context.Context, id string) (*Expense, error)
	SaveExpense(ctx context.Context, expense *Expense) error
	MarkExpensePaid(ctx context.Context, id string, paidAt time.Time, method PaymentMethod) error
	ClearExpensePayment(ctx context.Context, id string) error
	ListOpenExpenses(ctx context.Context, tenantID string) ([]Expense, error)

	// Fiscal job queue
	EnqueueFiscalJob(ctx context.Context, tenantID, invoiceID, certificateID string, messageType FiscalMessageType) (*FiscalJob, error)
	GetFiscalJob(ctx context.Context, id string) (*FiscalJob, error)
	HasActiveFiscalJob(ctx context.Context, tenantID, invoiceID string) (bool, error)
	ClaimFiscalJobs(ctx context.Context, workerID string, batchSize int, staleLockThreshold time.Duration) ([]FiscalJob, error)
	SaveFiscalJobDocuments(ctx context.Context, id, unsigned, signed string) error
	CompleteFiscalJob(ctx context.Context, id string, result FiscalJobResult) error
	FailFiscalJob(ctx context.Context, id string, retriable bool, errorCode, errorMessage string, httpStatus int) (FiscalJobStatus, error)
	RecoverStaleFiscalLocks(ctx context.Context, staleLockThreshold time.Duration) (int, error)
	RetryFiscalJob(ctx context.Context, id string) error

	// Statement imports & bank transactions
	CreateImport(ctx context.Context, imp *StatementImport) error
	GetImport(ctx context.Context, id string) (*StatementImport, error)
	UpdateImportStatus(ctx context.Context, id string, status ImportStatus) error
	IncrementImportRows(ctx context.Context, id string, processed, skipped int) error
	CreateBankTransaction(ctx context.Context, tx *BankTransaction) error
	GetBankTransaction(ctx context.Context, id string) (*BankTransaction, error)
	ListUnmatchedTransactions(ctx context.Context, tenantID string) ([]BankTransaction, error)
	ApplyTransactionMatch(ctx context.Context, id string, status MatchStatus, targetType TargetType, targetID string, confidence int, matchedBy string, matchedAt time.Time) error
	ClearTransactionMatch(ctx context.Context, id string) error
}
