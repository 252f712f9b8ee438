package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Environment string

const (
	EnvironmentTest Environment = "TEST"
	EnvironmentProd Environment = "PROD"
)

type CertificateStatus string

const (
	CertificateStatusPending CertificateStatus = "PENDING"
	CertificateStatusActive  CertificateStatus = "ACTIVE"
	CertificateStatusExpired CertificateStatus = "EXPIRED"
	CertificateStatusRevoked CertificateStatus = "REVOKED"
)

// certificateTransitions is the closed set of legal status moves. REVOKED is
// terminal; EXPIRED is computed at use-time but may also be persisted.
var certificateTransitions = map[CertificateStatus][]CertificateStatus{
	CertificateStatusPending: {CertificateStatusActive, CertificateStatusRevoked},
	CertificateStatusActive:  {CertificateStatusExpired, CertificateStatusRevoked},
	CertificateStatusExpired: {CertificateStatusRevoked},
	CertificateStatusRevoked: {},
}

func (s CertificateStatus) CanTransitionTo(next CertificateStatus) bool {
	for _, allowed := range certificateTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// FiscalCertificate holds the envelope-encrypted signing credentials for one
// (tenant, environment) pair. At most one row per pair may be ACTIVE.
type FiscalCertificate struct {
	ID               string            `json:"id" gorm:"primaryKey;size:36"`
	TenantID         string            `json:"tenant_id" gorm:"size:36;index:idx_cert_tenant_env"`
	Environment      Environment       `json:"environment" gorm:"size:8;index:idx_cert_tenant_env"`
	Status           CertificateStatus `json:"status" gorm:"size:16"`
	Subject          string            `json:"subject" gorm:"size:512"`
	SerialNumber     string            `json:"serial_number" gorm:"size:128"`
	ValidFrom        time.Time         `json:"valid_from"`
	ValidUntil       time.Time         `json:"valid_until"`
	TaxID            string            `json:"tax_id" gorm:"size:16"`
	EncryptedDataKey []byte            `json:"-" gorm:"type:varbinary(512)"`
	EncryptedBundle  []byte            `json:"-" gorm:"type:mediumblob"`
	LastUsedAt       *time.Time        `json:"last_used_at"`
	CreatedAt        time.Time         `json:"created_at"`
}

type FiscalJobStatus string

const (
	FiscalJobStatusQueued     FiscalJobStatus = "QUEUED"
	FiscalJobStatusProcessing FiscalJobStatus = "PROCESSING"
	FiscalJobStatusCompleted  FiscalJobStatus = "COMPLETED"
	FiscalJobStatusFailed     FiscalJobStatus = "FAILED"
	FiscalJobStatusDead       FiscalJobStatus = "DEAD"
)

// fiscalJobTransitions encodes the job state machine. QUEUED appears as a
// target of FAILED/DEAD because a manual retry re-arms the job.
var fiscalJobTransitions = map[FiscalJobStatus][]FiscalJobStatus{
	FiscalJobStatusQueued:     {FiscalJobStatusProcessing, FiscalJobStatusQueued},
	FiscalJobStatusProcessing: {FiscalJobStatusCompleted, FiscalJobStatusFailed, FiscalJobStatusDead},
	FiscalJobStatusFailed:     {FiscalJobStatusProcessing, FiscalJobStatusQueued},
	FiscalJobStatusDead:       {FiscalJobStatusQueued},
	FiscalJobStatusCompleted:  {},
}

func (s FiscalJobStatus) CanTransitionTo(next FiscalJobStatus) bool {
	for _, allowed := range fiscalJobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the status admits no further automatic processing.
func (s FiscalJobStatus) Terminal() bool {
	return s == FiscalJobStatusCompleted || s == FiscalJobStatusDead
}

type FiscalMessageType string

const (
	FiscalMessageTypeInvoice  FiscalMessageType = "INVOICE"
	FiscalMessageTypeReversal FiscalMessageType = "REVERSAL"
)

const DefaultMaxAttempts = 5

// FiscalJob is the durable unit of fiscalization work, unique per
// (tenant, invoice, message type).
type FiscalJob struct {
	ID            string            `json:"id" gorm:"primaryKey;size:36"`
	TenantID      string            `json:"tenant_id" gorm:"size:36;uniqueIndex:idx_job_identity"`
	CertificateID string            `json:"certificate_id" gorm:"size:36"`
	InvoiceID     string            `json:"invoice_id" gorm:"size:36;uniqueIndex:idx_job_identity"`
	MessageType   FiscalMessageType `json:"message_type" gorm:"size:16;uniqueIndex:idx_job_identity"`
	Status        FiscalJobStatus   `json:"status" gorm:"size:16;index"`
	AttemptCount  int               `json:"attempt_count"`
	MaxAttempts   int               `json:"max_attempts"`
	NextAttemptAt time.Time         `json:"next_attempt_at" gorm:"index"`
	LockedBy      *string           `json:"locked_by" gorm:"size:64"`
	LockedAt      *time.Time        `json:"locked_at"`

	// Result fields.
	UniqueID       string `json:"unique_id" gorm:"size:64"`
	ProtectiveCode string `json:"protective_code" gorm:"size:32"`
	ErrorCode      string `json:"error_code" gorm:"size:32"`
	ErrorMessage   string `json:"error_message" gorm:"size:1024"`
	LastHTTPStatus int    `json:"last_http_status"`

	// Snapshots kept for support diagnosis.
	UnsignedDocument string `json:"-" gorm:"type:mediumtext"`
	SignedDocument   string `json:"-" gorm:"type:mediumtext"`
	RawResponse      string `json:"-" gorm:"type:mediumtext"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FiscalJobResult is what a successful protocol round-trip produces.
type FiscalJobResult struct {
	UniqueID       string
	ProtectiveCode string
	RawResponse    string
	HTTPStatus     int
}

type FiscalStatus string

const (
	FiscalStatusNone      FiscalStatus = "NONE"
	FiscalStatusPending   FiscalStatus = "PENDING"
	FiscalStatusCompleted FiscalStatus = "COMPLETED"
	FiscalStatusFailed    FiscalStatus = "FAILED"
)

type PaymentMethod string

const (
	PaymentMethodCash         PaymentMethod = "CASH"
	PaymentMethodCard         PaymentMethod = "CARD"
	PaymentMethodBankTransfer PaymentMethod = "BANK_TRANSFER"
	PaymentMethodCheck        PaymentMethod = "CHECK"
	PaymentMethodOther        PaymentMethod = "OTHER"
)

type InvoiceStatus string

const (
	InvoiceStatusDraft     InvoiceStatus = "DRAFT"
	InvoiceStatusSent      InvoiceStatus = "SENT"
	InvoiceStatusPaid      InvoiceStatus = "PAID"
	InvoiceStatusCancelled InvoiceStatus = "CANCELLED"
)

type InvoiceLine struct {
	ID          string          `json:"id" gorm:"primaryKey;size:36"`
	InvoiceID   string          `json:"invoice_id" gorm:"size:36;index"`
	Description string          `json:"description" gorm:"size:512"`
	Quantity    decimal.Decimal `json:"quantity" gorm:"type:decimal(14,4)"`
	UnitPrice   decimal.Decimal `json:"unit_price" gorm:"type:decimal(14,2)"`
	VATRate     decimal.Decimal `json:"vat_rate" gorm:"type:decimal(5,2)"`
}

// Total is quantity × unit price, rounded to two decimals.
func (l InvoiceLine) Total() decimal.Decimal {
	return l.Quantity.Mul(l.UnitPrice).Round(2)
}

// Invoice is an external entity; this core reads it as input to the decision
// engine, message builder and matcher, and writes back fiscal result fields
// and payment state.
type Invoice struct {
	ID             string        `json:"id" gorm:"primaryKey;size:36"`
	TenantID       string        `json:"tenant_id" gorm:"size:36;index"`
	Number         string        `json:"number" gorm:"size:64"`
	SequenceNumber string        `json:"sequence_number" gorm:"size:16"`
	PremisesCode   string        `json:"premises_code" gorm:"size:16"`
	DeviceCode     string        `json:"device_code" gorm:"size:16"`
	Status         InvoiceStatus `json:"status" gorm:"size:16"`
	PaymentMethod  PaymentMethod `json:"payment_method" gorm:"size:16"`
	BuyerName      string        `json:"buyer_name" gorm:"size:256"`
	OperatorTaxID  string        `json:"operator_tax_id" gorm:"size:16"`
	IssuedAt       time.Time     `json:"issued_at"`
	DueDate        *time.Time    `json:"due_date"`

	Total decimal.Decimal `json:"total" gorm:"type:decimal(14,2)"`
	Lines []InvoiceLine   `json:"lines" gorm:"foreignKey:InvoiceID"`

	// Fiscalization mirror, written only by this core.
	FiscalStatus   FiscalStatus `json:"fiscal_status" gorm:"size:16"`
	UniqueID       string       `json:"unique_id" gorm:"size:64"`
	ProtectiveCode string       `json:"protective_code" gorm:"size:32"`
	FiscalizedAt   *time.Time   `json:"fiscalized_at"`

	PaidAt *time.Time `json:"paid_at"`
}

type ExpenseStatus string

const (
	ExpenseStatusPending ExpenseStatus = "PENDING"
	ExpenseStatusPaid    ExpenseStatus = "PAID"
)

type Expense struct {
	ID            string          `json:"id" gorm:"primaryKey;size:36"`
	TenantID      string          `json:"tenant_id" gorm:"size:36;index"`
	VendorName    string          `json:"vendor_name" gorm:"size:256"`
	Status        ExpenseStatus   `json:"status" gorm:"size:16"`
	Total         decimal.Decimal `json:"total" gorm:"type:decimal(14,2)"`
	ExpenseDate   time.Time       `json:"expense_date"`
	PaymentMethod PaymentMethod   `json:"payment_method" gorm:"size:16"`
	PaidAt        *time.Time      `json:"paid_at"`
}

// Company carries the tenant configuration this core consumes.
type Company struct {
	ID                   string      `json:"id" gorm:"primaryKey;size:36"`
	Name                 string      `json:"name" gorm:"size:256"`
	TaxID                string      `json:"tax_id" gorm:"size:16"`
	VATRegistered        bool        `json:"vat_registered"`
	FiscalizationEnabled bool        `json:"fiscalization_enabled"`
	FiscalEnvironment    Environment `json:"fiscal_environment" gorm:"size:8"`
}

type MatchStatus string

const (
	MatchStatusUnmatched     MatchStatus = "UNMATCHED"
	MatchStatusAutoMatched   MatchStatus = "AUTO_MATCHED"
	MatchStatusManualMatched MatchStatus = "MANUAL_MATCHED"
	MatchStatusIgnored       MatchStatus = "IGNORED"
)

var matchTransitions = map[MatchStatus][]MatchStatus{
	MatchStatusUnmatched:     {MatchStatusAutoMatched, MatchStatusManualMatched, MatchStatusIgnored},
	MatchStatusAutoMatched:   {MatchStatusUnmatched},
	MatchStatusManualMatched: {MatchStatusUnmatched},
	MatchStatusIgnored:       {MatchStatusUnmatched, MatchStatusManualMatched},
}

func (s MatchStatus) CanTransitionTo(next MatchStatus) bool {
	for _, allowed := range matchTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type TargetType string

const (
	TargetTypeInvoice TargetType = "INVOICE"
	TargetTypeExpense TargetType = "EXPENSE"
)

// BankTransaction is one bank feed row. Negative amounts are outgoing
// (expense side), positive incoming (invoice side).
type BankTransaction struct {
	ID          string          `json:"id" gorm:"primaryKey;size:36"`
	TenantID    string          `json:"tenant_id" gorm:"size:36;index"`
	ImportID    string          `json:"import_id" gorm:"size:36;index"`
	Date        time.Time       `json:"date"`
	Amount      decimal.Decimal `json:"amount" gorm:"type:decimal(14,2)"`
	Description string          `json:"description" gorm:"size:512"`
	Reference   string          `json:"reference" gorm:"size:256"`

	MatchStatus       MatchStatus `json:"match_status" gorm:"size:16;index"`
	MatchedTargetType TargetType  `json:"matched_target_type" gorm:"size:16"`
	MatchedTargetID   string      `json:"matched_target_id" gorm:"size:36"`
	Confidence        int         `json:"confidence"`
	MatchedAt         *time.Time  `json:"matched_at"`
	MatchedBy         string      `json:"matched_by" gorm:"size:64"`
}

// MatchCandidate is a scored pairing of a transaction against one target.
// Produced fresh on every matching pass, never persisted.
type MatchCandidate struct {
	TargetType TargetType `json:"target_type"`
	TargetID   string     `json:"target_id"`
	Score      int        `json:"score"`
	Reason     string     `json:"reason"`
}

type ImportStatus string

const (
	ImportStatusProcessing ImportStatus = "processing"
	ImportStatusCompleted  ImportStatus = "completed"
	ImportStatusFailed     ImportStatus = "failed"
)

// StatementImport tracks one bank statement upload.
type StatementImport struct {
	ID            string       `json:"id" gorm:"primaryKey;size:36"`
	TenantID      string       `json:"tenant_id" gorm:"size:36;index"`
	Status        ImportStatus `json:"status" gorm:"size:16"`
	ProcessedRows int          `json:"processed_rows"`
	SkippedRows   int          `json:"skipped_rows"`
	TotalRows     int          `json:"total_rows"`
	CreatedAt     time.Time    `json:"created_at"`
	CompletedAt   *time.Time   `json:"completed_at,omitempty"`
}
