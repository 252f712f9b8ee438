package service

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Wandeon/FiskAI-App-sub000/internal/domain"
	"github.com/Wandeon/FiskAI-App-sub000/internal/eventbus"
	"github.com/Wandeon/FiskAI-App-sub000/pkg/logger"
)

// statementDateLayout is the date column format of the bank feed export.
const statementDateLayout = "2006-01-02"

type CSVProcessorInterface interface {
	ProcessStream(ctx context.Context, tenantID, importID string, reader io.Reader) error
}

// CSVProcessor parses one bank statement stream into persisted transactions
// and publishes one matching event per surviving row.
type CSVProcessor struct {
	eventBus eventbus.EventBus
	repo     domain.Repository
	logger   *logger.Logger
}

func NewCSVProcessor(eventBus eventbus.EventBus, repo domain.Repository, log *logger.Logger) *CSVProcessor {
	return &CSVProcessor{
		eventBus: eventBus,
		repo:     repo,
		logger:   log,
	}
}

func (p *CSVProcessor) ProcessStream(ctx context.Context, tenantID, importID string, reader io.Reader) error {
	ctx = logger.WithTenantID(ctx, tenantID)

	p.logger.Info(ctx, "Starting statement processing", "import_id", importID)

	csvReader := csv.NewReader(reader)
	csvReader.ReuseRecord = true // Optimize memory usage
	csvReader.TrimLeadingSpace = true

	lineNumber := 0
	successCount := 0
	errorCount := 0

	for {
		record, err := csvReader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			p.logger.Error(ctx, "Failed to read statement line",
				"import_id", importID,
				"line", lineNumber,
				"error", err,
			)
			errorCount++
			if accErr := p.repo.IncrementImportRows(ctx, importID, 0, 1); accErr != nil {
				p.logger.Error(ctx, "Failed to account skipped row",
					"import_id", importID,
					"error", accErr,
				)
			}
			continue
		}

		lineNumber++

		tx, err := p.parseTransaction(record, tenantID, importID)
		if err != nil {
			p.logger.Warn(ctx, "Failed to parse statement row",
				"import_id", importID,
				"line", lineNumber,
				"error", err,
			)
			errorCount++
			if accErr := p.repo.IncrementImportRows(ctx, importID, 0, 1); accErr != nil {
				p.logger.Error(ctx, "Failed to account skipped row",
					"import_id", importID,
					"error", accErr,
				)
			}
			continue
		}

		if err := p.repo.CreateBankTransaction(ctx, tx); err != nil {
			p.logger.Error(ctx, "Failed to persist transaction",
				"import_id", importID,
				"line", lineNumber,
				"error", err,
			)
			errorCount++
			continue
		}

		if err := p.repo.IncrementImportRows(ctx, importID, 1, 0); err != nil {
			p.logger.Error(ctx, "Failed to account processed row",
				"import_id", importID,
				"error", err,
			)
		}

		event := eventbus.Event{
			ID:   fmt.Sprintf("%s-%d", importID, lineNumber),
			Type: eventbus.EventTypeTransactionImported,
			Payload: eventbus.TransactionImportedEvent{
				TenantID:      tenantID,
				TransactionID: tx.ID,
				ImportID:      importID,
				LineNumber:    lineNumber,
			},
			Timestamp: time.Now(),
		}

		if err := p.eventBus.Publish(ctx, event); err != nil {
			p.logger.Error(ctx, "Failed to publish event",
				"event_id", event.ID,
				"line", lineNumber,
				"error", err,
			)
			// Row is persisted; a later manual pass can still match it.
		}

		successCount++
	}

	finalStatus := domain.ImportStatusCompleted
	if errorCount > 0 && successCount == 0 {
		finalStatus = domain.ImportStatusFailed
	}
	if err := p.repo.UpdateImportStatus(ctx, importID, finalStatus); err != nil {
		p.logger.Error(ctx, "Failed to update import status",
			"import_id", importID,
			"status", finalStatus,
			"error", err,
		)
	}

	p.logger.Info(ctx, "Statement processing completed",
		"import_id", importID,
		"total_lines", lineNumber,
		"success_count", successCount,
		"error_count", errorCount,
	)

	return nil
}

// parseTransaction expects four columns: date, signed amount, description,
// reference. The reference column may be empty.
func (p *CSVProcessor) parseTransaction(record []string, tenantID, importID string) (*domain.BankTransaction, error) {
	if len(record) != 4 {
		return nil, fmt.Errorf("invalid record format: expected 4 fields, got %d", len(record))
	}

	date, err := time.Parse(statementDateLayout, strings.TrimSpace(record[0]))
	if err != nil {
		return nil, fmt.Errorf("invalid date: %w", err)
	}

	amount, err := decimal.NewFromString(strings.TrimSpace(record[1]))
	if err != nil {
		return nil, fmt.Errorf("invalid amount: %w", err)
	}
	if amount.IsZero() {
		return nil, fmt.Errorf("zero amount")
	}

	description := strings.TrimSpace(record[2])
	if description == "" {
		return nil, fmt.Errorf("empty description")
	}

	return &domain.BankTransaction{
		ID:          uuid.New().String(),
		TenantID:    tenantID,
		ImportID:    importID,
		Date:        date,
		Amount:      amount,
		Description: description,
		Reference:   strings.TrimSpace(record[3]),
		MatchStatus: domain.MatchStatusUnmatched,
	}, nil
}
