package service

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/Wandeon/FiskAI-App-sub000/internal/domain"
	"github.com/Wandeon/FiskAI-App-sub000/pkg/logger"
)

type StatementService interface {
	ImportStatement(ctx context.Context, tenantID string, reader io.Reader) (string, error)
	GetImportStatus(ctx context.Context, tenantID, importID string) (*domain.StatementImport, error)
}

type statementService struct {
	repo         domain.Repository
	csvProcessor CSVProcessorInterface
	logger       *logger.Logger
}

func NewStatementService(repo domain.Repository, csvProcessor CSVProcessorInterface, log *logger.Logger) StatementService {
	return &statementService{
		repo:         repo,
		csvProcessor: csvProcessor,
		logger:       log,
	}
}

// ImportStatement records the import and parses the stream asynchronously;
// callers poll GetImportStatus for progress.
func (s *statementService) ImportStatement(ctx context.Context, tenantID string, reader io.Reader) (string, error) {
	importID := uuid.New().String()

	ctx = logger.WithTenantID(ctx, tenantID)

	s.logger.Info(ctx, "Creating import record", "import_id", importID)

	imp := &domain.StatementImport{
		ID:        importID,
		TenantID:  tenantID,
		Status:    domain.ImportStatusProcessing,
		CreatedAt: time.Now(),
	}
	if err := s.repo.CreateImport(ctx, imp); err != nil {
		s.logger.Error(ctx, "Failed to create import",
			"import_id", importID,
			"error", err,
		)
		return "", err
	}

	go func() {
		processCtx := logger.WithTenantID(context.Background(), tenantID)

		s.logger.Info(processCtx, "Starting async statement processing", "import_id", importID)

		if err := s.csvProcessor.ProcessStream(processCtx, tenantID, importID, reader); err != nil {
			s.logger.Error(processCtx, "Statement processing failed",
				"import_id", importID,
				"error", err,
			)
		}

		if closer, ok := reader.(io.Closer); ok {
			closer.Close()
		}
	}()

	return importID, nil
}

func (s *statementService) GetImportStatus(ctx context.Context, tenantID, importID string) (*domain.StatementImport, error) {
	ctx = logger.WithTenantID(ctx, tenantID)

	imp, err := s.repo.GetImport(ctx, importID)
	if err != nil {
		return nil, err
	}
	if imp.TenantID != tenantID {
		return nil, domain.ErrImportNotFound
	}

	return imp, nil
}
