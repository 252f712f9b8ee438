package processor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Wandeon/FiskAI-App-sub000/internal/certstore"
	"github.com/Wandeon/FiskAI-App-sub000/internal/domain"
	"github.com/Wandeon/FiskAI-App-sub000/internal/fiscal"
	"github.com/Wandeon/FiskAI-App-sub000/pkg/logger"
)

// temporaryCodePrefix marks authority error codes that signal a server-side
// or transient condition. Anything else from the authority is a rejection of
// the message itself and retrying cannot change the answer.
const temporaryCodePrefix = "s"

type Config struct {
	BatchSize          int
	StaleLockThreshold time.Duration
	Parallelism        int
	PassCeiling        time.Duration
}

func DefaultConfig() Config {
	return Config{
		BatchSize:          25,
		StaleLockThreshold: 10 * time.Minute,
		Parallelism:        4,
		PassCeiling:        60 * time.Second,
	}
}

// PassReport summarizes one scheduler-triggered pass. Skipped counts claimed
// jobs left PROCESSING because the pass ceiling expired before their turn;
// stale-lock recovery picks them up on a later pass.
type PassReport struct {
	WorkerID  string `json:"worker_id"`
	Recovered int    `json:"recovered"`
	Claimed   int    `json:"claimed"`
	Completed int    `json:"completed"`
	Retried   int    `json:"retried"`
	Dead      int    `json:"dead"`
	Skipped   int    `json:"skipped"`
}

// Processor drives claimed fiscal jobs through the submission pipeline and
// classifies the outcomes. It owns no schedule of its own; an external
// trigger invokes RunOnce periodically.
type Processor struct {
	repo    domain.Repository
	certs   *certstore.Store
	client  *fiscal.Client
	builder *fiscal.MessageBuilder
	log     *logger.Logger
	cfg     Config
}

func New(repo domain.Repository, certs *certstore.Store, client *fiscal.Client, builder *fiscal.MessageBuilder, log *logger.Logger, cfg Config) *Processor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.StaleLockThreshold <= 0 {
		cfg.StaleLockThreshold = DefaultConfig().StaleLockThreshold
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = DefaultConfig().Parallelism
	}
	if cfg.PassCeiling <= 0 {
		cfg.PassCeiling = DefaultConfig().PassCeiling
	}

	return &Processor{
		repo:    repo,
		certs:   certs,
		client:  client,
		builder: builder,
		log:     log,
		cfg:     cfg,
	}
}

// RunOnce executes a single pass: recover stale locks, claim a batch under a
// fresh worker identity, and run the claimed jobs in bounded parallelism.
// The claim step already guarantees exclusivity, so jobs are independent.
func (p *Processor) RunOnce(ctx context.Context) (*PassReport, error) {
	report := &PassReport{WorkerID: uuid.New().String()}

	recovered, err := p.repo.RecoverStaleFiscalLocks(ctx, p.cfg.StaleLockThreshold)
	if err != nil {
		return nil, fmt.Errorf("recover stale locks: %w", err)
	}
	report.Recovered = recovered
	if recovered > 0 {
		p.log.Warn(ctx, "recovered stale job locks", "count", recovered)
	}

	jobs, err := p.repo.ClaimFiscalJobs(ctx, report.WorkerID, p.cfg.BatchSize, p.cfg.StaleLockThreshold)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	report.Claimed = len(jobs)
	if len(jobs) == 0 {
		return report, nil
	}

	results := make([]domain.FiscalJobStatus, len(jobs))

	// Hard ceiling on the pass. Jobs whose turn comes after expiry keep
	// their PROCESSING lock and fall to stale-lock recovery.
	passCtx, cancel := context.WithTimeout(ctx, p.cfg.PassCeiling)
	defer cancel()

	g, gctx := errgroup.WithContext(passCtx)
	g.SetLimit(p.cfg.Parallelism)
	for i := range jobs {
		i := i
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			results[i] = p.processJob(gctx, &jobs[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, status := range results {
		switch status {
		case domain.FiscalJobStatusCompleted:
			report.Completed++
		case domain.FiscalJobStatusFailed:
			report.Retried++
		case domain.FiscalJobStatusDead:
			report.Dead++
		default:
			report.Skipped++
		}
	}

	if report.Skipped > 0 {
		p.log.Warn(ctx, "pass ceiling expired before batch finished", "skipped", report.Skipped)
	}

	p.log.Info(ctx, "fiscal pass finished",
		"worker_id", report.WorkerID,
		"recovered", report.Recovered,
		"claimed", report.Claimed,
		"completed", report.Completed,
		"retried", report.Retried,
		"dead", report.Dead,
		"skipped", report.Skipped,
	)
	return report, nil
}

// processJob runs one claimed job through the pipeline and persists the
// classified outcome. It returns the job's resulting status.
func (p *Processor) processJob(ctx context.Context, job *domain.FiscalJob) domain.FiscalJobStatus {
	ctx = logger.WithJobID(ctx, job.ID)
	ctx = logger.WithTenantID(ctx, job.TenantID)

	outcome, prepErr := p.submit(ctx, job)
	if prepErr != nil {
		// Certificate load, code calculation, build and sign failures are
		// data or configuration problems; a retry cannot fix them.
		return p.fail(ctx, job, false, "PIPELINE_ERROR", prepErr.Error(), 0)
	}

	switch outcome.Kind {
	case fiscal.OutcomeSuccess:
		return p.complete(ctx, job, outcome)
	case fiscal.OutcomeProtocolError:
		retriable := strings.HasPrefix(strings.ToLower(outcome.ErrorCode), temporaryCodePrefix)
		return p.fail(ctx, job, retriable, outcome.ErrorCode, outcome.ErrorMessage, outcome.HTTPStatus)
	case fiscal.OutcomeTransportFault:
		retriable := outcome.HTTPStatus >= 500 || outcome.HTTPStatus == 429 || outcome.HTTPStatus == 0
		return p.fail(ctx, job, retriable, outcome.ErrorCode, outcome.ErrorMessage, outcome.HTTPStatus)
	case fiscal.OutcomeParseFailure, fiscal.OutcomeNetworkError:
		return p.fail(ctx, job, true, outcome.ErrorCode, outcome.ErrorMessage, outcome.HTTPStatus)
	default:
		return p.fail(ctx, job, false, "UNKNOWN_OUTCOME", string(outcome.Kind), outcome.HTTPStatus)
	}
}

// submit runs the sequential pipeline stages for one job. A non-nil error
// means a pre-transmission stage failed; once the document is on the wire
// everything comes back as a structured outcome.
func (p *Processor) submit(ctx context.Context, job *domain.FiscalJob) (fiscal.Outcome, error) {
	invoice, err := p.repo.GetInvoice(ctx, job.InvoiceID)
	if err != nil {
		return fiscal.Outcome{}, fmt.Errorf("load invoice: %w", err)
	}
	company, err := p.repo.GetCompany(ctx, job.TenantID)
	if err != nil {
		return fiscal.Outcome{}, fmt.Errorf("load company: %w", err)
	}

	cert, err := p.certs.Load(ctx, job.TenantID, company.FiscalEnvironment)
	if err != nil {
		return fiscal.Outcome{}, fmt.Errorf("load certificate: %w", err)
	}

	code, err := fiscal.ProtectiveCode(fiscal.CodeInput{
		TaxID:          cert.TaxID,
		Timestamp:      invoice.IssuedAt,
		SequenceNumber: invoice.SequenceNumber,
		PremisesCode:   invoice.PremisesCode,
		DeviceCode:     invoice.DeviceCode,
		TotalCents:     invoice.Total.Shift(2).IntPart(),
	}, cert.PrivateKey)
	if err != nil {
		return fiscal.Outcome{}, fmt.Errorf("protective code: %w", err)
	}

	document, err := p.builder.Build(invoice, company, cert.TaxID, code, job.MessageType)
	if err != nil {
		return fiscal.Outcome{}, fmt.Errorf("build document: %w", err)
	}

	signed, err := fiscal.Sign(document, cert)
	if err != nil {
		return fiscal.Outcome{}, fmt.Errorf("sign document: %w", err)
	}

	if err := p.repo.SaveFiscalJobDocuments(ctx, job.ID, document, signed); err != nil {
		p.log.Warn(ctx, "failed to snapshot job documents", "error", err)
	}

	return p.client.Submit(ctx, signed, company.FiscalEnvironment), nil
}

func (p *Processor) complete(ctx context.Context, job *domain.FiscalJob, outcome fiscal.Outcome) domain.FiscalJobStatus {
	err := p.repo.CompleteFiscalJob(ctx, job.ID, domain.FiscalJobResult{
		UniqueID:       outcome.UniqueID,
		ProtectiveCode: outcome.ProtectiveCode,
		RawResponse:    outcome.RawResponse,
		HTTPStatus:     outcome.HTTPStatus,
	})
	if err != nil {
		p.log.Error(ctx, "failed to persist completed job", "error", err)
		return job.Status
	}

	p.log.Info(ctx, "job fiscalized",
		"invoice_id", job.InvoiceID,
		"unique_id", outcome.UniqueID,
	)
	return domain.FiscalJobStatusCompleted
}

func (p *Processor) fail(ctx context.Context, job *domain.FiscalJob, retriable bool, errorCode, errorMessage string, httpStatus int) domain.FiscalJobStatus {
	status, err := p.repo.FailFiscalJob(ctx, job.ID, retriable, errorCode, errorMessage, httpStatus)
	if err != nil {
		p.log.Error(ctx, "failed to persist job failure", "error", err)
		return job.Status
	}

	// Mirror onto the invoice: retriable failures show as still pending,
	// dead jobs surface as failed and need attention.
	mirror := domain.FiscalStatusPending
	if status == domain.FiscalJobStatusDead {
		mirror = domain.FiscalStatusFailed
	}
	if err := p.repo.UpdateInvoiceFiscalStatus(ctx, job.InvoiceID, mirror); err != nil {
		p.log.Error(ctx, "failed to update invoice fiscal mirror", "error", err)
	}

	p.log.Warn(ctx, "job attempt failed",
		"invoice_id", job.InvoiceID,
		"status", string(status),
		"error_code", errorCode,
		"http_status", httpStatus,
		"retriable", retriable,
	)
	return status
}
