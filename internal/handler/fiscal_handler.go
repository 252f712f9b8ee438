package handler

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Wandeon/FiskAI-App-sub000/internal/domain"
	"github.com/Wandeon/FiskAI-App-sub000/internal/processor"
	"github.com/Wandeon/FiskAI-App-sub000/internal/service"
	"github.com/Wandeon/FiskAI-App-sub000/pkg/logger"
)

type FiscalHandler struct {
	service   service.FiscalService
	processor *processor.Processor
	logger    *logger.Logger
}

func NewFiscalHandler(svc service.FiscalService, proc *processor.Processor, log *logger.Logger) *FiscalHandler {
	return &FiscalHandler{
		service:   svc,
		processor: proc,
		logger:    log,
	}
}

type fiscalizeRequest struct {
	MessageType string `json:"message_type" validate:"omitempty,oneof=INVOICE REVERSAL"`
}

// Fiscalize handles POST /invoices/:id/fiscalize.
func (h *FiscalHandler) Fiscalize(c echo.Context) error {
	ctx := c.Request().Context()

	tenantID, err := tenantID(c)
	if err != nil {
		return err
	}

	req := fiscalizeRequest{MessageType: string(domain.FiscalMessageTypeInvoice)}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.MessageType == "" {
		req.MessageType = string(domain.FiscalMessageTypeInvoice)
	}
	if err := c.Validate(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	result, err := h.service.Fiscalize(ctx, tenantID, c.Param("id"), domain.FiscalMessageType(req.MessageType))
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvoiceNotFound), errors.Is(err, domain.ErrCompanyNotFound):
			return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
		}
		h.logger.Error(ctx, "Failed to fiscalize invoice",
			"invoice_id", c.Param("id"),
			"error", err,
		)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to fiscalize invoice"})
	}

	status := http.StatusOK
	if result.Job != nil {
		status = http.StatusAccepted
	}
	return c.JSON(status, result)
}

// Retry handles POST /fiscal-jobs/:id/retry.
func (h *FiscalHandler) Retry(c echo.Context) error {
	ctx := c.Request().Context()

	tenantID, err := tenantID(c)
	if err != nil {
		return err
	}

	if err := h.service.RetryJob(ctx, tenantID, c.Param("id")); err != nil {
		switch {
		case errors.Is(err, domain.ErrJobNotFound):
			return c.JSON(http.StatusNotFound, map[string]string{"error": "job not found"})
		case errors.Is(err, domain.ErrJobNotRetryable):
			return c.JSON(http.StatusConflict, map[string]string{"error": "job is not in a retryable state"})
		}
		h.logger.Error(ctx, "Failed to retry job",
			"job_id", c.Param("id"),
			"error", err,
		)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to retry job"})
	}

	return c.JSON(http.StatusAccepted, map[string]string{
		"job_id": c.Param("id"),
		"status": string(domain.FiscalJobStatusQueued),
	})
}

// GetJob handles GET /fiscal-jobs/:id. DEAD jobs surface the stored error
// code and message verbatim for support diagnosis.
func (h *FiscalHandler) GetJob(c echo.Context) error {
	ctx := c.Request().Context()

	tenantID, err := tenantID(c)
	if err != nil {
		return err
	}

	job, err := h.service.GetJob(ctx, tenantID, c.Param("id"))
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "job not found"})
		}
		h.logger.Error(ctx, "Failed to get job",
			"job_id", c.Param("id"),
			"error", err,
		)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to get job"})
	}

	return c.JSON(http.StatusOK, job)
}

// Run handles POST /fiscalization/run, the scheduler trigger. Token
// authentication happens in middleware.
func (h *FiscalHandler) Run(c echo.Context) error {
	ctx := c.Request().Context()

	report, err := h.processor.RunOnce(ctx)
	if err != nil {
		h.logger.Error(ctx, "Processor pass failed", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "processor pass failed"})
	}

	return c.JSON(http.StatusOK, report)
}

// tenantID resolves the caller's tenant. Authentication is an upstream
// concern; by the time requests reach this service the gateway has resolved
// the tenant into a trusted header.
func tenantID(c echo.Context) (string, error) {
	id := c.Request().Header.Get("X-Tenant-ID")
	if id == "" {
		return "", echo.NewHTTPError(http.StatusBadRequest, "X-Tenant-ID header is required")
	}
	return id, nil
}
