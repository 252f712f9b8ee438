package handler

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Wandeon/FiskAI-App-sub000/internal/domain"
	"github.com/Wandeon/FiskAI-App-sub000/internal/reconcile"
	"github.com/Wandeon/FiskAI-App-sub000/pkg/logger"
)

type ReconcileHandler struct {
	service *reconcile.Service
	logger  *logger.Logger
}

func NewReconcileHandler(svc *reconcile.Service, log *logger.Logger) *ReconcileHandler {
	return &ReconcileHandler{
		service: svc,
		logger:  log,
	}
}

// Candidates handles GET /transactions/:id/candidates.
func (h *ReconcileHandler) Candidates(c echo.Context) error {
	ctx := c.Request().Context()

	tenant, err := tenantID(c)
	if err != nil {
		return err
	}

	candidates, err := h.service.CandidatesFor(ctx, tenant, c.Param("id"))
	if err != nil {
		if errors.Is(err, domain.ErrTransactionNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "transaction not found"})
		}
		h.logger.Error(ctx, "Failed to score candidates",
			"transaction_id", c.Param("id"),
			"error", err,
		)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to score candidates"})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"transaction_id": c.Param("id"),
		"candidates":     candidates,
		"ambiguous":      reconcile.Ambiguous(candidates),
	})
}

type manualMatchRequest struct {
	TargetType string `json:"target_type" validate:"required,oneof=INVOICE EXPENSE"`
	TargetID   string `json:"target_id" validate:"required"`
	ActorID    string `json:"actor_id" validate:"required"`
}

// ManualMatch handles POST /transactions/:id/match.
func (h *ReconcileHandler) ManualMatch(c echo.Context) error {
	ctx := c.Request().Context()

	tenant, err := tenantID(c)
	if err != nil {
		return err
	}

	var req manualMatchRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if err := c.Validate(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	err = h.service.ManualMatch(ctx, tenant, c.Param("id"), domain.TargetType(req.TargetType), req.TargetID, req.ActorID)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrTransactionNotFound),
			errors.Is(err, domain.ErrInvoiceNotFound),
			errors.Is(err, domain.ErrExpenseNotFound):
			return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
		case errors.Is(err, domain.ErrAlreadyMatched):
			return c.JSON(http.StatusConflict, map[string]string{"error": "transaction is already matched"})
		case errors.Is(err, domain.ErrAlreadySettled):
			return c.JSON(http.StatusConflict, map[string]string{"error": "target is already settled"})
		case domain.IsValidation(err):
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		h.logger.Error(ctx, "Failed to apply manual match",
			"transaction_id", c.Param("id"),
			"error", err,
		)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to apply manual match"})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"transaction_id": c.Param("id"),
		"match_status":   string(domain.MatchStatusManualMatched),
		"confidence":     100,
	})
}

type unlinkRequest struct {
	ActorID string `json:"actor_id" validate:"required"`
}

// Unlink handles POST /transactions/:id/unlink.
func (h *ReconcileHandler) Unlink(c echo.Context) error {
	ctx := c.Request().Context()

	tenant, err := tenantID(c)
	if err != nil {
		return err
	}

	var req unlinkRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if err := c.Validate(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	if err := h.service.Unlink(ctx, tenant, c.Param("id"), req.ActorID); err != nil {
		switch {
		case errors.Is(err, domain.ErrTransactionNotFound):
			return c.JSON(http.StatusNotFound, map[string]string{"error": "transaction not found"})
		case errors.Is(err, domain.ErrNotMatched):
			return c.JSON(http.StatusConflict, map[string]string{"error": "transaction is not matched"})
		}
		h.logger.Error(ctx, "Failed to unlink transaction",
			"transaction_id", c.Param("id"),
			"error", err,
		)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to unlink transaction"})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"transaction_id": c.Param("id"),
		"match_status":   string(domain.MatchStatusUnmatched),
	})
}

// RunPass handles POST /reconciliation/run.
func (h *ReconcileHandler) RunPass(c echo.Context) error {
	ctx := c.Request().Context()

	tenant, err := tenantID(c)
	if err != nil {
		return err
	}

	summary, err := h.service.RunPass(ctx, tenant)
	if err != nil {
		h.logger.Error(ctx, "Reconciliation pass failed", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "reconciliation pass failed"})
	}

	return c.JSON(http.StatusOK, summary)
}
