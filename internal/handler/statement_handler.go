package handler

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Wandeon/FiskAI-App-sub000/internal/domain"
	"github.com/Wandeon/FiskAI-App-sub000/internal/service"
	"github.com/Wandeon/FiskAI-App-sub000/pkg/logger"
)

type StatementHandler struct {
	service service.StatementService
	logger  *logger.Logger
}

func NewStatementHandler(svc service.StatementService, log *logger.Logger) *StatementHandler {
	return &StatementHandler{
		service: svc,
		logger:  log,
	}
}

// Import handles POST /statements.
func (h *StatementHandler) Import(c echo.Context) error {
	ctx := c.Request().Context()

	tenant, err := tenantID(c)
	if err != nil {
		return err
	}

	h.logger.Info(ctx, "Handling statement import request")

	file, err := c.FormFile("file")
	if err != nil {
		h.logger.Error(ctx, "Failed to get file from request",
			"error", err,
		)
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "file is required",
		})
	}

	src, err := file.Open()
	if err != nil {
		h.logger.Error(ctx, "Failed to open file",
			"error", err,
		)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "failed to open file",
		})
	}

	// The service closes the stream once the async parse drains it; the
	// import outlives this request.
	importID, err := h.service.ImportStatement(ctx, tenant, src)
	if err != nil {
		src.Close()
		h.logger.Error(ctx, "Failed to import statement",
			"error", err,
		)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "failed to import statement",
		})
	}

	return c.JSON(http.StatusAccepted, map[string]string{
		"import_id": importID,
		"status":    string(domain.ImportStatusProcessing),
	})
}

// Status handles GET /statements/:id.
func (h *StatementHandler) Status(c echo.Context) error {
	ctx := c.Request().Context()

	tenant, err := tenantID(c)
	if err != nil {
		return err
	}

	imp, err := h.service.GetImportStatus(ctx, tenant, c.Param("id"))
	if err != nil {
		if errors.Is(err, domain.ErrImportNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "import not found"})
		}
		h.logger.Error(ctx, "Failed to get import status",
			"import_id", c.Param("id"),
			"error", err,
		)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to get import status"})
	}

	return c.JSON(http.StatusOK, imp)
}
