package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Wandeon/FiskAI-App-sub000/internal/certstore"
	"github.com/Wandeon/FiskAI-App-sub000/internal/domain"
	"github.com/Wandeon/FiskAI-App-sub000/pkg/logger"
)

// maxBundleBytes bounds an uploaded PKCS#12 bundle. Real bundles are a few
// kilobytes.
const maxBundleBytes = 1 << 20

type CertificateHandler struct {
	store  *certstore.Store
	logger *logger.Logger
}

func NewCertificateHandler(store *certstore.Store, log *logger.Logger) *CertificateHandler {
	return &CertificateHandler{
		store:  store,
		logger: log,
	}
}

// Upload handles POST /certificates: a multipart PKCS#12 bundle with its
// password and target environment.
func (h *CertificateHandler) Upload(c echo.Context) error {
	ctx := c.Request().Context()

	tenant, err := tenantID(c)
	if err != nil {
		return err
	}

	env := domain.Environment(c.FormValue("environment"))
	if env != domain.EnvironmentTest && env != domain.EnvironmentProd {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "environment must be TEST or PROD"})
	}

	password := c.FormValue("password")

	file, err := c.FormFile("bundle")
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "bundle file is required"})
	}
	if file.Size > maxBundleBytes {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "bundle too large"})
	}

	src, err := file.Open()
	if err != nil {
		h.logger.Error(ctx, "Failed to open bundle", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to open bundle"})
	}
	defer src.Close()

	bundle, err := io.ReadAll(io.LimitReader(src, maxBundleBytes))
	if err != nil {
		h.logger.Error(ctx, "Failed to read bundle", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to read bundle"})
	}

	cert, err := h.store.ImportPKCS12(ctx, tenant, env, bundle, password)
	if err != nil {
		if domain.IsValidation(err) {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		h.logger.Error(ctx, "Failed to import certificate", "error", err)
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "failed to import certificate bundle"})
	}

	return c.JSON(http.StatusCreated, cert)
}

// Delete handles DELETE /certificates/:id. Revocation is refused while the
// tenant still has queued or processing fiscal jobs.
func (h *CertificateHandler) Delete(c echo.Context) error {
	ctx := c.Request().Context()

	if _, err := tenantID(c); err != nil {
		return err
	}

	if err := h.store.Revoke(ctx, c.Param("id")); err != nil {
		switch {
		case errors.Is(err, domain.ErrCertificateNotFound):
			return c.JSON(http.StatusNotFound, map[string]string{"error": "certificate not found"})
		case errors.Is(err, domain.ErrCertificateInUse):
			return c.JSON(http.StatusConflict, map[string]string{"error": "certificate has queued or processing fiscal jobs"})
		case errors.Is(err, domain.ErrInvalidTransition):
			return c.JSON(http.StatusConflict, map[string]string{"error": "certificate is already revoked"})
		}
		h.logger.Error(ctx, "Failed to revoke certificate",
			"certificate_id", c.Param("id"),
			"error", err,
		)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to revoke certificate"})
	}

	return c.NoContent(http.StatusNoContent)
}
