package integration

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"io"
	"math/big"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Wandeon/FiskAI-App-sub000/internal/certstore"
	"github.com/Wandeon/FiskAI-App-sub000/internal/config"
	"github.com/Wandeon/FiskAI-App-sub000/internal/domain"
	"github.com/Wandeon/FiskAI-App-sub000/internal/eventbus"
	"github.com/Wandeon/FiskAI-App-sub000/internal/fiscal"
	"github.com/Wandeon/FiskAI-App-sub000/internal/handler"
	"github.com/Wandeon/FiskAI-App-sub000/internal/processor"
	"github.com/Wandeon/FiskAI-App-sub000/internal/reconcile"
	"github.com/Wandeon/FiskAI-App-sub000/internal/server"
	"github.com/Wandeon/FiskAI-App-sub000/internal/service"
	"github.com/Wandeon/FiskAI-App-sub000/internal/storage"
	"github.com/Wandeon/FiskAI-App-sub000/pkg/logger"
)

const (
	testTenant         = "tenant-1"
	testSchedulerToken = "integration-scheduler-token"

	authoritySuccess = `<?xml version="1.0"?>
<tns:InvoiceResponse xmlns:tns="http://fiscal.example/response">
  <tns:UniqueID>e6f1a2b3-uid</tns:UniqueID>
  <tns:ProtectiveCode>deadbeefdeadbeefdeadbeefdeadbeef</tns:ProtectiveCode>
</tns:InvoiceResponse>`
)

type env struct {
	server    *httptest.Server
	authority *httptest.Server
	bus       eventbus.EventBus
	repo      *storage.MemoryStore
	certs     *certstore.Store
}

func setupTestServer(t *testing.T) *env {
	t.Helper()

	log := logger.NewNop()
	repo := storage.NewMemoryStore()

	authority := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/xml; charset=utf-8")
		_, _ = w.Write([]byte(authoritySuccess))
	}))
	t.Cleanup(authority.Close)

	envelope, err := certstore.NewEnvelope("integration-master-secret")
	require.NoError(t, err)
	certs := certstore.New(repo, envelope, log)

	client := fiscal.NewClient(fiscal.ClientConfig{
		TestEndpoint: authority.URL,
		ProdEndpoint: authority.URL,
		Timeout:      5 * time.Second,
	}, log)
	decision := fiscal.NewDecisionEngine(repo)
	proc := processor.New(repo, certs, client, fiscal.NewMessageBuilder(), log, processor.Config{
		BatchSize:          10,
		StaleLockThreshold: 10 * time.Minute,
		Parallelism:        2,
	})

	matcher := reconcile.NewService(repo, log)

	bus := eventbus.New(log, &eventbus.Config{ChannelBuffer: 100, MaxRetries: 3})
	require.NoError(t, bus.Subscribe(eventbus.EventTypeTransactionImported, eventbus.NewMatchConsumer(matcher, log, 5)))
	require.NoError(t, bus.Start(context.Background()))
	t.Cleanup(func() { _ = bus.Shutdown(context.Background()) })

	csvProcessor := service.NewCSVProcessor(bus, repo, log)
	statementService := service.NewStatementService(repo, csvProcessor, log)
	fiscalService := service.NewFiscalService(repo, decision, log)

	cfg := &config.Config{
		Server: config.ServerConfig{Port: "8080", Host: "0.0.0.0"},
		Fiscal: config.FiscalConfig{SchedulerToken: testSchedulerToken},
	}

	srv := server.New(cfg, log,
		handler.NewFiscalHandler(fiscalService, proc, log),
		handler.NewReconcileHandler(matcher, log),
		handler.NewStatementHandler(statementService, log),
		handler.NewCertificateHandler(certs, log),
		handler.NewHealthHandler(),
	)

	testServer := httptest.NewServer(srv.Handler())
	t.Cleanup(testServer.Close)

	return &env{
		server:    testServer,
		authority: authority,
		bus:       bus,
		repo:      repo,
		certs:     certs,
	}
}

func (e *env) seedCompany(t *testing.T) {
	t.Helper()
	require.NoError(t, e.repo.SaveCompany(context.Background(), &domain.Company{
		ID:                   testTenant,
		Name:                 "Obrt za usluge",
		TaxID:                "12345678901",
		VATRegistered:        true,
		FiscalizationEnabled: true,
		FiscalEnvironment:    domain.EnvironmentTest,
	}))
}

func (e *env) seedInvoice(t *testing.T, id string, method domain.PaymentMethod) {
	t.Helper()
	require.NoError(t, e.repo.SaveInvoice(context.Background(), &domain.Invoice{
		ID:             id,
		TenantID:       testTenant,
		Number:         "42-POSL1-1",
		SequenceNumber: "42",
		PremisesCode:   "POSL1",
		DeviceCode:     "1",
		Status:         domain.InvoiceStatusSent,
		PaymentMethod:  method,
		IssuedAt:       time.Date(2026, 8, 18, 15, 9, 26, 0, time.UTC),
		Total:          decimal.RequireFromString("125.00"),
		Lines: []domain.InvoiceLine{
			{ID: id + "-line-1", InvoiceID: id, Description: "Usluga", Quantity: decimal.NewFromInt(1), UnitPrice: decimal.RequireFromString("100.00"), VATRate: decimal.RequireFromString("25.00")},
		},
	}))
}

func (e *env) importCertificate(t *testing.T) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(11),
		Subject:      pkix.Name{CommonName: "FISKAL 1 12345678901"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	_, err = e.certs.ImportKeyPair(context.Background(), testTenant, domain.EnvironmentTest, key, cert)
	require.NoError(t, err)
}

func doJSON(t *testing.T, method, url string, payload any, headers map[string]string) (*http.Response, map[string]interface{}) {
	t.Helper()

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, url, body)
	require.NoError(t, err)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Tenant-ID", testTenant)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	var result map[string]interface{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &result), "body: %s", raw)
	}
	return resp, result
}

func TestCashInvoiceFiscalizationFlow(t *testing.T) {
	e := setupTestServer(t)

	e.seedCompany(t)
	e.seedInvoice(t, "inv-1", domain.PaymentMethodCash)
	e.importCertificate(t)

	// Request fiscalization: the decision engine requires it for CASH.
	resp, result := doJSON(t, http.MethodPost, e.server.URL+"/invoices/inv-1/fiscalize", map[string]string{}, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	decision := result["decision"].(map[string]interface{})
	assert.Equal(t, true, decision["required"])
	job := result["job"].(map[string]interface{})
	jobID := job["id"].(string)
	assert.Equal(t, string(domain.FiscalJobStatusQueued), job["status"])

	// Scheduler tick drives the queued job through the pipeline.
	resp, report := doJSON(t, http.MethodPost, e.server.URL+"/fiscalization/run", nil,
		map[string]string{"X-Scheduler-Token": testSchedulerToken})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), report["claimed"])
	assert.Equal(t, float64(1), report["completed"])

	resp, jobBody := doJSON(t, http.MethodGet, e.server.URL+"/fiscal-jobs/"+jobID, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(domain.FiscalJobStatusCompleted), jobBody["status"])
	assert.Equal(t, "e6f1a2b3-uid", jobBody["unique_id"])

	invoice, err := e.repo.GetInvoice(context.Background(), "inv-1")
	require.NoError(t, err)
	assert.Equal(t, domain.FiscalStatusCompleted, invoice.FiscalStatus)
	assert.Equal(t, "e6f1a2b3-uid", invoice.UniqueID)
}

func TestBankTransferInvoiceIsNotFiscalized(t *testing.T) {
	e := setupTestServer(t)

	e.seedCompany(t)
	e.seedInvoice(t, "inv-1", domain.PaymentMethodBankTransfer)

	resp, result := doJSON(t, http.MethodPost, e.server.URL+"/invoices/inv-1/fiscalize", map[string]string{}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	decision := result["decision"].(map[string]interface{})
	assert.Equal(t, false, decision["required"])
	assert.Equal(t, "exempt_payment_method", decision["reason"])
	assert.Nil(t, result["job"])
}

func TestSchedulerEndpointRejectsBadToken(t *testing.T) {
	e := setupTestServer(t)

	resp, _ := doJSON(t, http.MethodPost, e.server.URL+"/fiscalization/run", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, e.server.URL+"/fiscalization/run", nil,
		map[string]string{"X-Scheduler-Token": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestStatementImportAutoMatchesInvoice(t *testing.T) {
	e := setupTestServer(t)

	e.seedCompany(t)
	e.seedInvoice(t, "inv-1", domain.PaymentMethodBankTransfer)

	// Second row lacks a description and must be skipped, not fail the import.
	csvContent := strings.Join([]string{
		"2026-08-20,125.00,uplata po racunu,42-POSL1-1",
		"2026-08-21,10.00,,",
	}, "\n")

	importID := uploadCSV(t, e.server.URL+"/statements", csvContent)
	require.NotEmpty(t, importID)

	// The parse and the matching both run asynchronously.
	time.Sleep(2 * time.Second)

	resp, status := doJSON(t, http.MethodGet, e.server.URL+"/statements/"+importID, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(domain.ImportStatusCompleted), status["status"])
	assert.Equal(t, float64(1), status["processed_rows"])
	assert.Equal(t, float64(1), status["skipped_rows"])

	invoice, err := e.repo.GetInvoice(context.Background(), "inv-1")
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceStatusPaid, invoice.Status)
	require.NotNil(t, invoice.PaidAt)
	assert.Equal(t, time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC), invoice.PaidAt.UTC())
}

func TestManualMatchAndUnlinkOverHTTP(t *testing.T) {
	e := setupTestServer(t)
	ctx := context.Background()

	e.seedCompany(t)
	e.seedInvoice(t, "inv-1", domain.PaymentMethodBankTransfer)

	require.NoError(t, e.repo.CreateBankTransaction(ctx, &domain.BankTransaction{
		ID:          "tx-1",
		TenantID:    testTenant,
		Date:        time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC),
		Amount:      decimal.RequireFromString("99.00"),
		Description: "uplata bez reference",
	}))

	resp, result := doJSON(t, http.MethodPost, e.server.URL+"/transactions/tx-1/match", map[string]string{
		"target_type": "INVOICE",
		"target_id":   "inv-1",
		"actor_id":    "user-7",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(100), result["confidence"])

	invoice, err := e.repo.GetInvoice(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceStatusPaid, invoice.Status)

	// A second match attempt against the same transaction conflicts.
	resp, _ = doJSON(t, http.MethodPost, e.server.URL+"/transactions/tx-1/match", map[string]string{
		"target_type": "INVOICE",
		"target_id":   "inv-1",
		"actor_id":    "user-7",
	}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, e.server.URL+"/transactions/tx-1/unlink", map[string]string{
		"actor_id": "user-7",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	invoice, err = e.repo.GetInvoice(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceStatusSent, invoice.Status)
	assert.Nil(t, invoice.PaidAt)

	tx, err := e.repo.GetBankTransaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, domain.MatchStatusUnmatched, tx.MatchStatus)
}

func TestHealthCheck(t *testing.T) {
	e := setupTestServer(t)

	resp, err := http.Get(e.server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var result map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, "ok", result["status"])
}

func uploadCSV(t *testing.T, url, csvContent string) string {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", "statement.csv")
	require.NoError(t, err)
	_, err = io.WriteString(part, csvContent)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req, err := http.NewRequest(http.MethodPost, url, body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("X-Tenant-ID", testTenant)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var result map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))

	importID, ok := result["import_id"].(string)
	require.True(t, ok)
	return importID
}
