package certstore

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Wandeon/FiskAI-App-sub000/internal/domain"
	"github.com/Wandeon/FiskAI-App-sub000/internal/storage"
	"github.com/Wandeon/FiskAI-App-sub000/pkg/logger"
)

func generateKeyPair(t *testing.T, commonName string) (*rsa.PrivateKey, *x509.Certificate) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(7),
		Subject: pkix.Name{
			CommonName:   commonName,
			Organization: []string{"Obrt Test"},
		},
		NotBefore: time.Now().Add(-time.Hour),
		NotAfter:  time.Now().Add(48 * time.Hour),
		KeyUsage:  x509.KeyUsageDigitalSignature,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return key, cert
}

func newTestStore(t *testing.T) (*Store, *storage.MemoryStore) {
	t.Helper()
	envelope, err := NewEnvelope("unit-test-master-secret")
	require.NoError(t, err)
	repo := storage.NewMemoryStore()
	return New(repo, envelope, logger.NewNop()), repo
}

func TestEnvelopeRoundtrip(t *testing.T) {
	envelope, err := NewEnvelope("master")
	require.NoError(t, err)

	plaintext := []byte("certificate bundle bytes")
	encKey, encBlob, err := envelope.Encrypt(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, encBlob)

	decrypted, err := envelope.Decrypt(encKey, encBlob)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestEnvelopeRejectsWrongMasterSecret(t *testing.T) {
	envelope, err := NewEnvelope("master")
	require.NoError(t, err)
	other, err := NewEnvelope("different")
	require.NoError(t, err)

	encKey, encBlob, err := envelope.Encrypt([]byte("secret"))
	require.NoError(t, err)

	_, err = other.Decrypt(encKey, encBlob)
	assert.Error(t, err)
}

func TestEnvelopeRequiresMasterSecret(t *testing.T) {
	_, err := NewEnvelope("")
	assert.Error(t, err)
}

func TestImportAndLoadRoundtrip(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	key, cert := generateKeyPair(t, "FISKAL 1 12345678901")

	row, err := store.ImportKeyPair(ctx, "tenant-1", domain.EnvironmentTest, key, cert)
	require.NoError(t, err)
	assert.Equal(t, domain.CertificateStatusActive, row.Status)
	assert.Equal(t, "12345678901", row.TaxID)
	assert.NotEmpty(t, row.EncryptedDataKey)
	assert.NotEmpty(t, row.EncryptedBundle)

	loaded, err := store.Load(ctx, "tenant-1", domain.EnvironmentTest)
	require.NoError(t, err)
	assert.Equal(t, "12345678901", loaded.TaxID)
	assert.True(t, key.Equal(loaded.PrivateKey))
	assert.True(t, cert.Equal(loaded.Certificate))
}

func TestImportReplacesActiveCertificate(t *testing.T) {
	ctx := context.Background()
	store, repo := newTestStore(t)

	key1, cert1 := generateKeyPair(t, "FISKAL 1 12345678901")
	first, err := store.ImportKeyPair(ctx, "tenant-1", domain.EnvironmentTest, key1, cert1)
	require.NoError(t, err)

	key2, cert2 := generateKeyPair(t, "FISKAL 1 12345678901")
	second, err := store.ImportKeyPair(ctx, "tenant-1", domain.EnvironmentTest, key2, cert2)
	require.NoError(t, err)

	old, err := repo.GetCertificate(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CertificateStatusRevoked, old.Status)

	current, err := repo.GetCertificate(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CertificateStatusActive, current.Status)

	loaded, err := store.Load(ctx, "tenant-1", domain.EnvironmentTest)
	require.NoError(t, err)
	assert.True(t, key2.Equal(loaded.PrivateKey))
}

func TestImportRejectsMismatchedPair(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	key1, _ := generateKeyPair(t, "FISKAL 1 12345678901")
	_, cert2 := generateKeyPair(t, "FISKAL 1 12345678901")

	_, err := store.ImportKeyPair(ctx, "tenant-1", domain.EnvironmentTest, key1, cert2)

	require.Error(t, err)
	assert.True(t, domain.IsValidation(err))
}

func TestLoadNotFound(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Load(context.Background(), "tenant-1", domain.EnvironmentTest)

	assert.ErrorIs(t, err, domain.ErrCertificateNotFound)
}

func TestLoadInactive(t *testing.T) {
	ctx := context.Background()
	store, repo := newTestStore(t)

	key, cert := generateKeyPair(t, "FISKAL 1 12345678901")
	row, err := store.ImportKeyPair(ctx, "tenant-1", domain.EnvironmentTest, key, cert)
	require.NoError(t, err)

	require.NoError(t, repo.RevokeCertificate(ctx, row.ID))

	_, err = store.Load(ctx, "tenant-1", domain.EnvironmentTest)
	assert.ErrorIs(t, err, domain.ErrCertificateInactive)
}

func TestLoadExpiredComputedAtUse(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	key, cert := generateKeyPair(t, "FISKAL 1 12345678901")
	_, err := store.ImportKeyPair(ctx, "tenant-1", domain.EnvironmentTest, key, cert)
	require.NoError(t, err)

	// Row stays ACTIVE; expiry is judged against the validity window at
	// load time.
	store.now = func() time.Time { return cert.NotAfter.Add(time.Hour) }

	_, err = store.Load(ctx, "tenant-1", domain.EnvironmentTest)
	assert.ErrorIs(t, err, domain.ErrCertificateExpired)
}

func TestLoadIsolatesEnvironments(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	key, cert := generateKeyPair(t, "FISKAL 1 12345678901")
	_, err := store.ImportKeyPair(ctx, "tenant-1", domain.EnvironmentTest, key, cert)
	require.NoError(t, err)

	_, err = store.Load(ctx, "tenant-1", domain.EnvironmentProd)
	assert.ErrorIs(t, err, domain.ErrCertificateNotFound)
}

func TestExtractTaxID(t *testing.T) {
	assert.Equal(t, "12345678901", extractTaxID(pkix.Name{SerialNumber: "12345678901"}))
	assert.Equal(t, "12345678901", extractTaxID(pkix.Name{CommonName: "FISKAL 1 12345678901"}))
	assert.Equal(t, "12345678901", extractTaxID(pkix.Name{Organization: []string{"Obrt 12345678901"}}))
	assert.Empty(t, extractTaxID(pkix.Name{CommonName: "no digits here"}))
	assert.Empty(t, extractTaxID(pkix.Name{CommonName: "too short 12345"}))
}

func TestDecodeBundleRejectsGarbage(t *testing.T) {
	_, _, err := decodeBundle([]byte("not pem at all"))
	assert.Error(t, err)
}
