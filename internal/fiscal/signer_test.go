package fiscal

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Wandeon/FiskAI-App-sub000/internal/certstore"
	"github.com/Wandeon/FiskAI-App-sub000/internal/domain"
)

func selfSignedCertificate(t *testing.T) *certstore.DecryptedCertificate {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			CommonName:   "FISKAL 1 12345678901",
			Organization: []string{"Obrt Test"},
		},
		NotBefore: time.Now().Add(-time.Hour),
		NotAfter:  time.Now().Add(24 * time.Hour),
		KeyUsage:  x509.KeyUsageDigitalSignature,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return &certstore.DecryptedCertificate{
		TaxID:       "12345678901",
		PrivateKey:  key,
		Certificate: cert,
	}
}

func TestSignAndVerifyRoundtrip(t *testing.T) {
	cred := selfSignedCertificate(t)

	document, err := fixedBuilder().Build(testInvoice(), testCompany(), cred.TaxID, "code", domain.FiscalMessageTypeInvoice)
	require.NoError(t, err)

	signed, err := Sign(document, cred)
	require.NoError(t, err)

	assert.Contains(t, signed, "<Signature")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(signed), "</InvoiceRequest>"),
		"signature block must sit inside the signed root")

	require.NoError(t, Verify(signed, cred.Certificate))
}

func TestVerifyDetectsTampering(t *testing.T) {
	cred := selfSignedCertificate(t)

	document, err := fixedBuilder().Build(testInvoice(), testCompany(), cred.TaxID, "code", domain.FiscalMessageTypeInvoice)
	require.NoError(t, err)

	signed, err := Sign(document, cred)
	require.NoError(t, err)

	tampered := strings.Replace(signed, "125.00", "225.00", 1)
	require.NotEqual(t, signed, tampered)

	assert.Error(t, Verify(tampered, cred.Certificate))
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	cred := selfSignedCertificate(t)
	other := selfSignedCertificate(t)

	signed, err := Sign("<Doc><Value>1</Value></Doc>", cred)
	require.NoError(t, err)

	assert.Error(t, Verify(signed, other.Certificate))
}

func TestSignRejectsMismatchedKeyPair(t *testing.T) {
	cred := selfSignedCertificate(t)
	other := selfSignedCertificate(t)
	cred.PrivateKey = other.PrivateKey

	_, err := Sign("<Doc></Doc>", cred)

	var sigErr *domain.SigningError
	require.ErrorAs(t, err, &sigErr)
}

func TestSignRejectsMissingKey(t *testing.T) {
	cred := selfSignedCertificate(t)
	cred.PrivateKey = nil

	_, err := Sign("<Doc></Doc>", cred)

	var sigErr *domain.SigningError
	require.ErrorAs(t, err, &sigErr)
}

func TestSignRejectsUnclosedDocument(t *testing.T) {
	cred := selfSignedCertificate(t)

	_, err := Sign("no xml here", cred)

	var sigErr *domain.SigningError
	require.ErrorAs(t, err, &sigErr)
}
