package certstore

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/pkcs12"

	"github.com/Wandeon/FiskAI-App-sub000/internal/domain"
	"github.com/Wandeon/FiskAI-App-sub000/pkg/logger"
)

const (
	pemTypePrivateKey  = "PRIVATE KEY"
	pemTypeCertificate = "CERTIFICATE"
)

// DecryptedCertificate is the in-memory form of a signing credential. It
// lives only for the duration of the single job that loads it and is never
// persisted, cached or logged.
type DecryptedCertificate struct {
	TaxID       string
	PrivateKey  *rsa.PrivateKey
	Certificate *x509.Certificate
}

// Store loads and imports tenant signing certificates. The Envelope is
// injected once at startup (no lazy global).
type Store struct {
	repo     domain.Repository
	envelope *Envelope
	log      *logger.Logger
	now      func() time.Time
}

func New(repo domain.Repository, envelope *Envelope, log *logger.Logger) *Store {
	return &Store{
		repo:     repo,
		envelope: envelope,
		log:      log,
		now:      time.Now,
	}
}

// Load decrypts the certificate for (tenant, environment). Expiration is
// computed against the validity window at call time, not polled: a row still
// marked ACTIVE past its validity end fails with ErrCertificateExpired.
func (s *Store) Load(ctx context.Context, tenantID string, env domain.Environment) (*DecryptedCertificate, error) {
	cert, err := s.repo.GetCertificateByEnvironment(ctx, tenantID, env)
	if err != nil {
		return nil, err
	}

	if cert.Status != domain.CertificateStatusActive {
		return nil, domain.ErrCertificateInactive
	}
	if s.now().After(cert.ValidUntil) {
		return nil, domain.ErrCertificateExpired
	}

	bundle, err := s.envelope.Decrypt(cert.EncryptedDataKey, cert.EncryptedBundle)
	if err != nil {
		return nil, err
	}

	key, x509Cert, err := decodeBundle(bundle)
	if err != nil {
		return nil, err
	}

	// Best-effort: a failed timestamp update must not fail the load.
	if err := s.repo.TouchCertificateLastUsed(ctx, cert.ID, s.now()); err != nil {
		s.log.Warn(ctx, "Failed to update certificate last-used timestamp",
			"certificate_id", cert.ID,
			"error", err,
		)
	}

	return &DecryptedCertificate{
		TaxID:       cert.TaxID,
		PrivateKey:  key,
		Certificate: x509Cert,
	}, nil
}

// ImportPKCS12 parses an uploaded PKCS#12 bundle and stores it encrypted.
func (s *Store) ImportPKCS12(ctx context.Context, tenantID string, env domain.Environment, p12 []byte, password string) (*domain.FiscalCertificate, error) {
	key, cert, err := pkcs12.Decode(p12, password)
	if err != nil {
		return nil, fmt.Errorf("certstore: decode PKCS#12 bundle: %w", err)
	}

	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("certstore: bundle private key is not RSA")
	}

	return s.ImportKeyPair(ctx, tenantID, env, rsaKey, cert)
}

// ImportKeyPair envelope-encrypts a parsed key+certificate pair and stores
// it as the new ACTIVE certificate for (tenant, environment). Any previously
// ACTIVE row for the pair is revoked in the same step, preserving the
// at-most-one-ACTIVE invariant.
func (s *Store) ImportKeyPair(ctx context.Context, tenantID string, env domain.Environment, key *rsa.PrivateKey, cert *x509.Certificate) (*domain.FiscalCertificate, error) {
	if key == nil || cert == nil {
		return nil, domain.NewValidationError("certificate", "missing key or certificate")
	}
	if !key.PublicKey.Equal(cert.PublicKey) {
		return nil, domain.NewValidationError("certificate", "private key does not match certificate")
	}

	bundle, err := encodeBundle(key, cert)
	if err != nil {
		return nil, err
	}

	encKey, encBlob, err := s.envelope.Encrypt(bundle)
	if err != nil {
		return nil, err
	}

	row := &domain.FiscalCertificate{
		ID:               uuid.New().String(),
		TenantID:         tenantID,
		Environment:      env,
		Status:           domain.CertificateStatusActive,
		Subject:          cert.Subject.String(),
		SerialNumber:     cert.SerialNumber.String(),
		ValidFrom:        cert.NotBefore,
		ValidUntil:       cert.NotAfter,
		TaxID:            extractTaxID(cert.Subject),
		EncryptedDataKey: encKey,
		EncryptedBundle:  encBlob,
		CreatedAt:        s.now(),
	}

	if err := s.repo.CreateCertificate(ctx, row); err != nil {
		return nil, err
	}

	s.log.Info(ctx, "Certificate imported",
		"certificate_id", row.ID,
		"environment", env,
		"valid_until", row.ValidUntil,
	)

	return row, nil
}

// Revoke marks the certificate REVOKED. The repository refuses while any
// fiscal job for the tenant is queued or processing.
func (s *Store) Revoke(ctx context.Context, id string) error {
	return s.repo.RevokeCertificate(ctx, id)
}

func encodeBundle(key *rsa.PrivateKey, cert *x509.Certificate) ([]byte, error) {
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("certstore: marshal private key: %w", err)
	}

	var bundle []byte
	bundle = append(bundle, pem.EncodeToMemory(&pem.Block{Type: pemTypePrivateKey, Bytes: keyDER})...)
	bundle = append(bundle, pem.EncodeToMemory(&pem.Block{Type: pemTypeCertificate, Bytes: cert.Raw})...)
	return bundle, nil
}

func decodeBundle(bundle []byte) (*rsa.PrivateKey, *x509.Certificate, error) {
	var key *rsa.PrivateKey
	var cert *x509.Certificate

	rest := bundle
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}

		switch block.Type {
		case pemTypePrivateKey:
			parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, nil, fmt.Errorf("certstore: parse private key: %w", err)
			}
			rsaKey, ok := parsed.(*rsa.PrivateKey)
			if !ok {
				return nil, nil, errors.New("certstore: bundle private key is not RSA")
			}
			key = rsaKey
		case pemTypeCertificate:
			parsed, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, nil, fmt.Errorf("certstore: parse certificate: %w", err)
			}
			cert = parsed
		}
	}

	if key == nil || cert == nil {
		return nil, nil, errors.New("certstore: bundle is missing key or certificate")
	}

	return key, cert, nil
}

var taxIDPattern = regexp.MustCompile(`\b(\d{11})\b`)

// extractTaxID pulls the 11-digit tax ID out of the certificate subject.
// Issuing authorities place it in the serial-number attribute or append it
// to the common name.
func extractTaxID(subject pkix.Name) string {
	if m := taxIDPattern.FindString(subject.SerialNumber); m != "" {
		return m
	}
	if m := taxIDPattern.FindString(subject.CommonName); m != "" {
		return m
	}
	for _, org := range subject.Organization {
		if m := taxIDPattern.FindString(org); m != "" {
			return m
		}
	}
	return ""
}
