package fiscal

import (
	"crypto"
	"crypto/md5"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/Wandeon/FiskAI-App-sub000/internal/domain"
)

// timestamp layout inside the protective-code concatenation. Fixed for
// interoperability; the authority recomputes the code over the same string.
const codeTimestampLayout = "02.01.200615:04:05"

var validate = validator.New()

// CodeInput carries the invoice fields the protective code is derived from.
// TotalCents is the invoice total in minor units.
type CodeInput struct {
	TaxID          string    `validate:"required,len=11,numeric"`
	Timestamp      time.Time `validate:"required"`
	SequenceNumber string    `validate:"required"`
	PremisesCode   string    `validate:"required"`
	DeviceCode     string    `validate:"required"`
	TotalCents     int64     `validate:"required,gt=0"`
}

// ProtectiveCode derives the 32-hex-character code (ZKI-equivalent) from the
// invoice identity fields. With a private key the canonical string is signed
// RSA/SHA-256 and the code is the lowercase MD5 hex of the signature bytes,
// a fixed-width fingerprint rather than a secrecy mechanism. Without a key (demo
// environments with no certificate) the code is the truncated SHA-256 of the
// canonical string rendered in UPPERCASE hex, a shape that can never be
// mistaken for a production code.
//
// Pure and synchronous: no I/O.
func ProtectiveCode(in CodeInput, key *rsa.PrivateKey) (string, error) {
	if err := validate.Struct(in); err != nil {
		return "", domain.NewValidationError("protective_code", err.Error())
	}

	canonical := canonicalCodeString(in)

	if key == nil {
		sum := sha256.Sum256([]byte(canonical))
		return strings.ToUpper(hex.EncodeToString(sum[:]))[:32], nil
	}

	digest := sha256.Sum256([]byte(canonical))
	signature, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return "", &domain.SigningError{Reason: "protective code signature", Err: err}
	}

	fingerprint := md5.Sum(signature)
	return hex.EncodeToString(fingerprint[:]), nil
}

func canonicalCodeString(in CodeInput) string {
	return in.TaxID +
		in.Timestamp.Format(codeTimestampLayout) +
		in.SequenceNumber +
		in.PremisesCode +
		in.DeviceCode +
		formatAmountComma(in.TotalCents)
}

// formatAmountComma renders minor units as a decimal-comma amount with two
// fraction digits, e.g. 12550 -> "125,50".
func formatAmountComma(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d,%02d", sign, cents/100, cents%100)
}
