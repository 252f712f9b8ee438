package fiscal

import (
	"crypto/rand"
	"crypto/rsa"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Wandeon/FiskAI-App-sub000/internal/domain"
)

func testCodeInput() CodeInput {
	return CodeInput{
		TaxID:          "12345678901",
		Timestamp:      time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC),
		SequenceNumber: "42",
		PremisesCode:   "POSL1",
		DeviceCode:     "1",
		TotalCents:     12500,
	}
}

func testKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func TestProtectiveCodeDeterministic(t *testing.T) {
	key := testKey(t)

	first, err := ProtectiveCode(testCodeInput(), key)
	require.NoError(t, err)
	second, err := ProtectiveCode(testCodeInput(), key)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestProtectiveCodeShape(t *testing.T) {
	code, err := ProtectiveCode(testCodeInput(), testKey(t))
	require.NoError(t, err)

	assert.Len(t, code, 32)
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{32}$`), code)
}

func TestProtectiveCodeChangesWithAnyInput(t *testing.T) {
	key := testKey(t)

	base, err := ProtectiveCode(testCodeInput(), key)
	require.NoError(t, err)

	variants := []func(*CodeInput){
		func(in *CodeInput) { in.TaxID = "10987654321" },
		func(in *CodeInput) { in.Timestamp = in.Timestamp.Add(time.Second) },
		func(in *CodeInput) { in.SequenceNumber = "43" },
		func(in *CodeInput) { in.PremisesCode = "POSL2" },
		func(in *CodeInput) { in.DeviceCode = "2" },
		func(in *CodeInput) { in.TotalCents = 12501 },
	}

	for i, mutate := range variants {
		in := testCodeInput()
		mutate(&in)

		code, err := ProtectiveCode(in, key)
		require.NoError(t, err, "variant %d", i)
		assert.NotEqual(t, base, code, "variant %d", i)
	}
}

func TestProtectiveCodeDemoModeUppercase(t *testing.T) {
	code, err := ProtectiveCode(testCodeInput(), nil)
	require.NoError(t, err)

	assert.Len(t, code, 32)
	assert.Regexp(t, regexp.MustCompile(`^[0-9A-F]{32}$`), code)
	assert.Equal(t, strings.ToUpper(code), code)
}

func TestProtectiveCodeValidation(t *testing.T) {
	key := testKey(t)

	cases := map[string]func(*CodeInput){
		"short tax id":       func(in *CodeInput) { in.TaxID = "123" },
		"alphabetic tax id":  func(in *CodeInput) { in.TaxID = "1234567890a" },
		"zero amount":        func(in *CodeInput) { in.TotalCents = 0 },
		"negative amount":    func(in *CodeInput) { in.TotalCents = -100 },
		"missing sequence":   func(in *CodeInput) { in.SequenceNumber = "" },
		"missing premises":   func(in *CodeInput) { in.PremisesCode = "" },
		"missing device":     func(in *CodeInput) { in.DeviceCode = "" },
		"zero timestamp":     func(in *CodeInput) { in.Timestamp = time.Time{} },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			in := testCodeInput()
			mutate(&in)

			_, err := ProtectiveCode(in, key)
			require.Error(t, err)
			assert.True(t, domain.IsValidation(err))
		})
	}
}

func TestCanonicalCodeString(t *testing.T) {
	got := canonicalCodeString(testCodeInput())

	assert.Equal(t, "1234567890114.03.202615:09:2642POSL11125,00", got)
}

func TestFormatAmountComma(t *testing.T) {
	assert.Equal(t, "125,50", formatAmountComma(12550))
	assert.Equal(t, "0,05", formatAmountComma(5))
	assert.Equal(t, "1,00", formatAmountComma(100))
	assert.Equal(t, "-3,25", formatAmountComma(-325))
}
