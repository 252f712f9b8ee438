package reconcile

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Wandeon/FiskAI-App-sub000/internal/domain"
)

func day(offset int) time.Time {
	return time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC).AddDate(0, 0, offset)
}

func amount(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func incoming(amt string, date time.Time, description, reference string) domain.BankTransaction {
	return domain.BankTransaction{
		ID:          "tx-1",
		TenantID:    "tenant-1",
		Date:        date,
		Amount:      amount(amt),
		Description: description,
		Reference:   reference,
	}
}

func openInvoice(id, number, total string, issuedAt time.Time) domain.Invoice {
	return domain.Invoice{
		ID:       id,
		TenantID: "tenant-1",
		Number:   number,
		Status:   domain.InvoiceStatusSent,
		IssuedAt: issuedAt,
		Total:    amount(total),
	}
}

func openExpense(id, vendor, total string, date time.Time) domain.Expense {
	return domain.Expense{
		ID:          id,
		TenantID:    "tenant-1",
		VendorName:  vendor,
		Status:      domain.ExpenseStatusPending,
		Total:       amount(total),
		ExpenseDate: date,
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Končar d.o.o.", "koncardoo"},
		{"42-POSL1-1", "42posl11"},
		{"  Račun BR. 17/2026 ", "racunbr172026"},
		{"ŠŽČĆ šžčć", "szccszcc"},
		{"", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Normalize(tt.in), "input %q", tt.in)
	}
}

func TestInvoiceReferenceMatchScores100(t *testing.T) {
	tx := incoming("125.00", day(0), "uplata po racunu", "42-POSL1-1")
	invoices := []domain.Invoice{openInvoice("inv-1", "42-POSL1-1", "125.00", day(-10))}

	candidates := ScoreInvoiceCandidates(tx, invoices)

	require.Len(t, candidates, 1)
	assert.Equal(t, 100, candidates[0].Score)
	assert.Equal(t, ReasonReferenceMatch, candidates[0].Reason)
}

func TestInvoiceReferenceMatchIsBidirectional(t *testing.T) {
	// Short bank reference contained inside the longer invoice number.
	tx := incoming("125.00", day(0), "", "POSL1")
	invoices := []domain.Invoice{openInvoice("inv-1", "42-POSL1-1", "999.00", day(-30))}

	candidates := ScoreInvoiceCandidates(tx, invoices)

	require.Len(t, candidates, 1)
	assert.Equal(t, 100, candidates[0].Score)
}

func TestInvoiceReverseContainmentIgnoresDescription(t *testing.T) {
	// The partial reference still hits inside the invoice number even when
	// the statement line carries unrelated descriptive text.
	tx := incoming("125.00", day(0), "uplata po predracunu", "POSL1")
	invoices := []domain.Invoice{openInvoice("inv-1", "42-POSL1-1", "999.00", day(-30))}

	candidates := ScoreInvoiceCandidates(tx, invoices)

	require.Len(t, candidates, 1)
	assert.Equal(t, 100, candidates[0].Score)
	assert.Equal(t, ReasonReferenceMatch, candidates[0].Reason)
}

func TestInvoiceEmptyReferenceNeverMatchesByContainment(t *testing.T) {
	tx := incoming("999.00", day(0), "", "")
	invoices := []domain.Invoice{openInvoice("inv-1", "42-POSL1-1", "125.00", day(-30))}

	candidates := ScoreInvoiceCandidates(tx, invoices)

	assert.Empty(t, candidates)
}

func TestInvoiceAmountDateExactScores85(t *testing.T) {
	// Delta 0.50 within the 1.00 tolerance, two days apart.
	tx := incoming("124.50", day(0), "uplata", "")
	invoices := []domain.Invoice{openInvoice("inv-1", "17/2026", "125.00", day(-2))}

	candidates := ScoreInvoiceCandidates(tx, invoices)

	require.Len(t, candidates, 1)
	assert.Equal(t, 85, candidates[0].Score)
	assert.Equal(t, ReasonAmountDateExact, candidates[0].Reason)
}

func TestInvoiceToleranceTierScores70(t *testing.T) {
	// 4% off, four days apart.
	tx := incoming("120.00", day(0), "uplata", "")
	invoices := []domain.Invoice{openInvoice("inv-1", "17/2026", "125.00", day(-4))}

	candidates := ScoreInvoiceCandidates(tx, invoices)

	require.Len(t, candidates, 1)
	assert.Equal(t, 70, candidates[0].Score)
	assert.Equal(t, ReasonAmountDateTolerance, candidates[0].Reason)
}

func TestInvoiceOutsideToleranceExcluded(t *testing.T) {
	// 6% off at four days: outside every tier, not scored zero.
	tx := incoming("117.50", day(0), "uplata", "")
	invoices := []domain.Invoice{openInvoice("inv-1", "17/2026", "125.00", day(-4))}

	candidates := ScoreInvoiceCandidates(tx, invoices)

	assert.Empty(t, candidates)
}

func TestInvoiceDateWindowExcludes(t *testing.T) {
	// Exact amount but six days apart misses both the 3-day and 5-day windows.
	tx := incoming("125.00", day(0), "uplata", "")
	invoices := []domain.Invoice{openInvoice("inv-1", "17/2026", "125.00", day(-6))}

	candidates := ScoreInvoiceCandidates(tx, invoices)

	assert.Empty(t, candidates)
}

func TestExpenseVendorAmountDateScores100(t *testing.T) {
	tx := domain.BankTransaction{
		ID:          "tx-1",
		TenantID:    "tenant-1",
		Date:        day(0),
		Amount:      amount("-89.90"),
		Description: "KONČAR D.O.O. racun 55",
	}
	expenses := []domain.Expense{openExpense("exp-1", "Končar d.o.o.", "89.90", day(-6))}

	candidates := ScoreExpenseCandidates(tx, expenses)

	require.Len(t, candidates, 1)
	assert.Equal(t, 100, candidates[0].Score)
	assert.Equal(t, ReasonVendorAmountDate, candidates[0].Reason)
}

func TestExpenseVendorOnlyScores50(t *testing.T) {
	// Vendor name in the description but the amount is way off.
	tx := domain.BankTransaction{
		ID:          "tx-1",
		TenantID:    "tenant-1",
		Date:        day(0),
		Amount:      amount("-500.00"),
		Description: "trajni nalog Končar",
	}
	expenses := []domain.Expense{openExpense("exp-1", "Končar", "89.90", day(-10))}

	candidates := ScoreExpenseCandidates(tx, expenses)

	require.Len(t, candidates, 1)
	assert.Equal(t, 50, candidates[0].Score)
	assert.Equal(t, ReasonVendorOnly, candidates[0].Reason)
	assert.Less(t, candidates[0].Score, AutoMatchThreshold)
}

func TestExpenseAmountDateWithoutVendorScores85(t *testing.T) {
	tx := domain.BankTransaction{
		ID:       "tx-1",
		TenantID: "tenant-1",
		Date:     day(0),
		Amount:   amount("-89.90"),
	}
	expenses := []domain.Expense{openExpense("exp-1", "Vendor d.o.o.", "89.90", day(-2))}

	candidates := ScoreExpenseCandidates(tx, expenses)

	require.Len(t, candidates, 1)
	assert.Equal(t, 85, candidates[0].Score)
}

func TestCandidatesCappedAtThreeSortedByScore(t *testing.T) {
	tx := incoming("125.00", day(0), "uplata 42-POSL1-1", "")
	invoices := []domain.Invoice{
		openInvoice("inv-a", "42-POSL1-1", "500.00", day(-30)), // 100 via reference
		openInvoice("inv-b", "99/2026", "125.00", day(-1)),     // 85
		openInvoice("inv-c", "98/2026", "122.00", day(-4)),     // 70
		openInvoice("inv-d", "97/2026", "121.00", day(-5)),     // 70
	}

	candidates := ScoreInvoiceCandidates(tx, invoices)

	require.Len(t, candidates, 3)
	assert.Equal(t, []int{100, 85, 70}, []int{candidates[0].Score, candidates[1].Score, candidates[2].Score})
	assert.Equal(t, "inv-a", candidates[0].TargetID)
}

func TestRankBreaksTiesByTargetID(t *testing.T) {
	tx := incoming("125.00", day(0), "uplata", "")
	invoices := []domain.Invoice{
		openInvoice("inv-b", "99/2026", "125.00", day(-1)),
		openInvoice("inv-a", "98/2026", "125.00", day(-1)),
	}

	candidates := ScoreInvoiceCandidates(tx, invoices)

	require.Len(t, candidates, 2)
	assert.Equal(t, "inv-a", candidates[0].TargetID)
	assert.Equal(t, "inv-b", candidates[1].TargetID)
}

func TestAmbiguous(t *testing.T) {
	tied := []domain.MatchCandidate{
		{TargetID: "a", Score: 85},
		{TargetID: "b", Score: 85},
	}
	clear := []domain.MatchCandidate{
		{TargetID: "a", Score: 100},
		{TargetID: "b", Score: 85},
	}

	assert.True(t, Ambiguous(tied))
	assert.False(t, Ambiguous(clear))
	assert.False(t, Ambiguous(clear[:1]))
	assert.False(t, Ambiguous(nil))
}
