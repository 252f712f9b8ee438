package reconcile

import (
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/Wandeon/FiskAI-App-sub000/internal/domain"
)

// AutoMatchThreshold is the minimum confidence at which a link is applied
// without human review.
const AutoMatchThreshold = 85

// maxCandidates bounds the list surfaced per transaction.
const maxCandidates = 3

// Reason codes attached to match candidates.
const (
	ReasonReferenceMatch      = "reference_match"
	ReasonAmountDateExact     = "amount_date_exact"
	ReasonAmountDateTolerance = "amount_date_tolerance"
	ReasonVendorAmountDate    = "vendor_amount_date"
	ReasonVendorOnly          = "vendor_only"
)

var amountExactTolerance = decimal.NewFromInt(1)

// foldTransform lowercases, folds accented Latin characters to their base
// form, and drops everything that is not a letter or digit.
var foldTransform = transform.Chain(
	norm.NFD,
	runes.Remove(runes.In(unicode.Mn)),
	norm.NFC,
)

// Normalize prepares a vendor name or description for substring comparison.
func Normalize(s string) string {
	folded, _, err := transform.String(foldTransform, s)
	if err != nil {
		folded = s
	}

	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

func amountDelta(a, b decimal.Decimal) decimal.Decimal {
	return a.Abs().Sub(b.Abs()).Abs()
}

func withinPercent(delta, total decimal.Decimal, percent int64) bool {
	if total.IsZero() {
		return delta.IsZero()
	}
	limit := total.Abs().Mul(decimal.NewFromInt(percent)).Div(decimal.NewFromInt(100))
	return delta.LessThanOrEqual(limit)
}

func dateDeltaDays(a, b time.Time) int {
	diff := a.Sub(b)
	if diff < 0 {
		diff = -diff
	}
	return int(diff.Hours() / 24)
}

// ScoreInvoiceCandidates scores a transaction against the open invoice pool.
// The highest qualifying tier wins per invoice; non-qualifying invoices are
// excluded rather than scored zero. Results are sorted by score descending,
// capped at three.
func ScoreInvoiceCandidates(tx domain.BankTransaction, invoices []domain.Invoice) []domain.MatchCandidate {
	// The forward direction scans reference and description together; the
	// reverse direction uses the reference field alone, a partial reference
	// inside the invoice number.
	haystack := Normalize(tx.Reference + " " + tx.Description)
	reference := Normalize(tx.Reference)

	var candidates []domain.MatchCandidate
	for _, inv := range invoices {
		number := Normalize(inv.Number)
		delta := amountDelta(tx.Amount, inv.Total)
		days := dateDeltaDays(tx.Date, inv.IssuedAt)

		referenceHit := number != "" &&
			((haystack != "" && strings.Contains(haystack, number)) ||
				(reference != "" && strings.Contains(number, reference)))

		switch {
		case referenceHit:
			candidates = append(candidates, candidate(domain.TargetTypeInvoice, inv.ID, 100, ReasonReferenceMatch))
		case delta.LessThan(amountExactTolerance) && days <= 3:
			candidates = append(candidates, candidate(domain.TargetTypeInvoice, inv.ID, 85, ReasonAmountDateExact))
		case withinPercent(delta, inv.Total, 5) && days <= 5:
			candidates = append(candidates, candidate(domain.TargetTypeInvoice, inv.ID, 70, ReasonAmountDateTolerance))
		}
	}

	return rank(candidates)
}

// ScoreExpenseCandidates scores a transaction against the open expense pool.
// A vendor-name heuristic is layered on top of the amount/date ladder. The
// vendor-only tier at 50 sits below the auto threshold on purpose: it is a
// weak signal surfaced for review, never auto-linked.
func ScoreExpenseCandidates(tx domain.BankTransaction, expenses []domain.Expense) []domain.MatchCandidate {
	description := Normalize(tx.Description + " " + tx.Reference)

	var candidates []domain.MatchCandidate
	for _, exp := range expenses {
		vendor := Normalize(exp.VendorName)
		vendorHit := vendor != "" && strings.Contains(description, vendor)
		delta := amountDelta(tx.Amount, exp.Total)
		days := dateDeltaDays(tx.Date, exp.ExpenseDate)

		switch {
		case vendorHit && delta.LessThan(amountExactTolerance) && days <= 7:
			candidates = append(candidates, candidate(domain.TargetTypeExpense, exp.ID, 100, ReasonVendorAmountDate))
		case delta.LessThan(amountExactTolerance) && days <= 3:
			candidates = append(candidates, candidate(domain.TargetTypeExpense, exp.ID, 85, ReasonAmountDateExact))
		case withinPercent(delta, exp.Total, 5) && days <= 5:
			candidates = append(candidates, candidate(domain.TargetTypeExpense, exp.ID, 70, ReasonAmountDateTolerance))
		case vendorHit && days <= 14:
			candidates = append(candidates, candidate(domain.TargetTypeExpense, exp.ID, 50, ReasonVendorOnly))
		}
	}

	return rank(candidates)
}

func candidate(targetType domain.TargetType, targetID string, score int, reason string) domain.MatchCandidate {
	return domain.MatchCandidate{
		TargetType: targetType,
		TargetID:   targetID,
		Score:      score,
		Reason:     reason,
	}
}

func rank(candidates []domain.MatchCandidate) []domain.MatchCandidate {
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].TargetID < candidates[j].TargetID
	})
	if len(candidates) > maxCandidates {
		candidates = candidates[:maxCandidates]
	}
	return candidates
}

// Ambiguous reports whether the top two candidates tie on a qualifying
// score. A tie suppresses auto-linking regardless of the score.
func Ambiguous(candidates []domain.MatchCandidate) bool {
	return len(candidates) >= 2 &&
		candidates[0].Score > 0 &&
		candidates[0].Score == candidates[1].Score
}
