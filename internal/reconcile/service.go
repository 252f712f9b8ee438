package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Wandeon/FiskAI-App-sub000/internal/domain"
	"github.com/Wandeon/FiskAI-App-sub000/pkg/logger"
)

// systemMatcher is recorded as the actor on automatic links.
const systemMatcher = "system"

// Outcome describes one matching pass over a single transaction.
type Outcome struct {
	TransactionID string                  `json:"transaction_id"`
	Candidates    []domain.MatchCandidate `json:"candidates"`
	Ambiguous     bool                    `json:"ambiguous"`
	Linked        bool                    `json:"linked"`
	LinkedTarget  *domain.MatchCandidate  `json:"linked_target,omitempty"`
}

// PassSummary aggregates a full pass over a tenant's unmatched transactions.
type PassSummary struct {
	Scanned   int `json:"scanned"`
	Linked    int `json:"linked"`
	Ambiguous int `json:"ambiguous"`
}

// Service runs the matcher over persisted transactions and applies links.
type Service struct {
	repo      domain.Repository
	log       *logger.Logger
	threshold int
}

func NewService(repo domain.Repository, log *logger.Logger) *Service {
	return &Service{
		repo:      repo,
		log:       log,
		threshold: AutoMatchThreshold,
	}
}

// CandidatesFor scores one transaction against the open pool on its side of
// the ledger: incoming amounts against invoices, outgoing against expenses.
func (s *Service) CandidatesFor(ctx context.Context, tenantID, transactionID string) ([]domain.MatchCandidate, error) {
	tx, err := s.transaction(ctx, tenantID, transactionID)
	if err != nil {
		return nil, err
	}
	return s.score(ctx, tx)
}

func (s *Service) score(ctx context.Context, tx *domain.BankTransaction) ([]domain.MatchCandidate, error) {
	if tx.Amount.IsNegative() {
		expenses, err := s.repo.ListOpenExpenses(ctx, tx.TenantID)
		if err != nil {
			return nil, fmt.Errorf("list open expenses: %w", err)
		}
		return ScoreExpenseCandidates(*tx, expenses), nil
	}

	invoices, err := s.repo.ListOpenInvoices(ctx, tx.TenantID)
	if err != nil {
		return nil, fmt.Errorf("list open invoices: %w", err)
	}
	return ScoreInvoiceCandidates(*tx, invoices), nil
}

// MatchTransaction scores one transaction and auto-links the top candidate
// when it clears the threshold and is not ambiguous. Tied top scores always
// surface both candidates for manual choice instead of picking one.
func (s *Service) MatchTransaction(ctx context.Context, tenantID, transactionID string) (*Outcome, error) {
	tx, err := s.transaction(ctx, tenantID, transactionID)
	if err != nil {
		return nil, err
	}
	if tx.MatchStatus != domain.MatchStatusUnmatched {
		return nil, domain.ErrAlreadyMatched
	}

	candidates, err := s.score(ctx, tx)
	if err != nil {
		return nil, err
	}

	outcome := &Outcome{TransactionID: tx.ID, Candidates: candidates}
	if len(candidates) == 0 {
		return outcome, nil
	}

	if Ambiguous(candidates) {
		outcome.Ambiguous = true
		s.log.Info(ctx, "ambiguous match, surfacing candidates for review",
			"transaction_id", tx.ID,
			"score", candidates[0].Score,
		)
		return outcome, nil
	}

	top := candidates[0]
	if top.Score < s.threshold {
		return outcome, nil
	}

	if err := s.link(ctx, tx, top, top.Score, systemMatcher, domain.MatchStatusAutoMatched); err != nil {
		return nil, err
	}

	outcome.Linked = true
	outcome.LinkedTarget = &top
	s.log.Info(ctx, "transaction auto-matched",
		"transaction_id", tx.ID,
		"target_type", string(top.TargetType),
		"target_id", top.TargetID,
		"confidence", top.Score,
		"reason", top.Reason,
	)
	return outcome, nil
}

// RunPass matches every unmatched transaction of a tenant once.
func (s *Service) RunPass(ctx context.Context, tenantID string) (*PassSummary, error) {
	transactions, err := s.repo.ListUnmatchedTransactions(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list unmatched transactions: %w", err)
	}

	summary := &PassSummary{}
	for _, tx := range transactions {
		outcome, err := s.MatchTransaction(ctx, tenantID, tx.ID)
		if err != nil {
			s.log.Error(ctx, "matching pass failed for transaction",
				"transaction_id", tx.ID,
				"error", err.Error(),
			)
			continue
		}
		summary.Scanned++
		if outcome.Linked {
			summary.Linked++
		}
		if outcome.Ambiguous {
			summary.Ambiguous++
		}
	}

	s.log.Info(ctx, "reconciliation pass finished",
		"tenant_id", tenantID,
		"scanned", summary.Scanned,
		"linked", summary.Linked,
		"ambiguous", summary.Ambiguous,
	)
	return summary, nil
}

// ManualMatch links a transaction to an explicit target regardless of any
// computed score. Confidence is forced to 100.
func (s *Service) ManualMatch(ctx context.Context, tenantID, transactionID string, targetType domain.TargetType, targetID, actorID string) error {
	tx, err := s.transaction(ctx, tenantID, transactionID)
	if err != nil {
		return err
	}
	if tx.MatchStatus != domain.MatchStatusUnmatched && tx.MatchStatus != domain.MatchStatusIgnored {
		return domain.ErrAlreadyMatched
	}

	switch targetType {
	case domain.TargetTypeInvoice:
		invoice, err := s.repo.GetInvoice(ctx, targetID)
		if err != nil {
			return err
		}
		if invoice.Status == domain.InvoiceStatusPaid {
			return domain.ErrAlreadySettled
		}
	case domain.TargetTypeExpense:
		expense, err := s.repo.GetExpense(ctx, targetID)
		if err != nil {
			return err
		}
		if expense.Status == domain.ExpenseStatusPaid {
			return domain.ErrAlreadySettled
		}
	default:
		return domain.NewValidationError("target_type", "must be INVOICE or EXPENSE")
	}

	target := domain.MatchCandidate{TargetType: targetType, TargetID: targetID}
	if err := s.link(ctx, tx, target, 100, actorID, domain.MatchStatusManualMatched); err != nil {
		return err
	}

	s.log.Info(ctx, "transaction manually matched",
		"transaction_id", tx.ID,
		"target_type", string(targetType),
		"target_id", targetID,
		"actor_id", actorID,
	)
	return nil
}

// Unlink reverts a matched transaction to UNMATCHED and clears the payment
// state the link wrote onto its target.
func (s *Service) Unlink(ctx context.Context, tenantID, transactionID, actorID string) error {
	tx, err := s.transaction(ctx, tenantID, transactionID)
	if err != nil {
		return err
	}
	if tx.MatchStatus != domain.MatchStatusAutoMatched && tx.MatchStatus != domain.MatchStatusManualMatched {
		return domain.ErrNotMatched
	}

	targetType := tx.MatchedTargetType
	targetID := tx.MatchedTargetID

	if err := s.repo.ClearTransactionMatch(ctx, tx.ID); err != nil {
		return err
	}

	switch targetType {
	case domain.TargetTypeInvoice:
		err = s.repo.ClearInvoicePayment(ctx, targetID)
	case domain.TargetTypeExpense:
		err = s.repo.ClearExpensePayment(ctx, targetID)
	}
	if err != nil {
		return fmt.Errorf("revert target payment: %w", err)
	}

	s.log.Info(ctx, "transaction unlinked",
		"transaction_id", tx.ID,
		"target_type", string(targetType),
		"target_id", targetID,
		"actor_id", actorID,
	)
	return nil
}

// link applies the match row first and settles the target second; if the
// target turns out to be settled already, the match is rolled back so the
// two records never disagree.
func (s *Service) link(ctx context.Context, tx *domain.BankTransaction, target domain.MatchCandidate, confidence int, matchedBy string, status domain.MatchStatus) error {
	if err := s.repo.ApplyTransactionMatch(ctx, tx.ID, status, target.TargetType, target.TargetID, confidence, matchedBy, time.Now()); err != nil {
		return err
	}

	var settleErr error
	switch target.TargetType {
	case domain.TargetTypeInvoice:
		settleErr = s.repo.MarkInvoicePaid(ctx, target.TargetID, tx.Date)
	case domain.TargetTypeExpense:
		settleErr = s.repo.MarkExpensePaid(ctx, target.TargetID, tx.Date, domain.PaymentMethodBankTransfer)
	}

	if settleErr != nil {
		if clearErr := s.repo.ClearTransactionMatch(ctx, tx.ID); clearErr != nil {
			s.log.Error(ctx, "failed to roll back match after settle failure",
				"transaction_id", tx.ID,
				"error", clearErr.Error(),
			)
		}
		if errors.Is(settleErr, domain.ErrAlreadySettled) {
			return domain.ErrAlreadySettled
		}
		return fmt.Errorf("settle target: %w", settleErr)
	}

	return nil
}

func (s *Service) transaction(ctx context.Context, tenantID, transactionID string) (*domain.BankTransaction, error) {
	tx, err := s.repo.GetBankTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if tx.TenantID != tenantID {
		return nil, domain.ErrTransactionNotFound
	}
	return tx, nil
}
