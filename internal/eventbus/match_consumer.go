package eventbus

import (
	"context"
	"errors"
	"fmt"

	"github.com/Wandeon/FiskAI-App-sub000/internal/domain"
	"github.com/Wandeon/FiskAI-App-sub000/internal/reconcile"
	"github.com/Wandeon/FiskAI-App-sub000/pkg/logger"
)

// MatchConsumer runs the reconciliation matcher over each freshly imported
// bank transaction.
type MatchConsumer struct {
	matcher     *reconcile.Service
	logger      *logger.Logger
	workerCount int
}

func NewMatchConsumer(matcher *reconcile.Service, log *logger.Logger, workerCount int) *MatchConsumer {
	return &MatchConsumer{
		matcher:     matcher,
		logger:      log,
		workerCount: workerCount,
	}
}

func (mc *MatchConsumer) Consume(ctx context.Context, event Event) error {
	payload, ok := event.Payload.(TransactionImportedEvent)
	if !ok {
		mc.logger.Error(ctx, "Invalid payload type for transaction imported event",
			"event_id", event.ID,
		)
		return fmt.Errorf("invalid payload type")
	}

	ctx = logger.WithTenantID(ctx, payload.TenantID)
	ctx = logger.WithTransactionID(ctx, payload.TransactionID)

	outcome, err := mc.matcher.MatchTransaction(ctx, payload.TenantID, payload.TransactionID)
	if err != nil {
		// Already matched means some other path got there first; that is
		// a fine terminal state, not a consume failure to retry.
		if errors.Is(err, domain.ErrAlreadyMatched) {
			mc.logger.Debug(ctx, "Transaction already matched, skipping",
				"event_id", event.ID,
			)
			return nil
		}
		mc.logger.Error(ctx, "Failed to match imported transaction",
			"event_id", event.ID,
			"error", err,
		)
		return err
	}

	mc.logger.Debug(ctx, "Imported transaction matched",
		"event_id", event.ID,
		"line_number", payload.LineNumber,
		"linked", outcome.Linked,
		"ambiguous", outcome.Ambiguous,
		"candidates", len(outcome.Candidates),
	)

	return nil
}

func (mc *MatchConsumer) GetWorkerCount() int {
	return mc.workerCount
}
