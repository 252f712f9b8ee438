package service

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Wandeon/FiskAI-App-sub000/internal/domain"
	"github.com/Wandeon/FiskAI-App-sub000/internal/eventbus"
	"github.com/Wandeon/FiskAI-App-sub000/internal/storage"
	"github.com/Wandeon/FiskAI-App-sub000/pkg/logger"
)

// captureBus records published events synchronously so tests can assert on
// them without workers.
type captureBus struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (b *captureBus) Publish(ctx context.Context, event eventbus.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	return nil
}

func (b *captureBus) Subscribe(eventbus.EventType, eventbus.Consumer) error { return nil }
func (b *captureBus) Start(context.Context) error                          { return nil }
func (b *captureBus) Shutdown(context.Context) error                       { return nil }

func (b *captureBus) published() []eventbus.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]eventbus.Event(nil), b.events...)
}

func newProcessorFixture(t *testing.T) (*CSVProcessor, *storage.MemoryStore, *captureBus) {
	t.Helper()
	repo := storage.NewMemoryStore()
	bus := &captureBus{}
	return NewCSVProcessor(bus, repo, logger.NewNop()), repo, bus
}

func seedImport(t *testing.T, repo *storage.MemoryStore, id string) {
	t.Helper()
	require.NoError(t, repo.CreateImport(context.Background(), &domain.StatementImport{
		ID:       id,
		TenantID: "tenant-1",
		Status:   domain.ImportStatusProcessing,
	}))
}

func TestProcessStreamPersistsRowsAndPublishes(t *testing.T) {
	p, repo, bus := newProcessorFixture(t)
	ctx := context.Background()

	seedImport(t, repo, "imp-1")

	stream := strings.Join([]string{
		"2026-08-20,125.00,uplata po racunu,42-POSL1-1",
		"2026-08-21,-89.90,KONČAR D.O.O. racun 55,",
	}, "\n")

	require.NoError(t, p.ProcessStream(ctx, "tenant-1", "imp-1", strings.NewReader(stream)))

	events := bus.published()
	require.Len(t, events, 2)
	assert.Equal(t, eventbus.EventTypeTransactionImported, events[0].Type)

	payload, ok := events[0].Payload.(eventbus.TransactionImportedEvent)
	require.True(t, ok)
	assert.Equal(t, "tenant-1", payload.TenantID)
	assert.Equal(t, "imp-1", payload.ImportID)
	assert.Equal(t, 1, payload.LineNumber)

	tx, err := repo.GetBankTransaction(ctx, payload.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, "uplata po racunu", tx.Description)
	assert.Equal(t, "42-POSL1-1", tx.Reference)
	assert.Equal(t, "125", tx.Amount.String())
	assert.Equal(t, domain.MatchStatusUnmatched, tx.MatchStatus)

	imp, err := repo.GetImport(ctx, "imp-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ImportStatusCompleted, imp.Status)
	assert.Equal(t, 2, imp.ProcessedRows)
	assert.Zero(t, imp.SkippedRows)
	require.NotNil(t, imp.CompletedAt)
}

func TestProcessStreamSkipsUnparsableRows(t *testing.T) {
	p, repo, bus := newProcessorFixture(t)
	ctx := context.Background()

	seedImport(t, repo, "imp-1")

	stream := strings.Join([]string{
		"2026-08-20,125.00,uplata,REF-1",
		"not-a-date,10.00,something,",
		"2026-08-21,0.00,zero amount row,",
		"2026-08-22,15.00,,",
	}, "\n")

	require.NoError(t, p.ProcessStream(ctx, "tenant-1", "imp-1", strings.NewReader(stream)))

	assert.Len(t, bus.published(), 1)

	imp, err := repo.GetImport(ctx, "imp-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ImportStatusCompleted, imp.Status)
	assert.Equal(t, 1, imp.ProcessedRows)
	assert.Equal(t, 3, imp.SkippedRows)
	assert.Equal(t, 4, imp.TotalRows)
}

func TestProcessStreamCountsMalformedLinesAsSkipped(t *testing.T) {
	p, repo, bus := newProcessorFixture(t)
	ctx := context.Background()

	seedImport(t, repo, "imp-1")

	// The second line has the wrong column count and fails at the reader,
	// before field parsing. It still shows up in the skipped tally.
	stream := strings.Join([]string{
		"2026-08-20,125.00,uplata,REF-1",
		"2026-08-21,too,few",
	}, "\n")

	require.NoError(t, p.ProcessStream(ctx, "tenant-1", "imp-1", strings.NewReader(stream)))

	assert.Len(t, bus.published(), 1)

	imp, err := repo.GetImport(ctx, "imp-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ImportStatusCompleted, imp.Status)
	assert.Equal(t, 1, imp.ProcessedRows)
	assert.Equal(t, 1, imp.SkippedRows)
	assert.Equal(t, 2, imp.TotalRows)
}

func TestProcessStreamAllRowsBadMarksImportFailed(t *testing.T) {
	p, repo, bus := newProcessorFixture(t)
	ctx := context.Background()

	seedImport(t, repo, "imp-1")

	stream := "garbage,0.00,,"

	require.NoError(t, p.ProcessStream(ctx, "tenant-1", "imp-1", strings.NewReader(stream)))

	assert.Empty(t, bus.published())

	imp, err := repo.GetImport(ctx, "imp-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ImportStatusFailed, imp.Status)
}

func TestProcessStreamEmptyInput(t *testing.T) {
	p, repo, bus := newProcessorFixture(t)
	ctx := context.Background()

	seedImport(t, repo, "imp-1")

	require.NoError(t, p.ProcessStream(ctx, "tenant-1", "imp-1", strings.NewReader("")))

	assert.Empty(t, bus.published())

	imp, err := repo.GetImport(ctx, "imp-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ImportStatusCompleted, imp.Status)
	assert.Zero(t, imp.TotalRows)
}
