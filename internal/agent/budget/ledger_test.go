package budget

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryPersistence struct {
	entries   []Entry
	appendErr error
}

func (m *memoryPersistence) Append(e Entry) error {
	if m.appendErr != nil {
		return m.appendErr
	}
	m.entries = append(m.entries, e)
	return nil
}

func (m *memoryPersistence) LoadSince(since time.Time) ([]Entry, error) {
	var out []Entry
	for _, e := range m.entries {
		if !e.Timestamp.Before(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

func newTestLedger(now *time.Time) *Ledger {
	l := NewLedger()
	l.now = func() time.Time { return *now }
	return l
}

func TestUncappedProviderIsAlwaysAllowed(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	l := newTestLedger(&now)

	l.Record(Entry{Provider: "openai", CostUSD: 1000})
	assert.True(t, l.Check("openai").Allowed)
}

func TestSpendExactlyAtCapIsAccepted(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	l := newTestLedger(&now)
	l.SetCap("anthropic", 10)

	l.Record(Entry{Provider: "anthropic", CostUSD: 7.5})
	assert.True(t, l.CheckEstimate("anthropic", 2.5).Allowed)

	d := l.CheckEstimate("anthropic", 2.51)
	assert.False(t, d.Allowed)
	assert.Equal(t, "spent $7.50 of $10.00", d.Message)
	assert.InDelta(t, 7.5, d.SpentUSD, 1e-9)
	assert.InDelta(t, 10.0, d.CapUSD, 1e-9)
}

func TestCheckRejectsOnceCapReached(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	l := newTestLedger(&now)
	l.SetCap("openai", 5)

	l.Record(Entry{Provider: "openai", CostUSD: 4.99})
	assert.True(t, l.Check("openai").Allowed)

	l.Record(Entry{Provider: "openai", CostUSD: 0.01})
	assert.False(t, l.Check("openai").Allowed)
}

func TestSpendResetsEachMonth(t *testing.T) {
	now := time.Date(2026, 3, 31, 23, 0, 0, 0, time.UTC)
	l := newTestLedger(&now)
	l.SetCap("openai", 1)
	l.Record(Entry{Provider: "openai", CostUSD: 1})
	require.False(t, l.Check("openai").Allowed)

	now = time.Date(2026, 4, 1, 0, 0, 1, 0, time.UTC)
	assert.True(t, l.Check("openai").Allowed)
	assert.Zero(t, l.Spent("openai"))
}

func TestSetCapZeroRemovesCap(t *testing.T) {
	l := NewLedger()
	l.SetCap("openai", 3)
	assert.Equal(t, map[string]float64{"openai": 3}, l.Caps())

	l.SetCap("openai", 0)
	assert.Empty(t, l.Caps())
}

func TestRecordAssignsIDAndPersists(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	l := newTestLedger(&now)
	p := &memoryPersistence{}
	require.NoError(t, l.SetPersistence(p))

	e := l.Record(Entry{Provider: "gemini", CostUSD: 0.25, ConversationID: "c1"})
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, now, e.Timestamp)
	require.Len(t, p.entries, 1)
	assert.Equal(t, e.ID, p.entries[0].ID)
}

func TestRecordKeepsInMemorySpendWhenPersistFails(t *testing.T) {
	l := NewLedger()
	require.NoError(t, l.SetPersistence(&memoryPersistence{appendErr: errors.New("disk full")}))

	l.Record(Entry{Provider: "openai", CostUSD: 2})
	assert.InDelta(t, 2.0, l.Spent("openai"), 1e-9)
}

func TestSetPersistenceLoadsCurrentMonth(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	p := &memoryPersistence{entries: []Entry{
		{ID: "a", Provider: "openai", CostUSD: 3, Timestamp: time.Date(2026, 2, 27, 0, 0, 0, 0, time.UTC)},
		{ID: "b", Provider: "openai", CostUSD: 1.5, Timestamp: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)},
	}}

	l := newTestLedger(&now)
	require.NoError(t, l.SetPersistence(p))
	assert.InDelta(t, 1.5, l.Spent("openai"), 1e-9)
}

func TestSummaryIncludesCappedProvidersWithoutSpend(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	l := newTestLedger(&now)
	l.SetCap("anthropic", 20)
	l.Record(Entry{Provider: "openai", CostUSD: 1})

	assert.Equal(t, []ProviderSpend{
		{Provider: "anthropic", CapUSD: 20},
		{Provider: "openai", SpentUSD: 1},
	}, l.Summary())
}
