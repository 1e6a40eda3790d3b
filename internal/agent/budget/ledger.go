// Package budget tracks monthly spend per provider and gates requests
// against configured caps.
package budget

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
)

// Entry is one recorded model call.
type Entry struct {
	ID             string    `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	Provider       string    `json:"provider"`
	Model          string    `json:"model,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	InputTokens    int       `json:"input_tokens,omitempty"`
	OutputTokens   int       `json:"output_tokens,omitempty"`
	CostUSD        float64   `json:"cost_usd"`
	// Estimated marks costs derived from the pricing table.
	Estimated bool `json:"estimated,omitempty"`
}

// Persistence stores ledger entries.
type Persistence interface {
	Append(entry Entry) error
	LoadSince(since time.Time) ([]Entry, error)
}

// Decision is the outcome of a budget check.
type Decision struct {
	Allowed  bool
	Message  string
	SpentUSD float64
	CapUSD   float64
}

// Ledger keeps the running monthly spend per provider. It is shared by every
// conversation in the process.
type Ledger struct {
	mu          sync.RWMutex
	caps        map[string]float64
	spent       map[string]map[string]float64 // month -> provider -> USD
	persistence Persistence
	now         func() time.Time
}

// NewLedger creates an empty ledger with no caps.
func NewLedger() *Ledger {
	return &Ledger{
		caps:  make(map[string]float64),
		spent: make(map[string]map[string]float64),
		now:   time.Now,
	}
}

func monthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

func monthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// SetPersistence attaches a store and loads the current month's entries.
func (l *Ledger) SetPersistence(p Persistence) error {
	entries, err := p.LoadSince(monthStart(l.now()))
	if err != nil {
		return fmt.Errorf("load budget ledger: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.persistence = p
	for _, e := range entries {
		l.addLocked(e)
	}
	log.Debug().Int("entries", len(entries)).Msg("Loaded budget ledger")
	return nil
}

// SetCap sets the monthly cap for a provider. A cap <= 0 removes it.
func (l *Ledger) SetCap(provider string, usd float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if usd <= 0 {
		delete(l.caps, provider)
		return
	}
	l.caps[provider] = usd
}

// Caps returns a copy of the configured caps.
func (l *Ledger) Caps() map[string]float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]float64, len(l.caps))
	for k, v := range l.caps {
		out[k] = v
	}
	return out
}

// Check reports whether provider still has room under its cap.
func (l *Ledger) Check(provider string) Decision {
	return l.CheckEstimate(provider, 0)
}

// CheckEstimate admits a request whose estimated cost keeps the month's
// spend at or under the cap. With no estimate, a provider whose spend has
// reached the cap is rejected.
func (l *Ledger) CheckEstimate(provider string, estimateUSD float64) Decision {
	l.mu.RLock()
	defer l.mu.RUnlock()

	spent := l.spent[monthKey(l.now())][provider]
	limit, capped := l.caps[provider]
	d := Decision{Allowed: true, SpentUSD: spent, CapUSD: limit}
	if !capped {
		return d
	}

	exceeded := spent+estimateUSD > limit
	if estimateUSD <= 0 {
		exceeded = spent >= limit
	}
	if exceeded {
		d.Allowed = false
		d.Message = fmt.Sprintf("spent $%.2f of $%.2f", spent, limit)
	}
	return d
}

// Record adds the actual cost of a completed call.
func (l *Ledger) Record(entry Entry) Entry {
	if entry.ID == "" {
		entry.ID = ulid.Make().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.now()
	}

	l.mu.Lock()
	l.addLocked(entry)
	p := l.persistence
	l.mu.Unlock()

	if p != nil {
		if err := p.Append(entry); err != nil {
			log.Warn().Err(err).Str("provider", entry.Provider).Msg("Failed to persist budget entry")
		}
	}
	return entry
}

// Spent returns the current month's spend for a provider.
func (l *Ledger) Spent(provider string) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.spent[monthKey(l.now())][provider]
}

// ProviderSpend is one row of a monthly summary.
type ProviderSpend struct {
	Provider string
	SpentUSD float64
	CapUSD   float64
}

// Summary returns the current month's spend for every provider with spend or a cap.
func (l *Ledger) Summary() []ProviderSpend {
	l.mu.RLock()
	defer l.mu.RUnlock()

	month := l.spent[monthKey(l.now())]
	seen := map[string]bool{}
	var out []ProviderSpend
	for provider, usd := range month {
		seen[provider] = true
		out = append(out, ProviderSpend{Provider: provider, SpentUSD: usd, CapUSD: l.caps[provider]})
	}
	for provider, limit := range l.caps {
		if !seen[provider] {
			out = append(out, ProviderSpend{Provider: provider, CapUSD: limit})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

func (l *Ledger) addLocked(e Entry) {
	key := monthKey(e.Timestamp)
	if l.spent[key] == nil {
		l.spent[key] = make(map[string]float64)
	}
	l.spent[key][e.Provider] += e.CostUSD
}
