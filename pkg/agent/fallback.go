package agent

import (
	"sync"
	"time"

	"github.com/harun/sera/internal/observability"
)

const (
	defaultCooldownBase = 15 * time.Second
	defaultCooldownCap  = 5 * time.Minute
)

type cooldownEntry struct {
	failures      int
	cooldownUntil time.Time
}

// CooldownTable tracks per-model failure counts and exponential cooldowns.
// It is shared across runs so a model that just failed is avoided by the
// next run too. Safe for concurrent use.
type CooldownTable struct {
	mu      sync.Mutex
	base    time.Duration
	limit   time.Duration
	entries map[string]*cooldownEntry

	// now is swapped in tests.
	now func() time.Time
}

// NewCooldownTable creates a cooldown table. Zero values fall back to the
// defaults (15s base, 5m cap).
func NewCooldownTable(base, limit time.Duration) *CooldownTable {
	if base <= 0 {
		base = defaultCooldownBase
	}
	if limit <= 0 {
		limit = defaultCooldownCap
	}
	return &CooldownTable{
		base:    base,
		limit:   limit,
		entries: make(map[string]*cooldownEntry),
		now:     time.Now,
	}
}

// MarkFailure increments the model's failure count and extends its cooldown.
// The cooldown doubles per consecutive failure (base, 2x base, 4x base, ...)
// up to the cap. Returns the applied cooldown duration.
func (ct *CooldownTable) MarkFailure(model string) time.Duration {
	ct.mu.Lock()
	entry, ok := ct.entries[model]
	if !ok {
		entry = &cooldownEntry{}
		ct.entries[model] = entry
	}
	entry.failures++

	cooldown := ct.base
	for i := 1; i < entry.failures; i++ {
		cooldown *= 2
		if cooldown >= ct.limit {
			cooldown = ct.limit
			break
		}
	}
	entry.cooldownUntil = ct.now().Add(cooldown)
	ct.mu.Unlock()

	observability.RecordModelFailure(model)
	observability.SetModelCooldown(model, true)
	return cooldown
}

// MarkSuccess clears the model's failure history and cooldown.
func (ct *CooldownTable) MarkSuccess(model string) {
	ct.mu.Lock()
	_, existed := ct.entries[model]
	delete(ct.entries, model)
	ct.mu.Unlock()

	if existed {
		observability.SetModelCooldown(model, false)
	}
}

// Candidates orders the models to try for one call: the primary first, then
// each fallback not equal to the primary. Models currently in cooldown are
// skipped as long as at least one candidate is available; when every
// candidate is cooling, all of them are returned so the call still has a
// chance instead of deadlocking.
func (ct *CooldownTable) Candidates(primary string, fallbacks []string) []string {
	ordered := make([]string, 0, 1+len(fallbacks))
	ordered = append(ordered, primary)
	for _, m := range fallbacks {
		if m != primary {
			ordered = append(ordered, m)
		}
	}

	ct.mu.Lock()
	now := ct.now()
	available := make([]string, 0, len(ordered))
	cooled := make([]string, 0, len(ordered))
	for _, m := range ordered {
		if entry, ok := ct.entries[m]; ok && entry.cooldownUntil.After(now) {
			cooled = append(cooled, m)
		} else {
			available = append(available, m)
		}
	}
	ct.mu.Unlock()

	if len(available) > 0 {
		return available
	}
	return cooled
}

// FailureCount returns the model's consecutive failure count.
func (ct *CooldownTable) FailureCount(model string) int {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if entry, ok := ct.entries[model]; ok {
		return entry.failures
	}
	return 0
}

// CooldownRemaining returns how long the model stays cooled, zero when it is
// available.
func (ct *CooldownTable) CooldownRemaining(model string) time.Duration {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	entry, ok := ct.entries[model]
	if !ok {
		return 0
	}
	remaining := entry.cooldownUntil.Sub(ct.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}
