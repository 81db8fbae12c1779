package agent

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestCooldownTable() (*CooldownTable, *time.Time) {
	ct := NewCooldownTable(15*time.Second, 5*time.Minute)
	now := time.Now()
	ct.now = func() time.Time { return now }
	return ct, &now
}

func TestCooldownTable_BackoffDoubles(t *testing.T) {
	ct, _ := newTestCooldownTable()

	assert.Equal(t, 15*time.Second, ct.MarkFailure("m"))
	assert.Equal(t, 30*time.Second, ct.MarkFailure("m"))
	assert.Equal(t, 60*time.Second, ct.MarkFailure("m"))
	assert.Equal(t, 120*time.Second, ct.MarkFailure("m"))
	assert.Equal(t, 240*time.Second, ct.MarkFailure("m"))
	assert.Equal(t, 5*time.Minute, ct.MarkFailure("m"))
	assert.Equal(t, 5*time.Minute, ct.MarkFailure("m"))

	assert.Equal(t, 7, ct.FailureCount("m"))
}

func TestCooldownTable_CapSurvivesManyFailures(t *testing.T) {
	ct, _ := newTestCooldownTable()

	var last time.Duration
	for i := 0; i < 100; i++ {
		last = ct.MarkFailure("m")
	}
	assert.Equal(t, 5*time.Minute, last)
	assert.Equal(t, 100, ct.FailureCount("m"))
}

func TestCooldownTable_MarkSuccessClears(t *testing.T) {
	ct, _ := newTestCooldownTable()

	ct.MarkFailure("m")
	ct.MarkFailure("m")
	assert.Equal(t, 2, ct.FailureCount("m"))
	assert.Greater(t, ct.CooldownRemaining("m"), time.Duration(0))

	ct.MarkSuccess("m")
	assert.Equal(t, 0, ct.FailureCount("m"))
	assert.Equal(t, time.Duration(0), ct.CooldownRemaining("m"))

	// Failure history starts over.
	assert.Equal(t, 15*time.Second, ct.MarkFailure("m"))
}

func TestCooldownTable_CandidatesOrder(t *testing.T) {
	ct, _ := newTestCooldownTable()

	got := ct.Candidates("primary", []string{"fb-1", "fb-2"})
	assert.Equal(t, []string{"primary", "fb-1", "fb-2"}, got)
}

func TestCooldownTable_CandidatesDedupePrimary(t *testing.T) {
	ct, _ := newTestCooldownTable()

	got := ct.Candidates("primary", []string{"fb-1", "primary", "fb-2"})
	assert.Equal(t, []string{"primary", "fb-1", "fb-2"}, got)
}

func TestCooldownTable_CandidatesSkipCooled(t *testing.T) {
	ct, _ := newTestCooldownTable()

	ct.MarkFailure("primary")
	got := ct.Candidates("primary", []string{"fb-1", "fb-2"})
	assert.Equal(t, []string{"fb-1", "fb-2"}, got)

	ct.MarkFailure("fb-1")
	got = ct.Candidates("primary", []string{"fb-1", "fb-2"})
	assert.Equal(t, []string{"fb-2"}, got)
}

func TestCooldownTable_AllCooledStillReturned(t *testing.T) {
	ct, _ := newTestCooldownTable()

	ct.MarkFailure("primary")
	ct.MarkFailure("fb-1")

	// Every candidate cooling must not deadlock submissions; the full
	// ordered list comes back instead.
	got := ct.Candidates("primary", []string{"fb-1"})
	assert.Equal(t, []string{"primary", "fb-1"}, got)
}

func TestCooldownTable_CooldownExpires(t *testing.T) {
	ct, now := newTestCooldownTable()

	ct.MarkFailure("primary")
	assert.Equal(t, []string{"fb-1"}, ct.Candidates("primary", []string{"fb-1"}))

	*now = now.Add(16 * time.Second)
	assert.Equal(t, []string{"primary", "fb-1"}, ct.Candidates("primary", []string{"fb-1"}))

	// Expiry does not reset the failure count; the next failure cools
	// twice as long.
	assert.Equal(t, 30*time.Second, ct.MarkFailure("primary"))
}

func TestCooldownTable_Defaults(t *testing.T) {
	ct := NewCooldownTable(0, 0)

	assert.Equal(t, 15*time.Second, ct.MarkFailure("m"))
	for i := 0; i < 10; i++ {
		ct.MarkFailure("m")
	}
	assert.Equal(t, 5*time.Minute, ct.MarkFailure("m"))
}

func TestCooldownTable_ConcurrentAccess(t *testing.T) {
	ct := NewCooldownTable(time.Millisecond, 10*time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				ct.MarkFailure("m")
				ct.Candidates("m", []string{"fb"})
				ct.MarkSuccess("m")
			}
		}()
	}
	wg.Wait()

	assert.NotPanics(t, func() { ct.CooldownRemaining("m") })
}
