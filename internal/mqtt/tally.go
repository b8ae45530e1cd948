package mqtt

import (
	"sync"
	"time"

	"github.com/nugget/secretplan/internal/events"
)

// DailyTally counts agent runs and their tokens, resetting at local
// midnight. It is safe for concurrent use.
type DailyTally struct {
	mu       sync.Mutex
	runs     int64
	errors   int64
	input    int64
	output   int64
	resetDay int // day-of-year of last reset
	loc      *time.Location
}

// TallySnapshot is the tally at one point in time.
type TallySnapshot struct {
	Runs         int64 `json:"runs_today"`
	Errors       int64 `json:"errors_today"`
	InputTokens  int64 `json:"input_tokens_today"`
	OutputTokens int64 `json:"output_tokens_today"`
}

// NewDailyTally creates a tally using loc for midnight detection. If loc
// is nil, [time.Local] is used.
func NewDailyTally(loc *time.Location) *DailyTally {
	if loc == nil {
		loc = time.Local
	}
	return &DailyTally{
		resetDay: time.Now().In(loc).YearDay(),
		loc:      loc,
	}
}

// Observe folds one bus event into the tally. Only run_complete and
// run_error events from the agent count.
func (d *DailyTally) Observe(ev events.Event) {
	if ev.Source != events.SourceAgent {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	switch ev.Kind {
	case events.KindRunComplete:
		d.runs++
		d.input += toInt64(ev.Data["tokens_in"])
		d.output += toInt64(ev.Data["tokens_out"])
	case events.KindRunError:
		d.errors++
	}
}

// Snapshot returns the current totals after checking for midnight
// rollover.
func (d *DailyTally) Snapshot() TallySnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	return TallySnapshot{Runs: d.runs, Errors: d.errors, InputTokens: d.input, OutputTokens: d.output}
}

// maybeReset must be called with d.mu held.
func (d *DailyTally) maybeReset() {
	today := time.Now().In(d.loc).YearDay()
	if today != d.resetDay {
		d.runs, d.errors, d.input, d.output = 0, 0, 0, 0
		d.resetDay = today
	}
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	default:
		return 0
	}
}
