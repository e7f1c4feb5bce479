package mqtt

import (
	"sync"
	"time"
)

// DailyTokens totals LLM token usage for the current local day. It
// satisfies extract.TokenObserver and is safe for concurrent use.
type DailyTokens struct {
	mu       sync.Mutex
	input    int64
	output   int64
	requests int64
	day      string // YYYY-MM-DD of the running totals
	loc      *time.Location
	now      func() time.Time
}

// NewDailyTokens creates a counter that rolls over at midnight in loc.
// A nil loc means [time.Local].
func NewDailyTokens(loc *time.Location) *DailyTokens {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyTokens{loc: loc, now: time.Now}
	d.day = d.today()
	return d
}

// OnTokens adds one completed request.
func (d *DailyTokens) OnTokens(inputTokens, outputTokens int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.rollover()
	d.input += int64(inputTokens)
	d.output += int64(outputTokens)
	d.requests++
}

// Snapshot returns today's input tokens, output tokens, and request
// count.
func (d *DailyTokens) Snapshot() (input, output, requests int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.rollover()
	return d.input, d.output, d.requests
}

func (d *DailyTokens) today() string {
	return d.now().In(d.loc).Format("2006-01-02")
}

// rollover must be called with d.mu held.
func (d *DailyTokens) rollover() {
	if today := d.today(); today != d.day {
		d.input, d.output, d.requests = 0, 0, 0
		d.day = today
	}
}
