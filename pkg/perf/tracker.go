package perf

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/kairos-io/firmforge/internal"
)

// Record is one timed operation
type Record struct {
	Name     string        `json:"name"`
	Stage    string        `json:"stage"`
	Start    time.Time     `json:"start_time"`
	End      time.Time     `json:"end_time"`
	Duration time.Duration `json:"duration"`
}

// StageTotal is the accumulated time of every record of a stage
type StageTotal struct {
	Stage    string        `json:"stage"`
	Duration time.Duration `json:"duration"`
	Count    int           `json:"count"`
}

// Tracker collects timing records for one build run. It is safe for concurrent use.
// Records are appended in completion order.
type Tracker struct {
	mu      sync.Mutex
	runID   string
	active  map[string]time.Time
	records []Record
	now     func() time.Time
}

func NewTracker() *Tracker {
	t := &Tracker{now: time.Now}
	t.Reset()
	return t
}

func key(name, stage string) string {
	return stage + ":" + name
}

// Reset drops every record and starts a new run id
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active = map[string]time.Time{}
	t.records = nil
	id, err := uuid.NewV4()
	if err != nil {
		t.runID = fmt.Sprintf("run-%d", t.now().UnixNano())
		return
	}
	t.runID = id.String()
}

func (t *Tracker) RunID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runID
}

// Start begins timing name within stage. Starting an already running timer restarts it.
func (t *Tracker) Start(name, stage string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active[key(name, stage)] = t.now()
}

// Stop completes the timer and returns the new record, false if it was never started
func (t *Tracker) Stop(name, stage string) (Record, bool) {
	t.mu.Lock()
	k := key(name, stage)
	start, ok := t.active[k]
	if !ok {
		t.mu.Unlock()
		return Record{}, false
	}
	delete(t.active, k)
	end := t.now()
	r := Record{Name: name, Stage: stage, Start: start, End: end, Duration: end.Sub(start)}
	t.records = append(t.records, r)
	t.mu.Unlock()

	internal.Log.Logger.Debug().Str("stage", stage).Str("op", name).Str("took", FormatDuration(r.Duration)).Msg("Timed")
	return r, true
}

// Track starts a timer and returns the func that stops it, meant for defer
func (t *Tracker) Track(name, stage string) func() {
	t.Start(name, stage)
	return func() { t.Stop(name, stage) }
}

// Records returns a copy of the completed records
func (t *Tracker) Records() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Record(nil), t.records...)
}

// StageSummary totals the records per stage, longest stage first
func (t *Tracker) StageSummary() []StageTotal {
	t.mu.Lock()
	defer t.mu.Unlock()
	var totals []StageTotal
	index := map[string]int{}
	for _, r := range t.records {
		i, ok := index[r.Stage]
		if !ok {
			i = len(totals)
			index[r.Stage] = i
			totals = append(totals, StageTotal{Stage: r.Stage})
		}
		totals[i].Duration += r.Duration
		totals[i].Count++
	}
	sort.SliceStable(totals, func(i, j int) bool { return totals[i].Duration > totals[j].Duration })
	return totals
}

// Total is the sum of every completed record
func (t *Tracker) Total() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	var total time.Duration
	for _, r := range t.records {
		total += r.Duration
	}
	return total
}

// FormatDuration renders 12.34s, 3m 7.50s or 1h 2m 3.00s
func FormatDuration(d time.Duration) string {
	s := d.Seconds()
	switch {
	case s < 60:
		return fmt.Sprintf("%.2fs", s)
	case s < 3600:
		return fmt.Sprintf("%dm %.2fs", int(s/60), math.Mod(s, 60))
	default:
		return fmt.Sprintf("%dh %dm %.2fs", int(s/3600), int(math.Mod(s, 3600)/60), math.Mod(s, 60))
	}
}

type report struct {
	RunID        string       `json:"run_id"`
	Records      []Record     `json:"records"`
	StageSummary []StageTotal `json:"stage_summary"`
	Total        float64      `json:"total_time"`
}

// WriteJSON exports the records, the stage summary and the total in seconds
func (t *Tracker) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report{
		RunID:        t.RunID(),
		Records:      t.Records(),
		StageSummary: t.StageSummary(),
		Total:        t.Total().Seconds(),
	})
}
