package attendance

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Checkpoint identifies one of the three sequential attendance checkpoints of an event.
type Checkpoint int

const (
	CheckpointFirst  Checkpoint = 1
	CheckpointSecond Checkpoint = 2
	CheckpointThird  Checkpoint = 3
)

// NumCheckpoints is the fixed number of checkpoints per event.
const NumCheckpoints = 3

var checkpointActions = [NumCheckpoints]string{"primera", "segunda", "tercera"}

// Valid reports whether c is one of the three checkpoints.
func (c Checkpoint) Valid() bool {
	return c >= CheckpointFirst && c <= CheckpointThird
}

// Action returns the wire name clients use for the checkpoint.
func (c Checkpoint) Action() string {
	if !c.Valid() {
		return ""
	}
	return checkpointActions[c-1]
}

func (c Checkpoint) String() string {
	return fmt.Sprintf("%d", int(c))
}

// ParseCheckpointAction maps "primera"/"segunda"/"tercera" (or "1".."3") to a Checkpoint.
func ParseCheckpointAction(s string) (Checkpoint, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range checkpointActions {
		if s == name || s == fmt.Sprintf("%d", i+1) {
			return Checkpoint(i + 1), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown checkpoint action %q", ErrInvalidInput, s)
}

// DefaultDurations is the per-checkpoint window length table.
var DefaultDurations = [NumCheckpoints]time.Duration{30 * time.Minute, 30 * time.Minute, 10 * time.Minute}

// Window is the interval during which a checkpoint may be marked.
type Window struct {
	Checkpoint Checkpoint `json:"-"`
	Start      time.Time  `json:"inicio"`
	End        time.Time  `json:"fin"`
}

// Windows is the full set of checkpoint windows for one form.
type Windows [NumCheckpoints]Window

// MarshalJSON renders windows keyed by checkpoint action name.
func (w Windows) MarshalJSON() ([]byte, error) {
	m := make(map[string]Window, NumCheckpoints)
	for _, win := range w {
		m[win.Checkpoint.Action()] = win
	}
	return json.Marshal(m)
}

// Calculator derives checkpoint windows from a form's anchor time.
type Calculator struct {
	durations [NumCheckpoints]time.Duration
}

// NewCalculator creates a calculator; non-positive durations fall back to the defaults.
func NewCalculator(durations [NumCheckpoints]time.Duration) Calculator {
	for i, d := range durations {
		if d <= 0 {
			durations[i] = DefaultDurations[i]
		}
	}
	return Calculator{durations: durations}
}

// Windows returns the three contiguous windows starting at anchor.
func (c Calculator) Windows(anchor time.Time) Windows {
	var out Windows
	start := anchor
	for i := range out {
		d := c.durations[i]
		if d <= 0 {
			d = DefaultDurations[i]
		}
		out[i] = Window{Checkpoint: Checkpoint(i + 1), Start: start, End: start.Add(d)}
		start = out[i].End
	}
	return out
}

// ActiveCheckpoint classifies now against the windows derived from anchor.
// The first window is closed on both ends; later windows exclude their start so the
// shared boundary belongs to the earlier checkpoint.
func (c Calculator) ActiveCheckpoint(anchor, now time.Time) (Checkpoint, bool) {
	for i, w := range c.Windows(anchor) {
		if now.After(w.End) {
			continue
		}
		if i == 0 {
			if !now.Before(w.Start) {
				return w.Checkpoint, true
			}
			return 0, false
		}
		if now.After(w.Start) {
			return w.Checkpoint, true
		}
		return 0, false
	}
	return 0, false
}
