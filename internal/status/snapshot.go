package status

import (
	"encoding/json"
	"time"
)

// Snapshot is a partial record of per-stage completion timestamps as carried
// by one stream frame. Three states per stage:
//   - key absent: no information about the stage in this frame
//   - key present, nil: stage known to be incomplete (catch-up frames)
//   - key present, non-nil: stage completed at that time
type Snapshot map[Stage]*time.Time

// MarshalJSON emits the wire form, keyed by per-stage field names
// (job_parsed_at, educations_selected_at, ...). Absent stages are omitted,
// incomplete stages are explicit nulls.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	out := make(map[string]*time.Time, len(s))
	for stage, ts := range s {
		out[stage.Field()] = ts
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the wire form. Unrecognized fields are ignored so
// older clients tolerate newer frames.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var raw map[string]*time.Time
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	snap := make(Snapshot, len(raw))
	for _, stage := range Stages() {
		if ts, ok := raw[stage.Field()]; ok {
			snap[stage] = ts
		}
	}
	*s = snap
	return nil
}

// Clone returns a deep copy safe to retain across goroutines.
func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for stage, ts := range s {
		if ts == nil {
			out[stage] = nil
			continue
		}
		t := *ts
		out[stage] = &t
	}
	return out
}

// Watermark tracks, per stage, the newest completion timestamp accepted so
// far. An absent key means the stage has never been seen complete. A single
// goroutine owns each Watermark; it is not safe for concurrent use.
type Watermark map[Stage]time.Time

// Merge applies snap to the watermark and returns the stages that advanced,
// in canonical order. Only strictly newer timestamps are accepted, so the
// operation is idempotent and insensitive to delivery order: omitted fields,
// explicit nulls, duplicates and stale values never regress state.
func (w Watermark) Merge(snap Snapshot) []Stage {
	var advanced []Stage
	for _, stage := range Stages() {
		ts, ok := snap[stage]
		if !ok || ts == nil {
			continue
		}
		cur, seen := w[stage]
		if !seen || ts.After(cur) {
			w[stage] = *ts
			advanced = append(advanced, stage)
		}
	}
	return advanced
}

// Complete reports whether every pipeline stage has a watermark.
func (w Watermark) Complete() bool {
	return len(w) == len(allStages)
}

// Snapshot renders the watermark as a full snapshot: every stage key present,
// nil for stages not yet complete. This is the catch-up frame shape.
func (w Watermark) Snapshot() Snapshot {
	snap := make(Snapshot, len(allStages))
	for _, stage := range Stages() {
		if ts, ok := w[stage]; ok {
			t := ts
			snap[stage] = &t
		} else {
			snap[stage] = nil
		}
	}
	return snap
}
