package attendance

import (
	"fmt"
	"strings"
	"time"
)

// MarkCheckpoint applies one checkpoint transition for phone to snap.
//
// Checkpoint 1 creates the record and can happen only once. Checkpoints 2 and 3 need an
// existing record; 3 also needs 1 and 2. Marks are never reverted. snap itself is left
// untouched: the returned snapshot is a copy holding every record, and the returned
// Record is the one that changed.
func MarkCheckpoint(snap Snapshot, phone string, cp Checkpoint, profile Profile, now time.Time) (Snapshot, Record, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return snap, Record{}, fmt.Errorf("%w: phone required", ErrInvalidInput)
	}
	if !cp.Valid() {
		return snap, Record{}, fmt.Errorf("%w: checkpoint %d", ErrInvalidInput, int(cp))
	}

	out := snap.Clone()
	idx := out.Find(phone)
	markedAt := now.UTC()

	if cp == CheckpointFirst {
		if idx != -1 {
			return snap, Record{}, ErrAlreadyRegistered
		}
		rec := Record{
			Name:        profile.Name,
			Email:       profile.Email,
			Age:         Age(profile.Age),
			Phone:       phone,
			Affiliation: profile.Affiliation,
			CreatedAt:   markedAt,
		}
		rec.Checkpoints[0] = CheckpointMark{Attended: true, MarkedAt: &markedAt}
		out.Records = append(out.Records, rec)
		return out, rec, nil
	}

	if idx == -1 {
		return snap, Record{}, ErrNotRegistered
	}
	rec := out.Records[idx]
	if rec.Checkpoints.At(cp).Attended {
		return snap, Record{}, fmt.Errorf("%w: checkpoint %s", ErrAlreadyMarked, cp)
	}
	if cp == CheckpointThird && (!rec.Checkpoints.At(CheckpointFirst).Attended || !rec.Checkpoints.At(CheckpointSecond).Attended) {
		return snap, Record{}, ErrPrerequisiteNotMet
	}
	rec.Checkpoints[cp-1] = CheckpointMark{Attended: true, MarkedAt: &markedAt}
	out.Records[idx] = rec
	return out, rec, nil
}
