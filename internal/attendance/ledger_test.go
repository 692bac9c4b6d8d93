package attendance

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"
)

var visitor = Profile{Name: "Ana", Email: "ana@example.com", Age: "15", Affiliation: "Central"}

func attendedFlags(r Record) [NumCheckpoints]bool {
	var out [NumCheckpoints]bool
	for i, m := range r.Checkpoints {
		out[i] = m.Attended
	}
	return out
}

func TestMarkCheckpointEmptyLedgerRequiresRegistration(t *testing.T) {
	for _, cp := range []Checkpoint{CheckpointSecond, CheckpointThird} {
		_, _, err := MarkCheckpoint(Snapshot{}, "555-0100", cp, visitor, anchor)
		if !errors.Is(err, ErrNotRegistered) {
			t.Errorf("checkpoint %d on empty ledger: got %v, want ErrNotRegistered", cp, err)
		}
	}
}

func TestMarkCheckpointFirstCreatesRecord(t *testing.T) {
	now := anchor.Add(10 * time.Minute)
	snap, rec, err := MarkCheckpoint(Snapshot{Token: "abc"}, " 555-0100 ", CheckpointFirst, visitor, now)
	if err != nil {
		t.Fatalf("mark: %v", err)
	}
	if snap.Token != "abc" {
		t.Errorf("token not carried: %q", snap.Token)
	}
	if len(snap.Records) != 1 || snap.Records[0].Phone != "555-0100" {
		t.Fatalf("unexpected records %+v", snap.Records)
	}
	if attendedFlags(rec) != [NumCheckpoints]bool{true, false, false} {
		t.Errorf("unexpected flags %v", attendedFlags(rec))
	}
	if rec.Checkpoints[0].MarkedAt == nil || !rec.Checkpoints[0].MarkedAt.Equal(now) {
		t.Errorf("first checkpoint time %v", rec.Checkpoints[0].MarkedAt)
	}
	if rec.Checkpoints[1].MarkedAt != nil || rec.Checkpoints[2].MarkedAt != nil {
		t.Error("later checkpoints must have no timestamp")
	}
	if rec.Name != "Ana" || rec.Email != "ana@example.com" || rec.Age != "15" || rec.Affiliation != "Central" {
		t.Errorf("profile not stored: %+v", rec)
	}
	if rec.EligibleForExam() {
		t.Error("should not be eligible after one checkpoint")
	}
}

func TestMarkCheckpointFirstTwiceFails(t *testing.T) {
	snap, _, err := MarkCheckpoint(Snapshot{}, "555-0100", CheckpointFirst, visitor, anchor)
	if err != nil {
		t.Fatal(err)
	}
	before, _ := json.Marshal(snap.Records)

	other := Profile{Name: "Otro"}
	got, _, err := MarkCheckpoint(snap, "555-0100", CheckpointFirst, other, anchor.Add(time.Minute))
	if !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("got %v, want ErrAlreadyRegistered", err)
	}
	after, _ := json.Marshal(got.Records)
	if string(before) != string(after) {
		t.Errorf("failed attempt changed the ledger:\n%s\n%s", before, after)
	}
}

func TestMarkCheckpointDoesNotMutateInput(t *testing.T) {
	snap, _, _ := MarkCheckpoint(Snapshot{}, "555-0100", CheckpointFirst, visitor, anchor)
	orig := snap.Clone()

	if _, _, err := MarkCheckpoint(snap, "555-0100", CheckpointSecond, visitor, anchor.Add(45*time.Minute)); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(orig, snap) {
		t.Error("input snapshot was modified")
	}
}

func TestMarkCheckpointThirdNeedsSecond(t *testing.T) {
	snap, _, _ := MarkCheckpoint(Snapshot{}, "555-0100", CheckpointFirst, visitor, anchor)
	_, _, err := MarkCheckpoint(snap, "555-0100", CheckpointThird, visitor, anchor.Add(65*time.Minute))
	if !errors.Is(err, ErrPrerequisiteNotMet) {
		t.Fatalf("got %v, want ErrPrerequisiteNotMet", err)
	}

	// Same answer when the first checkpoint is also missing.
	snap.Records[0].Checkpoints[0] = CheckpointMark{}
	_, _, err = MarkCheckpoint(snap, "555-0100", CheckpointThird, visitor, anchor.Add(65*time.Minute))
	if !errors.Is(err, ErrPrerequisiteNotMet) {
		t.Fatalf("got %v, want ErrPrerequisiteNotMet", err)
	}
}

func TestMarkCheckpointAlreadyMarked(t *testing.T) {
	snap, _, _ := MarkCheckpoint(Snapshot{}, "555-0100", CheckpointFirst, visitor, anchor)
	snap, _, err := MarkCheckpoint(snap, "555-0100", CheckpointSecond, visitor, anchor.Add(40*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	_, _, err = MarkCheckpoint(snap, "555-0100", CheckpointSecond, visitor, anchor.Add(50*time.Minute))
	if !errors.Is(err, ErrAlreadyMarked) {
		t.Fatalf("got %v, want ErrAlreadyMarked", err)
	}
}

func TestMarkCheckpointFullSequence(t *testing.T) {
	snap, _, err := MarkCheckpoint(Snapshot{}, "555-0199", CheckpointFirst, Profile{Name: "Otro"}, anchor)
	if err != nil {
		t.Fatal(err)
	}
	steps := []struct {
		cp   Checkpoint
		at   time.Duration
		want [NumCheckpoints]bool
	}{
		{CheckpointFirst, 10 * time.Minute, [NumCheckpoints]bool{true, false, false}},
		{CheckpointSecond, 45 * time.Minute, [NumCheckpoints]bool{true, true, false}},
		{CheckpointThird, 65 * time.Minute, [NumCheckpoints]bool{true, true, true}},
	}
	var rec Record
	for _, st := range steps {
		snap, rec, err = MarkCheckpoint(snap, "555-0100", st.cp, visitor, anchor.Add(st.at))
		if err != nil {
			t.Fatalf("checkpoint %d: %v", st.cp, err)
		}
		if attendedFlags(rec) != st.want {
			t.Fatalf("after checkpoint %d: %v, want %v", st.cp, attendedFlags(rec), st.want)
		}
	}
	if !rec.EligibleForExam() {
		t.Error("expected eligibility after three checkpoints")
	}
	if len(snap.Records) != 2 || snap.Records[0].Phone != "555-0199" {
		t.Errorf("other records must be preserved: %+v", snap.Records)
	}
}

func TestMarkCheckpointInvalidInput(t *testing.T) {
	if _, _, err := MarkCheckpoint(Snapshot{}, "  ", CheckpointFirst, visitor, anchor); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("blank phone: %v", err)
	}
	if _, _, err := MarkCheckpoint(Snapshot{}, "1", Checkpoint(4), visitor, anchor); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("bad checkpoint: %v", err)
	}
}

func TestCheckpointsCodec(t *testing.T) {
	at := time.Date(2025, 3, 1, 15, 5, 0, 0, time.UTC)
	cs := Checkpoints{{Attended: true, MarkedAt: &at}}
	data, err := json.Marshal(cs)
	if err != nil {
		t.Fatal(err)
	}
	s := string(data)
	for _, want := range []string{`"1":{"asistio":"Sí","fecha":"2025-03-01T15:05:00Z"}`, `"2":{"asistio":"No","fecha":null}`, `"3":{"asistio":"No","fecha":null}`} {
		if !strings.Contains(s, want) {
			t.Errorf("encoded %s missing %s", s, want)
		}
	}

	var back Checkpoints
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if !back[0].Attended || back[0].MarkedAt == nil || !back[0].MarkedAt.Equal(at) || back[1].Attended || back[2].Attended {
		t.Errorf("round trip mismatch: %+v", back)
	}

	var partial Checkpoints
	if err := json.Unmarshal([]byte(`{"2":{"asistio":"Sí","fecha":null},"9":{"asistio":"Sí"}}`), &partial); err != nil {
		t.Fatal(err)
	}
	if partial[0].Attended || !partial[1].Attended || partial[2].Attended {
		t.Errorf("partial decode: %+v", partial)
	}

	var legacy Checkpoints
	if err := json.Unmarshal([]byte(`[true, true, false]`), &legacy); err != nil {
		t.Fatal(err)
	}
	if !legacy[0].Attended || !legacy[1].Attended || legacy[2].Attended {
		t.Errorf("array decode: %+v", legacy)
	}
}

func TestDecodeRecordsAcceptsNumericAge(t *testing.T) {
	records, err := DecodeRecords([]byte(`[{"telefono":"1","edad":15},{"telefono":"2","edad":"16"},{"telefono":"3","edad":null}]`))
	if err != nil {
		t.Fatal(err)
	}
	if records[0].Age != "15" || records[1].Age != "16" || records[2].Age != "" {
		t.Errorf("unexpected ages %q %q %q", records[0].Age, records[1].Age, records[2].Age)
	}
	if r, err := DecodeRecords(nil); err != nil || r != nil {
		t.Errorf("empty input: %v %v", r, err)
	}
}

func TestRecordKeepsUnknownKeys(t *testing.T) {
	in := []byte(`[{"nombre":"Ana","telefono":"1","fecha":"2025-03-01T15:05:00Z","visitanteId":"v-9","examen":{"nota":18}}]`)
	records, err := DecodeRecords(in)
	if err != nil {
		t.Fatal(err)
	}
	if records[0].Name != "Ana" || len(records[0].Extra) != 2 {
		t.Fatalf("unexpected record %+v", records[0])
	}

	snap, _, err := MarkCheckpoint(Snapshot{Records: records}, "2", CheckpointFirst, visitor, anchor.Add(5*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	out, err := EncodeRecords(snap.Records)
	if err != nil {
		t.Fatal(err)
	}
	back, err := DecodeRecords(out)
	if err != nil {
		t.Fatal(err)
	}
	if string(back[0].Extra["visitanteId"]) != `"v-9"` || string(back[0].Extra["examen"]) != `{"nota":18}` {
		t.Errorf("unknown keys lost: %s", out)
	}
	if back[1].Phone != "2" || back[1].Extra != nil {
		t.Errorf("new record picked up foreign keys: %s", out)
	}
}

func TestDecodeRecordsLenient(t *testing.T) {
	in := []byte(`[{"telefono":5551234,"fecha":""},{"telefono":"2","asistencias":"roto"},{"telefono":"3","fecha":null}]`)
	records, err := DecodeRecords(in)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d records", len(records))
	}
	if records[0].Phone != "5551234" || !records[0].CreatedAt.IsZero() {
		t.Errorf("numeric phone or empty fecha: %+v", records[0])
	}
	if records[2].Phone != "3" {
		t.Errorf("null fecha: %+v", records[2])
	}

	out, err := EncodeRecords(records)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(out), `"roto"`) {
		t.Errorf("unreadable entry dropped on write: %s", out)
	}
	if !strings.Contains(string(out), `"fecha": ""`) {
		t.Errorf("zero fecha should encode as empty text: %s", out)
	}
}

func TestCode(t *testing.T) {
	if got := Code(&WindowError{}); got != "no_active_window" {
		t.Errorf("window error code %q", got)
	}
	if got := Code(errors.Join(ErrWriteFailed, ErrConflict)); got != "write_failed" {
		t.Errorf("write failed code %q", got)
	}
	if got := Code(errors.New("boom")); got != "internal" {
		t.Errorf("unknown code %q", got)
	}
}
