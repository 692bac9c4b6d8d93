package attendance

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	attendedYes = "Sí"
	attendedNo  = "No"
)

// CheckpointMark is the attendance state of one checkpoint.
type CheckpointMark struct {
	Attended bool
	MarkedAt *time.Time
}

// Checkpoints holds the marks for checkpoints 1..3 at indexes 0..2.
type Checkpoints [NumCheckpoints]CheckpointMark

// At returns the mark for checkpoint c.
func (cs Checkpoints) At(c Checkpoint) CheckpointMark {
	return cs[c-1]
}

// Completed counts attended checkpoints.
func (cs Checkpoints) Completed() int {
	n := 0
	for _, m := range cs {
		if m.Attended {
			n++
		}
	}
	return n
}

type legacyMark struct {
	Attended string     `json:"asistio"`
	MarkedAt *time.Time `json:"fecha"`
}

// MarshalJSON writes the ledger file layout: {"1":{"asistio":"Sí","fecha":...},...}.
func (cs Checkpoints) MarshalJSON() ([]byte, error) {
	m := make(map[string]legacyMark, NumCheckpoints)
	for i, mark := range cs {
		lm := legacyMark{Attended: attendedNo, MarkedAt: mark.MarkedAt}
		if mark.Attended {
			lm.Attended = attendedYes
		}
		m[strconv.Itoa(i+1)] = lm
	}
	return json.Marshal(m)
}

// UnmarshalJSON accepts the keyed layout and the older [bool, bool, bool] layout.
// Missing keys decode as unattended.
func (cs *Checkpoints) UnmarshalJSON(data []byte) error {
	*cs = Checkpoints{}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '[' {
		var flags []bool
		if err := json.Unmarshal(data, &flags); err != nil {
			return err
		}
		for i := 0; i < len(flags) && i < NumCheckpoints; i++ {
			cs[i].Attended = flags[i]
		}
		return nil
	}
	var m map[string]legacyMark
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	for key, lm := range m {
		idx, err := strconv.Atoi(key)
		if err != nil || idx < 1 || idx > NumCheckpoints {
			continue
		}
		cs[idx-1] = CheckpointMark{Attended: lm.Attended == attendedYes, MarkedAt: lm.MarkedAt}
	}
	return nil
}

// Age is kept as text; older ledger entries store it as a JSON number.
type Age string

func (a *Age) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*a = ""
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*a = Age(s)
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("age: %w", err)
		}
		*a = Age(n.String())
	}
	return nil
}

// Record is one visitor's attendance for one form, keyed by phone number.
// Keys the service does not know about are kept in Extra and written back unchanged.
type Record struct {
	Name        string
	Email       string
	Age         Age
	Phone       string
	Affiliation string
	CreatedAt   time.Time
	Checkpoints Checkpoints
	Extra       map[string]json.RawMessage

	// raw holds an entry that could not be decoded at all; it is re-encoded as is.
	raw json.RawMessage
}

type recordWire struct {
	Name        string      `json:"nombre"`
	Email       string      `json:"correo"`
	Age         Age         `json:"edad"`
	Phone       string      `json:"telefono"`
	Affiliation string      `json:"asociacion"`
	CreatedAt   any         `json:"fecha"`
	Checkpoints Checkpoints `json:"asistencias"`
}

// MarshalJSON writes the known keys in ledger order followed by Extra, sorted.
func (r Record) MarshalJSON() ([]byte, error) {
	if r.raw != nil {
		return r.raw, nil
	}
	w := recordWire{
		Name:        r.Name,
		Email:       r.Email,
		Age:         r.Age,
		Phone:       r.Phone,
		Affiliation: r.Affiliation,
		CreatedAt:   "",
		Checkpoints: r.Checkpoints,
	}
	if !r.CreatedAt.IsZero() {
		w.CreatedAt = r.CreatedAt
	}
	data, err := json.Marshal(w)
	if err != nil || len(r.Extra) == 0 {
		return data, err
	}
	keys := make([]string, 0, len(r.Extra))
	for k := range r.Extra {
		if _, known := recordDecoders[k]; !known {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	var buf bytes.Buffer
	buf.Write(data[:len(data)-1])
	for _, k := range keys {
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.WriteByte(',')
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(r.Extra[k])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// recordDecoders parse the known keys. Text fields accept JSON numbers, and an
// empty or null fecha decodes as the zero time.
var recordDecoders = map[string]func(*Record, json.RawMessage) error{
	"nombre":      func(r *Record, v json.RawMessage) error { return decodeText(v, &r.Name) },
	"correo":      func(r *Record, v json.RawMessage) error { return decodeText(v, &r.Email) },
	"edad":        func(r *Record, v json.RawMessage) error { return json.Unmarshal(v, &r.Age) },
	"telefono":    func(r *Record, v json.RawMessage) error { return decodeText(v, &r.Phone) },
	"asociacion":  func(r *Record, v json.RawMessage) error { return decodeText(v, &r.Affiliation) },
	"fecha":       func(r *Record, v json.RawMessage) error { return decodeTime(v, &r.CreatedAt) },
	"asistencias": func(r *Record, v json.RawMessage) error { return json.Unmarshal(v, &r.Checkpoints) },
}

func (r *Record) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	*r = Record{}
	for k, v := range fields {
		dec, known := recordDecoders[k]
		if !known {
			if r.Extra == nil {
				r.Extra = make(map[string]json.RawMessage)
			}
			var buf bytes.Buffer
			if err := json.Compact(&buf, v); err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
			r.Extra[k] = buf.Bytes()
			continue
		}
		if err := dec(r, v); err != nil {
			return fmt.Errorf("%s: %w", k, err)
		}
	}
	return nil
}

func decodeText(data json.RawMessage, dst *string) error {
	var a Age
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*dst = string(a)
	return nil
}

func decodeTime(data json.RawMessage, dst *time.Time) error {
	var s *string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == nil || strings.TrimSpace(*s) == "" {
		*dst = time.Time{}
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, *s)
	if err != nil {
		return err
	}
	*dst = t
	return nil
}

// EligibleForExam reports whether all three checkpoints were attended.
func (r Record) EligibleForExam() bool {
	return r.Checkpoints.Completed() == NumCheckpoints
}

// Profile is the visitor-supplied data stored on first registration.
type Profile struct {
	Name        string
	Email       string
	Age         string
	Affiliation string
}

// Snapshot is a form's full record set plus the store's concurrency token.
// An empty Token means no ledger exists yet for the form.
type Snapshot struct {
	Records []Record
	Token   string
}

// Find returns the index of the record for phone, or -1.
func (s Snapshot) Find(phone string) int {
	for i, r := range s.Records {
		if r.Phone == phone {
			return i
		}
	}
	return -1
}

// Clone copies the record slice so edits do not reach the original snapshot.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{Token: s.Token, Records: make([]Record, len(s.Records))}
	copy(out.Records, s.Records)
	return out
}

// EncodeRecords renders records in the ledger file format.
func EncodeRecords(records []Record) ([]byte, error) {
	if records == nil {
		records = []Record{}
	}
	return json.MarshalIndent(records, "", "  ")
}

// DecodeRecords parses a ledger file; empty input yields no records. An entry that
// cannot be decoded is logged and kept opaque so the next write does not drop it.
func DecodeRecords(data []byte) ([]Record, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode ledger: %w", err)
	}
	records := make([]Record, 0, len(entries))
	for i, entry := range entries {
		var r Record
		if err := json.Unmarshal(entry, &r); err != nil {
			log.Printf("ledger entry %d unreadable, keeping it as is: %v", i, err)
			r = Record{raw: entry}
		}
		records = append(records, r)
	}
	return records, nil
}
