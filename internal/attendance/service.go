package attendance

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/conquiguias/conquiguias/internal/forms"
)

// FormSource looks up form definitions.
type FormSource interface {
	Get(ctx context.Context, id string) (forms.Form, error)
}

// LedgerStore loads and saves a form's full attendance record set.
// Save must reject a stale Token with ErrConflict.
type LedgerStore interface {
	Load(ctx context.Context, formID string) (Snapshot, error)
	Save(ctx context.Context, formID string, snap Snapshot, message string) error
}

// Observer receives attendance outcomes; the metrics package implements it.
type Observer interface {
	Marked(cp Checkpoint)
	Rejected(code string)
	Conflict()
	SaveDuration(d time.Duration)
}

type noopObserver struct{}

func (noopObserver) Marked(Checkpoint)          {}
func (noopObserver) Rejected(string)            {}
func (noopObserver) Conflict()                  {}
func (noopObserver) SaveDuration(time.Duration) {}

// MarkRequest is one check-in attempt.
type MarkRequest struct {
	FormID  string
	Phone   string
	Action  string // optional; must match the active window when set
	Profile Profile
}

// MarkResult is the outcome of a successful check-in.
type MarkResult struct {
	FormID     string
	Checkpoint Checkpoint
	Record     Record
	Eligible   bool
}

// Service coordinates window checks and ledger read-modify-write cycles.
type Service struct {
	forms      FormSource
	ledger     LedgerStore
	calc       Calculator
	maxRetries int
	obs        Observer

	// Clock returns the current time; tests replace it.
	Clock func() time.Time
}

// NewService creates a service. maxRetries is the number of re-load and re-apply
// attempts after a concurrency conflict; negative values mean 1.
func NewService(src FormSource, ledger LedgerStore, calc Calculator, maxRetries int, obs Observer) *Service {
	if maxRetries < 0 {
		maxRetries = 1
	}
	if obs == nil {
		obs = noopObserver{}
	}
	return &Service{forms: src, ledger: ledger, calc: calc, maxRetries: maxRetries, obs: obs, Clock: time.Now}
}

// Windows returns the checkpoint windows of a form.
func (s *Service) Windows(ctx context.Context, formID string) (Windows, error) {
	anchor, err := s.anchor(ctx, formID)
	if err != nil {
		return Windows{}, err
	}
	return s.calc.Windows(anchor), nil
}

// Mark validates the request against the active window and records the checkpoint.
func (s *Service) Mark(ctx context.Context, req MarkRequest) (MarkResult, error) {
	res, err := s.mark(ctx, req)
	if err != nil {
		s.obs.Rejected(Code(err))
		return MarkResult{}, err
	}
	s.obs.Marked(res.Checkpoint)
	return res, nil
}

func (s *Service) mark(ctx context.Context, req MarkRequest) (MarkResult, error) {
	req.FormID = strings.TrimSpace(req.FormID)
	req.Phone = strings.TrimSpace(req.Phone)
	if req.FormID == "" || req.Phone == "" {
		return MarkResult{}, fmt.Errorf("%w: form id and phone required", ErrInvalidInput)
	}
	if !ValidFormID(req.FormID) {
		return MarkResult{}, fmt.Errorf("%w: form id %q", ErrInvalidInput, req.FormID)
	}

	anchor, err := s.anchor(ctx, req.FormID)
	if err != nil {
		return MarkResult{}, err
	}
	now := s.Clock()
	cp, ok := s.calc.ActiveCheckpoint(anchor, now)
	if !ok {
		return MarkResult{}, &WindowError{Windows: s.calc.Windows(anchor)}
	}
	if req.Action != "" {
		want, err := ParseCheckpointAction(req.Action)
		if err != nil {
			return MarkResult{}, err
		}
		if want != cp {
			return MarkResult{}, &WindowError{Windows: s.calc.Windows(anchor)}
		}
	}

	message := fmt.Sprintf("Actualizar asistencias para %s en %s", req.Phone, req.FormID)
	for attempt := 0; ; attempt++ {
		snap, err := s.ledger.Load(ctx, req.FormID)
		if err != nil {
			return MarkResult{}, fmt.Errorf("%w: load %s: %v", ErrStoreUnavailable, req.FormID, err)
		}
		updated, rec, err := MarkCheckpoint(snap, req.Phone, cp, req.Profile, now)
		if err != nil {
			return MarkResult{}, err
		}

		started := time.Now()
		err = s.ledger.Save(ctx, req.FormID, updated, message)
		s.obs.SaveDuration(time.Since(started))
		if err == nil {
			return MarkResult{FormID: req.FormID, Checkpoint: cp, Record: rec, Eligible: rec.EligibleForExam()}, nil
		}
		if !errors.Is(err, ErrConflict) {
			return MarkResult{}, fmt.Errorf("%w: save %s: %v", ErrStoreUnavailable, req.FormID, err)
		}
		s.obs.Conflict()
		if attempt >= s.maxRetries {
			return MarkResult{}, fmt.Errorf("%w: %d attempts: %w", ErrWriteFailed, attempt+1, err)
		}
		log.Printf("ledger conflict on %s (attempt %d), retrying", req.FormID, attempt+1)
	}
}

// Records returns every record of a form's ledger.
func (s *Service) Records(ctx context.Context, formID string) ([]Record, error) {
	if !ValidFormID(formID) {
		return nil, fmt.Errorf("%w: form id %q", ErrInvalidInput, formID)
	}
	snap, err := s.ledger.Load(ctx, formID)
	if err != nil {
		return nil, fmt.Errorf("%w: load %s: %v", ErrStoreUnavailable, formID, err)
	}
	return snap.Records, nil
}

// ValidFormID reports whether id is safe to use as a storage path segment.
func ValidFormID(id string) bool {
	if id == "" || id == "." || id == ".." || len(id) > 128 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
		default:
			return false
		}
	}
	return true
}

func (s *Service) anchor(ctx context.Context, formID string) (time.Time, error) {
	form, err := s.forms.Get(ctx, formID)
	if err != nil {
		if errors.Is(err, forms.ErrNotFound) {
			return time.Time{}, fmt.Errorf("%w: %s", ErrFormNotFound, formID)
		}
		return time.Time{}, fmt.Errorf("%w: forms: %v", ErrStoreUnavailable, err)
	}
	anchor, err := form.Anchor()
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidForm, err)
	}
	return anchor, nil
}
