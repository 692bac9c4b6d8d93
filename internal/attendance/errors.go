package attendance

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrInvalidForm        = errors.New("invalid form")
	ErrFormNotFound       = errors.New("form not found")
	ErrNoActiveWindow     = errors.New("no active attendance window")
	ErrNotRegistered      = errors.New("visitor not registered at the first checkpoint")
	ErrAlreadyRegistered  = errors.New("visitor already registered")
	ErrAlreadyMarked      = errors.New("checkpoint already marked")
	ErrPrerequisiteNotMet = errors.New("earlier checkpoints not attended")
	ErrConflict           = errors.New("ledger modified concurrently")
	ErrWriteFailed        = errors.New("ledger write failed")
	ErrStoreUnavailable   = errors.New("ledger store unavailable")
)

// WindowError reports a check-in outside every window, with the windows for display.
type WindowError struct {
	Windows Windows
}

func (e *WindowError) Error() string {
	return fmt.Sprintf("%s (first window %s to %s)", ErrNoActiveWindow,
		e.Windows[0].Start.Format("2006-01-02T15:04:05Z07:00"),
		e.Windows[NumCheckpoints-1].End.Format("2006-01-02T15:04:05Z07:00"))
}

func (e *WindowError) Unwrap() error { return ErrNoActiveWindow }

var codes = []struct {
	err  error
	code string
}{
	{ErrInvalidInput, "invalid_input"},
	{ErrInvalidForm, "invalid_form"},
	{ErrFormNotFound, "form_not_found"},
	{ErrNoActiveWindow, "no_active_window"},
	{ErrNotRegistered, "not_registered"},
	{ErrAlreadyRegistered, "already_registered"},
	{ErrAlreadyMarked, "already_marked"},
	{ErrPrerequisiteNotMet, "prerequisite_not_met"},
	{ErrWriteFailed, "write_failed"},
	{ErrConflict, "concurrency_conflict"},
	{ErrStoreUnavailable, "store_unavailable"},
}

// Code returns the machine-checkable reason code for err, or "internal".
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal"
}
