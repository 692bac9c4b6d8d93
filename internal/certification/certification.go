// Package certification summarizes a member's progress across every form ledger.
package certification

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/conquiguias/conquiguias/internal/attendance"
	"github.com/conquiguias/conquiguias/internal/forms"
)

const (
	StatusCompleted  = "Completado"
	StatusInProgress = "En progreso"
)

// Certification is one form the member attended.
type Certification struct {
	ID        string    `json:"id"`
	Title     string    `json:"titulo"`
	Date      time.Time `json:"fecha"`
	Completed int       `json:"asistenciasCompletadas"`
	Eligible  bool      `json:"puedeExamen"`
	Status    string    `json:"estado"`
}

// FormLister lists every known form.
type FormLister interface {
	List(ctx context.Context) ([]forms.Form, error)
}

// Finder scans form ledgers for a member's records.
type Finder struct {
	forms  FormLister
	ledger attendance.LedgerStore
}

// NewFinder creates a finder.
func NewFinder(src FormLister, ledger attendance.LedgerStore) *Finder {
	return &Finder{forms: src, ledger: ledger}
}

// ForEmail returns one entry per form whose ledger holds a record with email.
// A ledger that cannot be read is skipped.
func (f *Finder) ForEmail(ctx context.Context, email string) ([]Certification, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return []Certification{}, nil
	}
	all, err := f.forms.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list forms: %w", err)
	}
	out := []Certification{}
	for _, form := range all {
		if !attendance.ValidFormID(form.ID) {
			continue
		}
		snap, err := f.ledger.Load(ctx, form.ID)
		if err != nil {
			log.Printf("certifications: load ledger %s: %v", form.ID, err)
			continue
		}
		for _, rec := range snap.Records {
			if !strings.EqualFold(strings.TrimSpace(rec.Email), email) {
				continue
			}
			c := Certification{
				ID:        form.ID,
				Title:     form.Title,
				Date:      rec.CreatedAt,
				Completed: rec.Checkpoints.Completed(),
				Eligible:  rec.EligibleForExam(),
				Status:    StatusInProgress,
			}
			if c.Eligible {
				c.Status = StatusCompleted
			}
			out = append(out, c)
			break
		}
	}
	return out, nil
}
