package forms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/conquiguias/conquiguias/internal/github"
)

// ErrNotFound is returned for unknown form ids.
var ErrNotFound = errors.New("form not found")

// Form is an event form definition. Times are kept as the source wrote them.
type Form struct {
	ID        string `json:"id"`
	Title     string `json:"titulo,omitempty"`
	CreatedAt string `json:"creado,omitempty"`
	StartsAt  string `json:"fechaInicio,omitempty"`
	ClosesAt  string `json:"fechaCierre,omitempty"`
}

// anchorLayouts are tried in order. Values without an offset, as written by
// datetime-local inputs, are read as UTC.
var anchorLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// Anchor returns the instant the checkpoint windows are measured from: the creation
// time, or the closing time for forms that never recorded one.
func (f Form) Anchor() (time.Time, error) {
	for _, raw := range []string{f.CreatedAt, f.ClosesAt} {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		for _, layout := range anchorLayouts {
			if t, err := time.Parse(layout, raw); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("form %s: unparseable timestamp %q", f.ID, raw)
	}
	return time.Time{}, fmt.Errorf("form %s: no creation timestamp", f.ID)
}

// Source looks up form definitions.
type Source interface {
	Get(ctx context.Context, id string) (Form, error)
	List(ctx context.Context) ([]Form, error)
}

// decode parses the forms document: an object keyed by form id.
func decode(data []byte) (map[string]Form, error) {
	out := map[string]Form{}
	if len(strings.TrimSpace(string(data))) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode forms: %w", err)
	}
	for id, f := range out {
		f.ID = id
		out[id] = f
	}
	return out, nil
}

func sorted(all map[string]Form) []Form {
	list := make([]Form, 0, len(all))
	for _, f := range all {
		list = append(list, f)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

// GitHubSource reads the forms document from the repository.
type GitHubSource struct {
	client *github.Client
	path   string
}

// NewGitHubSource reads forms from path (default data/formularios.json).
func NewGitHubSource(client *github.Client, path string) *GitHubSource {
	if path == "" {
		path = "data/formularios.json"
	}
	return &GitHubSource{client: client, path: path}
}

func (s *GitHubSource) load(ctx context.Context) (map[string]Form, error) {
	f, err := s.client.GetFile(ctx, s.path)
	if errors.Is(err, github.ErrNotFound) {
		return map[string]Form{}, nil
	}
	if err != nil {
		return nil, err
	}
	return decode(f.Content)
}

// Get returns the form with id.
func (s *GitHubSource) Get(ctx context.Context, id string) (Form, error) {
	all, err := s.load(ctx)
	if err != nil {
		return Form{}, err
	}
	f, ok := all[id]
	if !ok {
		return Form{}, ErrNotFound
	}
	return f, nil
}

// List returns every form ordered by id.
func (s *GitHubSource) List(ctx context.Context) ([]Form, error) {
	all, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	return sorted(all), nil
}

// FileSource reads the forms document from local disk, for development.
type FileSource struct {
	path string
}

func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

func (s *FileSource) load() (map[string]Form, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]Form{}, nil
	}
	if err != nil {
		return nil, err
	}
	return decode(data)
}

func (s *FileSource) Get(_ context.Context, id string) (Form, error) {
	all, err := s.load()
	if err != nil {
		return Form{}, err
	}
	f, ok := all[id]
	if !ok {
		return Form{}, ErrNotFound
	}
	return f, nil
}

func (s *FileSource) List(_ context.Context) ([]Form, error) {
	all, err := s.load()
	if err != nil {
		return nil, err
	}
	return sorted(all), nil
}
