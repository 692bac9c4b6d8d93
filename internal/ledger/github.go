// Package ledger holds the attendance ledger backends. Every backend stores a form's
// records as one document and rejects writes whose token is stale.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/conquiguias/conquiguias/internal/attendance"
	"github.com/conquiguias/conquiguias/internal/github"
)

// GitHubStore keeps each form's ledger as respuestas/<form>/respuestas.json in a
// repository. The token is the file's blob sha.
type GitHubStore struct {
	client  *github.Client
	pathFmt string
}

// NewGitHubStore creates a store writing through client.
func NewGitHubStore(client *github.Client) *GitHubStore {
	return &GitHubStore{client: client, pathFmt: "respuestas/%s/respuestas.json"}
}

func (s *GitHubStore) path(formID string) string {
	return fmt.Sprintf(s.pathFmt, formID)
}

// Load reads the ledger file; a missing file is an empty snapshot.
func (s *GitHubStore) Load(ctx context.Context, formID string) (attendance.Snapshot, error) {
	f, err := s.client.GetFile(ctx, s.path(formID))
	if errors.Is(err, github.ErrNotFound) {
		return attendance.Snapshot{}, nil
	}
	if err != nil {
		return attendance.Snapshot{}, err
	}
	records, err := attendance.DecodeRecords(f.Content)
	if err != nil {
		return attendance.Snapshot{}, err
	}
	return attendance.Snapshot{Records: records, Token: f.SHA}, nil
}

// Save commits the whole record set with snap.Token as the expected sha.
func (s *GitHubStore) Save(ctx context.Context, formID string, snap attendance.Snapshot, message string) error {
	data, err := attendance.EncodeRecords(snap.Records)
	if err != nil {
		return err
	}
	_, err = s.client.PutFile(ctx, s.path(formID), data, snap.Token, message)
	if errors.Is(err, github.ErrConflict) {
		return fmt.Errorf("%w: %v", attendance.ErrConflict, err)
	}
	return err
}
