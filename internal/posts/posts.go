// Package posts stores community publications and their moderation state.
package posts

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/yuin/goldmark"
	goldmarkHTML "github.com/yuin/goldmark/renderer/html"
)

const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
)

var (
	ErrNotFound      = errors.New("post not found")
	ErrInvalidAction = errors.New("invalid moderation action")
)

// Post is one publication.
type Post struct {
	ID               string     `json:"id"`
	AuthorUID        string     `json:"autor"`
	Title            string     `json:"titulo"`
	Body             string     `json:"contenido"`
	BodyHTML         string     `json:"contenidoHTML,omitempty"`
	ImageURL         string     `json:"imagen,omitempty"`
	ImageDeleteHash  string     `json:"-"`
	Status           string     `json:"status"`
	CreatedAt        time.Time  `json:"timestamp"`
	ModeratedBy      *string    `json:"moderatedBy,omitempty"`
	ModeratedAt      *time.Time `json:"moderatedAt,omitempty"`
	ModerationReason *string    `json:"moderationReason,omitempty"`
}

// NewPost is the input of Create.
type NewPost struct {
	AuthorUID       string
	Title           string
	Body            string
	ImageURL        string
	ImageDeleteHash string
}

// Stats counts posts by moderation state.
type Stats struct {
	Pending  int `json:"pendingCount"`
	Approved int `json:"approvedCount"`
	Rejected int `json:"rejectedCount"`
}

// Store keeps posts in Postgres.
type Store struct {
	db *sql.DB
}

// NewStore creates a post store over db.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create stores a post awaiting moderation.
func (s *Store) Create(ctx context.Context, in NewPost) (Post, error) {
	p := Post{
		ID:              uuid.NewString(),
		AuthorUID:       in.AuthorUID,
		Title:           strings.TrimSpace(in.Title),
		Body:            in.Body,
		ImageURL:        in.ImageURL,
		ImageDeleteHash: in.ImageDeleteHash,
		Status:          StatusPending,
		CreatedAt:       time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO posts (id, author_uid, title, body, image_url, image_delete_hash, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.ID, p.AuthorUID, p.Title, p.Body, p.ImageURL, p.ImageDeleteHash, p.Status, p.CreatedAt)
	if err != nil {
		return Post{}, fmt.Errorf("create post: %w", err)
	}
	return p, nil
}

// Stats counts posts per status.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM posts GROUP BY status`)
	if err != nil {
		return Stats{}, fmt.Errorf("post stats: %w", err)
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return Stats{}, err
		}
		counts[status] += n
	}
	if err := rows.Err(); err != nil {
		return Stats{}, err
	}
	return Tally(counts), nil
}

// Tally folds per-status counts; unknown statuses count as approved.
func Tally(counts map[string]int) Stats {
	var st Stats
	for status, n := range counts {
		switch status {
		case StatusPending:
			st.Pending += n
		case StatusRejected:
			st.Rejected += n
		default:
			st.Approved += n
		}
	}
	return st
}

// ListPending returns posts awaiting moderation, oldest first, with rendered bodies.
func (s *Store) ListPending(ctx context.Context) ([]Post, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, author_uid, title, body, image_url, status, created_at
		FROM posts WHERE status = $1 ORDER BY created_at ASC`, StatusPending)
	if err != nil {
		return nil, fmt.Errorf("list pending posts: %w", err)
	}
	defer rows.Close()
	out := []Post{}
	for rows.Next() {
		var p Post
		if err := rows.Scan(&p.ID, &p.AuthorUID, &p.Title, &p.Body, &p.ImageURL, &p.Status, &p.CreatedAt); err != nil {
			return nil, err
		}
		if p.BodyHTML, err = RenderBody(p.Body); err != nil {
			return nil, fmt.Errorf("render post %s: %w", p.ID, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Moderate approves or rejects a post. action is "approve" or "reject".
func (s *Store) Moderate(ctx context.Context, id, action, moderator, reason string) (string, error) {
	var status string
	var why *string
	switch action {
	case "approve":
		status = StatusApproved
	case "reject":
		status = StatusRejected
		why = &reason
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE posts SET status = $2, moderated_by = $3, moderated_at = NOW(), moderation_reason = $4
		WHERE id = $1`, id, status, moderator, why)
	if err != nil {
		return "", fmt.Errorf("moderate post %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", ErrNotFound
	}
	return status, nil
}

// Raw HTML in post bodies is escaped; WithUnsafe is not set.
var mdRenderer = goldmark.New(
	goldmark.WithRendererOptions(
		goldmarkHTML.WithHardWraps(),
	),
)

// RenderBody converts a markdown post body to HTML.
func RenderBody(md string) (string, error) {
	var buf bytes.Buffer
	if err := mdRenderer.Convert([]byte(md), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}
