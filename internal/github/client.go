// Package github reads and writes single repository files through the contents API,
// carrying the blob sha as an optimistic-concurrency token.
package github

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	gh "github.com/google/go-github/v66/github"
)

var (
	// ErrNotFound is returned when the path does not exist on the branch.
	ErrNotFound = errors.New("github: file not found")
	// ErrConflict is returned when a write carried a stale or missing blob sha.
	ErrConflict = errors.New("github: sha does not match")
)

// File is a decoded repository file plus its blob sha.
type File struct {
	Content []byte
	SHA     string
}

// Client talks to the contents API of one repository and branch.
type Client struct {
	api    *gh.Client
	owner  string
	repo   string
	branch string
}

// New creates a contents API client for repo ("owner/name").
func New(token, repo, branch string) *Client {
	if branch == "" {
		branch = "main"
	}
	api := gh.NewClient(&http.Client{Timeout: 15 * time.Second})
	if token != "" {
		api = api.WithAuthToken(token)
	}
	owner, name, _ := strings.Cut(repo, "/")
	return &Client{api: api, owner: owner, repo: name, branch: branch}
}

// SetBaseURL points the client at another API root, such as a GitHub Enterprise
// host or a test server.
func (c *Client) SetBaseURL(raw string) error {
	if raw == "" {
		return nil
	}
	if !strings.HasSuffix(raw, "/") {
		raw += "/"
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("github: invalid base url %q: %w", raw, err)
	}
	c.api.BaseURL = u
	return nil
}

// GetFile reads path from the configured branch.
func (c *Client) GetFile(ctx context.Context, path string) (File, error) {
	opts := &gh.RepositoryContentGetOptions{Ref: c.branch}
	fc, _, _, err := c.api.Repositories.GetContents(ctx, c.owner, c.repo, path, opts)
	if err != nil {
		if status(err) == http.StatusNotFound {
			return File{}, ErrNotFound
		}
		return File{}, fmt.Errorf("github: get %s: %w", path, err)
	}
	if fc == nil {
		return File{}, fmt.Errorf("github: %s is a directory", path)
	}
	if fc.GetEncoding() == "none" {
		// Files over 1MB come back without inline content.
		raw, err := c.getRaw(ctx, path)
		if err != nil {
			return File{}, err
		}
		return File{Content: raw, SHA: fc.GetSHA()}, nil
	}
	content, err := fc.GetContent()
	if err != nil {
		return File{}, fmt.Errorf("github: decode %s: %w", path, err)
	}
	return File{Content: []byte(content), SHA: fc.GetSHA()}, nil
}

func (c *Client) getRaw(ctx context.Context, path string) ([]byte, error) {
	u := fmt.Sprintf("repos/%s/%s/contents/%s?ref=%s", c.owner, c.repo,
		(&url.URL{Path: path}).String(), url.QueryEscape(c.branch))
	req, err := c.api.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("github: create request failed: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github.raw")
	var buf bytes.Buffer
	if _, err := c.api.Do(ctx, req, &buf); err != nil {
		return nil, fmt.Errorf("github: get raw %s: %w", path, err)
	}
	return buf.Bytes(), nil
}

// PutFile creates or replaces path with content. sha must be the blob sha from the
// preceding GetFile, or empty when creating the file. Returns the new blob sha.
func (c *Client) PutFile(ctx context.Context, path string, content []byte, sha, message string) (string, error) {
	opts := &gh.RepositoryContentFileOptions{
		Message: gh.String(message),
		Content: content,
		Branch:  gh.String(c.branch),
	}
	var (
		res *gh.RepositoryContentResponse
		err error
	)
	if sha == "" {
		res, _, err = c.api.Repositories.CreateFile(ctx, c.owner, c.repo, path, opts)
	} else {
		opts.SHA = gh.String(sha)
		res, _, err = c.api.Repositories.UpdateFile(ctx, c.owner, c.repo, path, opts)
	}
	if err != nil {
		switch st := status(err); {
		case st == http.StatusConflict:
			return "", fmt.Errorf("%w: %v", ErrConflict, err)
		case st == http.StatusUnprocessableEntity && sha == "":
			// The file was created by someone else since our read.
			return "", fmt.Errorf("%w: %v", ErrConflict, err)
		}
		return "", fmt.Errorf("github: put %s: %w", path, err)
	}
	if res == nil || res.Content == nil {
		return "", nil
	}
	return res.Content.GetSHA(), nil
}

// status returns the HTTP status carried by a go-github error, or 0.
func status(err error) int {
	var er *gh.ErrorResponse
	if errors.As(err, &er) && er.Response != nil {
		return er.Response.StatusCode
	}
	return 0
}
