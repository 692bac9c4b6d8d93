// Package imgur uploads and deletes anonymous images through the Imgur API.
package imgur

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"
)

// Image is the subset of the upload response callers need.
type Image struct {
	Link       string `json:"link"`
	ID         string `json:"id"`
	DeleteHash string `json:"deletehash"`
}

// Client talks to the Imgur v3 API with an application Client-ID.
type Client struct {
	BaseURL  string
	ClientID string
	HTTP     *http.Client
}

// New creates an Imgur client.
func New(clientID string) *Client {
	return &Client{
		BaseURL:  "https://api.imgur.com",
		ClientID: clientID,
		HTTP:     &http.Client{Timeout: 30 * time.Second},
	}
}

type envelope struct {
	Data    json.RawMessage `json:"data"`
	Success bool            `json:"success"`
	Status  int             `json:"status"`
}

// Upload sends image bytes as the "image" form part.
func (c *Client) Upload(ctx context.Context, body []byte, contentType string) (Image, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="image"; filename="image"`)
	h.Set("Content-Type", contentType)
	part, err := w.CreatePart(h)
	if err != nil {
		return Image{}, fmt.Errorf("imgur: create part failed: %w", err)
	}
	if _, err := part.Write(body); err != nil {
		return Image{}, fmt.Errorf("imgur: write part failed: %w", err)
	}
	w.Close()

	data, err := c.do(ctx, http.MethodPost, "/3/upload", w.FormDataContentType(), &buf)
	if err != nil {
		return Image{}, err
	}
	var img Image
	if err := json.Unmarshal(data, &img); err != nil {
		return Image{}, fmt.Errorf("imgur: decode response failed: %w", err)
	}
	return img, nil
}

// Delete removes an anonymous upload by its delete hash.
func (c *Client) Delete(ctx context.Context, deleteHash string) error {
	_, err := c.do(ctx, http.MethodDelete, "/3/image/"+deleteHash, "", nil)
	return err
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.BaseURL, "/")+path, body)
	if err != nil {
		return nil, fmt.Errorf("imgur: create request failed: %w", err)
	}
	req.Header.Set("Authorization", "Client-ID "+c.ClientID)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("imgur: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	var env envelope
	_ = json.Unmarshal(raw, &env)
	if resp.StatusCode >= 300 || (len(raw) > 0 && !env.Success) {
		return nil, fmt.Errorf("imgur: %s %s failed (%d): %s", method, path, resp.StatusCode, errorMessage(env.Data, raw))
	}
	return env.Data, nil
}

func errorMessage(data json.RawMessage, raw []byte) string {
	var d struct {
		Error any `json:"error"`
	}
	if json.Unmarshal(data, &d) == nil && d.Error != nil {
		switch e := d.Error.(type) {
		case string:
			return e
		case map[string]any:
			if msg, ok := e["message"].(string); ok {
				return msg
			}
		}
	}
	return string(raw)
}
