package cloudinary

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Client uploads profile photos to Cloudinary using their REST API.
type Client struct {
	BaseURL   string
	CloudName string
	APIKey    string
	APISecret string
	Folder    string
	HTTP      *http.Client
}

// New creates a Cloudinary client. Uploads go under folder/<uid>.
func New(cloudName, apiKey, apiSecret, folder string) *Client {
	if folder == "" {
		folder = "usuarios"
	}
	return &Client{
		BaseURL:   "https://api.cloudinary.com",
		CloudName: cloudName,
		APIKey:    apiKey,
		APISecret: apiSecret,
		Folder:    folder,
		HTTP:      &http.Client{Timeout: 30 * time.Second},
	}
}

// UploadResult holds the response from Cloudinary after a successful upload.
type UploadResult struct {
	PublicID    string `json:"public_id"`
	SecureURL   string `json:"secure_url"`
	URL         string `json:"url"`
	Format      string `json:"format"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Bytes       int    `json:"bytes"`
	DeleteToken string `json:"delete_token"`
}

// UploadUserPhoto uploads a base64 image for uid. data may be a full data URL
// like "data:image/jpeg;base64,..." or raw base64. The public id is the file
// name without extension.
func (c *Client) UploadUserPhoto(ctx context.Context, uid, fileName, data string) (*UploadResult, error) {
	if uid == "" {
		return nil, errors.New("cloudinary: uid required")
	}
	if !strings.HasPrefix(data, "data:") {
		data = "data:image/" + imageType(fileName) + ";base64," + data
	}

	params := map[string]string{
		"timestamp":           strconv.FormatInt(time.Now().Unix(), 10),
		"folder":              c.Folder + "/" + uid,
		"return_delete_token": "true",
	}
	if id := publicID(fileName); id != "" {
		params["public_id"] = id
	}
	params["signature"] = c.sign(params)
	params["api_key"] = c.APIKey

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range params {
		_ = w.WriteField(k, v)
	}
	_ = w.WriteField("file", data)
	w.Close()

	var result UploadResult
	if err := c.post(ctx, "image/upload", w.FormDataContentType(), &buf, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// DeleteByToken removes an upload using the token returned with it.
// Cloudinary accepts delete tokens for 10 minutes after upload.
func (c *Client) DeleteByToken(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.WriteField("token", token)
	w.Close()
	var out struct {
		Result string `json:"result"`
	}
	if err := c.post(ctx, "delete_by_token", w.FormDataContentType(), &buf, &out); err != nil {
		return err
	}
	if out.Result != "" && out.Result != "ok" {
		return fmt.Errorf("cloudinary: delete returned %q", out.Result)
	}
	return nil
}

func (c *Client) post(ctx context.Context, endpoint, contentType string, body io.Reader, out any) error {
	url := fmt.Sprintf("%s/v1_1/%s/%s", strings.TrimRight(c.BaseURL, "/"), c.CloudName, endpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return fmt.Errorf("cloudinary: create request failed: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("cloudinary: request failed: %w", err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("cloudinary: %s failed (%d): %s", endpoint, resp.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("cloudinary: decode response failed: %w", err)
	}
	return nil
}

// sign computes the Cloudinary API signature from the given params.
// api_key, file and resource_type are not signed.
func (c *Client) sign(params map[string]string) string {
	excludeKeys := map[string]bool{"api_key": true, "file": true, "resource_type": true}

	pairs := make([]string, 0, len(params))
	for k, v := range params {
		if !excludeKeys[k] && v != "" {
			pairs = append(pairs, k+"="+v)
		}
	}
	sort.Strings(pairs)

	payload := strings.Join(pairs, "&") + c.APISecret
	h := sha1.New()
	h.Write([]byte(payload))
	return fmt.Sprintf("%x", h.Sum(nil))
}

func publicID(fileName string) string {
	base := path.Base(strings.ReplaceAll(fileName, "\\", "/"))
	if base == "." || base == "/" {
		return ""
	}
	return strings.TrimSuffix(base, path.Ext(base))
}

func imageType(fileName string) string {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(fileName), "."))
	switch ext {
	case "":
		return "jpeg"
	case "jpg":
		return "jpeg"
	}
	return ext
}
