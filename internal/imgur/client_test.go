package imgur

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestUpload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/3/upload" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Client-ID cid" {
			t.Errorf("authorization %q", got)
		}
		f, hdr, err := r.FormFile("image")
		if err != nil {
			t.Errorf("image part: %v", err)
			return
		}
		data, _ := io.ReadAll(f)
		if string(data) != "PNGDATA" || hdr.Header.Get("Content-Type") != "image/png" {
			t.Errorf("unexpected part %q %v", data, hdr.Header)
		}
		w.Write([]byte(`{"data":{"id":"abc","link":"https://i.imgur.com/abc.png","deletehash":"dh"},"success":true,"status":200}`))
	}))
	defer srv.Close()

	c := New("cid")
	c.BaseURL = srv.URL
	img, err := c.Upload(context.Background(), []byte("PNGDATA"), "image/png")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if img != (Image{Link: "https://i.imgur.com/abc.png", ID: "abc", DeleteHash: "dh"}) {
		t.Errorf("unexpected image %+v", img)
	}
}

func TestUploadError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"data":{"error":"File type invalid (1)"},"success":false,"status":400}`))
	}))
	defer srv.Close()

	c := New("cid")
	c.BaseURL = srv.URL
	_, err := c.Upload(context.Background(), []byte("x"), "")
	if err == nil || !strings.Contains(err.Error(), "File type invalid") {
		t.Fatalf("expected imgur error message, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Path != "/3/image/dh" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"data":{"error":"Unable to find an image with the id, dh"},"success":false,"status":404}`))
			return
		}
		w.Write([]byte(`{"data":true,"success":true,"status":200}`))
	}))
	defer srv.Close()

	c := New("cid")
	c.BaseURL = srv.URL
	if err := c.Delete(context.Background(), "dh"); err != nil {
		t.Fatalf("delete: %v", err)
	}
}
