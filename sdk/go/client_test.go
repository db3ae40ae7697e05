package bidlinesdk

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSubmitRegistrationSendsBearerAndBody(t *testing.T) {
	var gotAuth, gotPath string
	var gotBody Registration
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"p1","name":"Batch A","status":"deposit","assigned_operator":"op-1"}`)
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.BearerToken = "tok"
	p, err := c.SubmitRegistration(context.Background(), "p1", Registration{ContactMobile: "13800000000"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if gotAuth != "Bearer tok" || gotPath != "/v0/projects/p1/registration" {
		t.Fatalf("unexpected request auth=%q path=%q", gotAuth, gotPath)
	}
	if gotBody.ContactMobile != "13800000000" {
		t.Fatalf("unexpected body %+v", gotBody)
	}
	if p.Status != "deposit" || p.AssignedOperator != "op-1" {
		t.Fatalf("unexpected project %+v", p)
	}
}

func TestStaleResponseIsDetected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = io.WriteString(w, `{"error":{"code":"stale_state","message":"state changed, please refresh"}}`)
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.APIKey = "bl_x"
	_, err := c.Take(context.Background(), "p1")
	if !IsStale(err) {
		t.Fatalf("expected stale error, got %v", err)
	}
}

func TestScanNullCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != "bl_x" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, `{"check":null}`)
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.APIKey = "bl_x"
	check, err := c.Scan(context.Background(), "p1")
	if err != nil || check != nil {
		t.Fatalf("expected nil check, got %+v, %v", check, err)
	}
}

func TestUploadEvidence(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f, h, err := r.FormFile("file")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer f.Close()
		_, _ = io.WriteString(w, `{"path":"`+r.FormValue("kind")+`/x-`+h.Filename+`"}`)
	}))
	defer srv.Close()

	path, err := New(srv.URL).UploadEvidence(context.Background(), "image", "receipt.png", strings.NewReader("png"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if path != "image/x-receipt.png" {
		t.Fatalf("unexpected path %q", path)
	}
}
