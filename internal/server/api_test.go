package server

import (
	zipw "archive/zip"
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/extwarden/extwarden/internal/config"
	"github.com/extwarden/extwarden/internal/installer"
	"github.com/extwarden/extwarden/internal/state"
)

const demoManifest = `{"slug":"demo","name":"Demo","version":"1.0.0"}`

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Extensions.Root = filepath.Join(dir, "extensions")
	cfg.Extensions.Staging = filepath.Join(dir, "staging")
	cfg.Retention.URL = "file://" + filepath.Join(dir, "archives")
	cfg.Database.Path = filepath.Join(dir, "test.db")
	cfg.Audit.Path = filepath.Join(dir, "audit.log")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("test config invalid: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := New(cfg, logger)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() {
		_ = srv.db.Close()
		if srv.retention != nil {
			_ = srv.retention.Close()
		}
	})
	return srv, cfg.Extensions.Root
}

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zipw.NewWriter(&buf)
	for path, content := range files {
		f, err := w.Create(path)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := f.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func multipartUpload(t *testing.T, filename string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile(uploadField, filename)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &body, mw.FormDataContentType()
}

func installDemo(t *testing.T, h http.Handler) {
	t.Helper()
	data := buildZip(t, map[string]string{"extension.json": demoManifest})
	body, contentType := multipartUpload(t, "demo.zip", data)

	req := httptest.NewRequest(http.MethodPost, "/api/extensions", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Admin-User", "admin")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("install status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestInstallEndpoint(t *testing.T) {
	srv, root := newTestServer(t)
	h := srv.Handler()

	installDemo(t, h)

	if _, err := os.Stat(filepath.Join(root, "demo", "extension.json")); err != nil {
		t.Errorf("installed manifest missing: %v", err)
	}

	// Response shape.
	data := buildZip(t, map[string]string{
		"extension.json": `{"slug":"second","name":"Second","version":"2.0.0"}`,
	})
	body, contentType := multipartUpload(t, "second.zip", data)
	req := httptest.NewRequest(http.MethodPost, "/api/extensions", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp InstallResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Slug != "second" || resp.Version != "2.0.0" || resp.Status != "enabled" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestInstallFormRedirect(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	data := buildZip(t, map[string]string{
		"extension.json": `{"slug":"demo","name":"Demo","version":"1.0.0"}`,
	})
	body, contentType := multipartUpload(t, "demo.zip", data)
	req := httptest.NewRequest(http.MethodPost, "/api/extensions", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "text/html")
	req.Header.Set("Referer", "/admin/extensions")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, want 303", rec.Code)
	}
	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatal(err)
	}
	if loc.Path != "/admin/extensions" {
		t.Errorf("redirect path = %q", loc.Path)
	}
	if msg := loc.Query().Get("message"); !strings.Contains(msg, "demo") {
		t.Errorf("message = %q, want install outcome", msg)
	}
}

func TestInstallEndpointErrors(t *testing.T) {
	tests := []struct {
		name       string
		filename   string
		data       func(t *testing.T) []byte
		wantStatus int
	}{
		{
			name:     "traversal archive",
			filename: "evil.zip",
			data: func(t *testing.T) []byte {
				return buildZip(t, map[string]string{
					"extension.json": demoManifest,
					"../evil.sh":     "#!/bin/sh",
				})
			},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:     "no manifest",
			filename: "bare.zip",
			data: func(t *testing.T) []byte {
				return buildZip(t, map[string]string{"main.js": "//"})
			},
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:     "wrong extension",
			filename: "ext.tar.gz",
			data: func(t *testing.T) []byte {
				return buildZip(t, map[string]string{"extension.json": demoManifest})
			},
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newTestServer(t)
			h := srv.Handler()

			body, contentType := multipartUpload(t, tt.filename, tt.data(t))
			req := httptest.NewRequest(http.MethodPost, "/api/extensions", body)
			req.Header.Set("Content-Type", contentType)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d, body %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
			var resp ErrorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decoding error response: %v", err)
			}
			if resp.Error == "" {
				t.Error("error response should carry a reason")
			}
		})
	}
}

func TestInstallDuplicateConflicts(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	installDemo(t, h)

	data := buildZip(t, map[string]string{"extension.json": demoManifest})
	body, contentType := multipartUpload(t, "demo.zip", data)
	req := httptest.NewRequest(http.MethodPost, "/api/extensions", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409, body %s", rec.Code, rec.Body.String())
	}
}

func TestListEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	installDemo(t, h)

	req := httptest.NewRequest(http.MethodGet, "/api/extensions", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var infos []installer.Info
	if err := json.Unmarshal(rec.Body.Bytes(), &infos); err != nil {
		t.Fatalf("decoding list: %v", err)
	}
	if len(infos) != 1 || infos[0].Slug != "demo" || infos[0].Status != state.Enabled {
		t.Errorf("unexpected list: %+v", infos)
	}
}

func TestEnableDisableEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	installDemo(t, h)

	req := httptest.NewRequest(http.MethodPost, "/api/extensions/demo/disable", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("disable status = %d, body %s", rec.Code, rec.Body.String())
	}

	status, err := srv.db.GetStatus(req.Context(), "demo")
	if err != nil {
		t.Fatal(err)
	}
	if status != state.Disabled {
		t.Errorf("status = %q, want disabled", status)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/extensions/demo/enable", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("enable status = %d", rec.Code)
	}

	// Unknown slug is a 404.
	req = httptest.NewRequest(http.MethodPost, "/api/extensions/ghost-ext/enable", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("enable unknown status = %d, want 404", rec.Code)
	}
}

func TestUninstallEndpoint(t *testing.T) {
	srv, root := newTestServer(t)
	h := srv.Handler()

	installDemo(t, h)

	req := httptest.NewRequest(http.MethodDelete, "/api/extensions/demo", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	if _, err := os.Stat(filepath.Join(root, "demo")); !os.IsNotExist(err) {
		t.Error("install directory should be removed")
	}

	// Second delete is a 404.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/extensions/demo", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", rec.Code)
	}
}

func TestBaselineAndIntegrityEndpoints(t *testing.T) {
	srv, root := newTestServer(t)
	h := srv.Handler()

	installDemo(t, h)

	// Check before baseline exists.
	req := httptest.NewRequest(http.MethodGet, "/api/extensions/demo/integrity", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Errorf("integrity without baseline = %d, want 409", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/extensions/demo/baseline", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("baseline status = %d, body %s", rec.Code, rec.Body.String())
	}
	var bl BaselineResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &bl); err != nil {
		t.Fatal(err)
	}
	if bl.Count != 1 || bl.Files[0] != "extension.json" {
		t.Errorf("unexpected baseline response: %+v", bl)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/extensions/demo/integrity", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("integrity status = %d", rec.Code)
	}
	var ir IntegrityResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &ir); err != nil {
		t.Fatal(err)
	}
	if !ir.OK {
		t.Errorf("fresh install should pass: %+v", ir)
	}

	// Tamper, then recheck.
	if err := os.WriteFile(filepath.Join(root, "demo", "extension.json"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/extensions/demo/integrity", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("integrity status = %d", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &ir); err != nil {
		t.Fatal(err)
	}
	if ir.OK || len(ir.Mismatch) != 1 {
		t.Errorf("tampered report: %+v", ir)
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	installDemo(t, h)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp StatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Extensions != 1 {
		t.Errorf("Extensions = %d, want 1", resp.Extensions)
	}
	if resp.ExtensionsRoot == "" {
		t.Error("ExtensionsRoot should be set")
	}
	if !resp.RootWritable {
		t.Error("RootWritable should be true for a temp root")
	}
	if resp.AuditLogBytes == 0 {
		t.Error("AuditLogBytes should be non-zero after an install")
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
	if rec.Body.String() != "ok" {
		t.Errorf("body = %q, want ok", rec.Body.String())
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name   string
		remote string
		fwd    string
		want   string
	}{
		{"remote only", "192.168.1.5:4312", "", "192.168.1.5"},
		{"forwarded", "10.0.0.1:80", "203.0.113.9", "203.0.113.9"},
		{"forwarded chain", "10.0.0.1:80", "203.0.113.9, 10.0.0.2", "203.0.113.9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.fwd != "" {
				req.Header.Set("X-Forwarded-For", tt.fwd)
			}
			if got := clientIP(req); got != tt.want {
				t.Errorf("clientIP = %q, want %q", got, tt.want)
			}
		})
	}
}
