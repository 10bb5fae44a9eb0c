package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/extwarden/extwarden/internal/audit"
	"github.com/extwarden/extwarden/internal/installer"
	"github.com/extwarden/extwarden/internal/integrity"
	"github.com/extwarden/extwarden/internal/metrics"
	"github.com/extwarden/extwarden/internal/upload"
)

// uploadField is the multipart form field carrying the archive.
const uploadField = "archive"

// InstallResponse is returned after a successful install.
type InstallResponse struct {
	Slug    string `json:"slug"`
	Name    string `json:"name"`
	Version string `json:"version"`
	Size    int64  `json:"size"`
	Status  string `json:"status"`
}

// ErrorResponse carries a user-facing failure reason.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// StatusResponse contains service statistics.
type StatusResponse struct {
	Extensions     int64  `json:"extensions"`
	ExtensionsRoot string `json:"extensions_root"`
	RootWritable   bool   `json:"root_writable"`
	AuditLogBytes  int64  `json:"audit_log_bytes"`
	DatabasePath   string `json:"database_path,omitempty"`
	RetentionURL   string `json:"retention_url,omitempty"`
}

// BaselineResponse is returned after building a baseline.
type BaselineResponse struct {
	Slug  string   `json:"slug"`
	Files []string `json:"files"`
	Count int      `json:"count"`
}

// IntegrityResponse wraps an integrity report with its slug.
type IntegrityResponse struct {
	Slug string `json:"slug"`
	integrity.Report
}

func (s *Server) handleInstall(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile(uploadField)
	if err != nil {
		metrics.RecordInstall("rejected", r.ContentLength)
		writeError(w, http.StatusBadRequest, "missing archive upload", "validation")
		return
	}
	defer func() { _ = file.Close() }()

	// MaxUploadBytes+1 so oversized payloads are detected rather than
	// silently truncated; the validator rejects them by size.
	data, err := io.ReadAll(io.LimitReader(file, s.cfg.MaxUploadBytes()+1))
	if err != nil {
		metrics.RecordInstall("rejected", header.Size)
		writeError(w, http.StatusBadRequest, "reading upload failed", "validation")
		return
	}

	up := installer.Upload{
		Filename: header.Filename,
		Size:     int64(len(data)),
		Status:   upload.StatusOK,
		Data:     data,
	}

	ext, err := s.installer.Install(r.Context(), up, actorFrom(r))
	if err != nil {
		metrics.RecordInstall("failed", up.Size)
		if formRedirect(w, r, err.Error()) {
			return
		}
		writeLifecycleError(w, err)
		return
	}

	metrics.RecordInstall("ok", up.Size)
	s.updateInstalledGauge(r)

	if formRedirect(w, r, fmt.Sprintf("Installed %s %s", ext.Slug, ext.Version)) {
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(InstallResponse{
		Slug:    ext.Slug,
		Name:    ext.Name,
		Version: ext.Version,
		Size:    ext.Size,
		Status:  "enabled",
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	infos, err := s.installer.List(r.Context())
	if err != nil {
		s.logger.Error("listing extensions failed", "error", err)
		writeError(w, http.StatusInternalServerError, "listing extensions failed", "")
		return
	}
	writeJSON(w, infos)
}

func (s *Server) handleUninstall(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	if err := s.installer.Uninstall(r.Context(), slug, actorFrom(r)); err != nil {
		metrics.RecordUninstall("failed")
		writeLifecycleError(w, err)
		return
	}
	metrics.RecordUninstall("ok")
	s.updateInstalledGauge(r)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEnable(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	if err := s.installer.Enable(r.Context(), slug, actorFrom(r)); err != nil {
		writeLifecycleError(w, err)
		return
	}
	metrics.RecordStateChange("enable")
	writeJSON(w, map[string]string{"slug": slug, "status": "enabled"})
}

func (s *Server) handleDisable(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	if err := s.installer.Disable(r.Context(), slug, actorFrom(r)); err != nil {
		writeLifecycleError(w, err)
		return
	}
	metrics.RecordStateChange("disable")
	writeJSON(w, map[string]string{"slug": slug, "status": "disabled"})
}

func (s *Server) handleBaseline(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	start := time.Now()

	files, err := s.installer.BuildBaseline(r.Context(), slug, actorFrom(r))
	if err != nil {
		writeLifecycleError(w, err)
		return
	}

	metrics.RecordBaselineBuild(time.Since(start))
	writeJSON(w, BaselineResponse{Slug: slug, Files: files, Count: len(files)})
}

func (s *Server) handleIntegrity(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")

	report, err := s.installer.CheckIntegrity(r.Context(), slug, actorFrom(r))
	if err != nil {
		metrics.RecordIntegrityCheck("error")
		writeLifecycleError(w, err)
		return
	}

	if report.OK {
		metrics.RecordIntegrityCheck("ok")
	} else {
		metrics.RecordIntegrityCheck("drift")
	}
	writeJSON(w, IntegrityResponse{Slug: slug, Report: *report})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	count, err := s.db.CountExtensions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "counting extensions failed", "")
		return
	}
	metrics.UpdateInstalledCount(int(count))

	writeJSON(w, StatusResponse{
		Extensions:     count,
		ExtensionsRoot: s.installer.Root(),
		RootWritable:   writableDir(s.installer.Root()),
		AuditLogBytes:  fileSize(s.cfg.Audit.Path),
		DatabasePath:   s.cfg.Database.Path,
		RetentionURL:   s.cfg.Retention.URL,
	})
}

// writableDir probes a directory by creating and removing a temp file.
func writableDir(dir string) bool {
	f, err := os.CreateTemp(dir, ".writecheck-*")
	if err != nil {
		return false
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return true
}

func fileSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return fi.Size()
}

func (s *Server) updateInstalledGauge(r *http.Request) {
	if count, err := s.db.CountExtensions(r.Context()); err == nil {
		metrics.UpdateInstalledCount(int(count))
	}
}

// actorFrom derives the audit actor from request headers. X-Admin-User
// names the authenticated administrator when a reverse proxy injects
// it.
func actorFrom(r *http.Request) audit.Actor {
	user := r.Header.Get("X-Admin-User")
	if user == "" {
		user = "anonymous"
	}
	return audit.Actor{
		User: user,
		IP:   clientIP(r),
		UA:   r.UserAgent(),
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		// First hop is the original client.
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// formRedirect sends browser form posts back to the referring page with
// the outcome in a message query parameter. API clients negotiating
// JSON fall through to the JSON responses.
func formRedirect(w http.ResponseWriter, r *http.Request, msg string) bool {
	if !strings.Contains(r.Header.Get("Accept"), "text/html") {
		return false
	}
	ref := r.Header.Get("Referer")
	if ref == "" {
		ref = "/"
	}
	u, err := url.Parse(ref)
	if err != nil {
		return false
	}
	q := u.Query()
	q.Set("message", msg)
	u.RawQuery = q.Encode()
	http.Redirect(w, r, u.String(), http.StatusSeeOther)
	return true
}

// writeLifecycleError maps a typed lifecycle error to an HTTP status
// and renders its user-facing reason.
func writeLifecycleError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	kind := ""

	var typed *installer.Error
	if errors.As(err, &typed) {
		kind = string(typed.Kind)
		switch {
		case errors.Is(err, installer.ErrNotInstalled):
			status = http.StatusNotFound
		case strings.HasPrefix(typed.Reason, "Extension already installed"):
			status = http.StatusConflict
		case errors.Is(err, integrity.ErrNoBaseline):
			status = http.StatusConflict
		default:
			status = kindStatus(typed, err)
		}
	}

	writeError(w, status, err.Error(), kind)
}

func kindStatus(typed *installer.Error, err error) int {
	switch typed.Kind {
	case installer.KindValidation:
		var rej *upload.Rejection
		if errors.As(err, &rej) && rej.Code == upload.CodeTooLarge {
			return http.StatusRequestEntityTooLarge
		}
		return http.StatusBadRequest
	case installer.KindSecurity:
		return http.StatusBadRequest
	case installer.KindManifest:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, msg, kind string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: msg, Kind: kind})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}
