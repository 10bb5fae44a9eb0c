// Package installer orchestrates the extension lifecycle: install,
// enable/disable, uninstall, and integrity baseline operations.
//
// The install pipeline runs Archive Validator -> Manifest Resolver ->
// Safe Extractor, then initializes state and records the outcome in the
// audit log. Every error is caught at the top of the pipeline,
// converted to a single user-facing message, and logged with the error
// field populated; there are no silent failures.
package installer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"

	"github.com/extwarden/extwarden/internal/archive"
	"github.com/extwarden/extwarden/internal/audit"
	"github.com/extwarden/extwarden/internal/database"
	"github.com/extwarden/extwarden/internal/extractor"
	"github.com/extwarden/extwarden/internal/integrity"
	"github.com/extwarden/extwarden/internal/manifest"
	"github.com/extwarden/extwarden/internal/state"
	"github.com/extwarden/extwarden/internal/storage"
	"github.com/extwarden/extwarden/internal/upload"
)

// sniffLen is how many leading payload bytes are handed to the content
// sniffer.
const sniffLen = 512

// Registry persists installed-extension metadata.
type Registry interface {
	UpsertExtension(ctx context.Context, ext *database.Extension) error
	GetExtension(ctx context.Context, slug string) (*database.Extension, error)
	ListExtensions(ctx context.Context) ([]database.Extension, error)
	DeleteExtension(ctx context.Context, slug string) error
}

// Upload carries one uploaded archive through the install pipeline.
type Upload struct {
	// Filename is the declared upload filename.
	Filename string

	// Size is the size reported by the transport.
	Size int64

	// Status is the upload transport status (upload.StatusOK on
	// success).
	Status int

	// Data is the full archive payload.
	Data []byte
}

// Info combines registry metadata with the current status.
type Info struct {
	database.Extension
	Status state.Status `json:"status"`
}

// Installer coordinates all lifecycle operations.
type Installer struct {
	validator *upload.Validator
	extractor *extractor.Extractor
	registry  Registry
	states    state.Store
	baselines *integrity.Engine
	retention storage.Storage
	audit     *audit.Logger
	logger    *slog.Logger
}

// New wires an Installer. retention may be nil to disable archive
// retention.
func New(
	validator *upload.Validator,
	ext *extractor.Extractor,
	registry Registry,
	states state.Store,
	baselines *integrity.Engine,
	retention storage.Storage,
	auditLog *audit.Logger,
	logger *slog.Logger,
) *Installer {
	return &Installer{
		validator: validator,
		extractor: ext,
		registry:  registry,
		states:    states,
		baselines: baselines,
		retention: retention,
		audit:     auditLog,
		logger:    logger,
	}
}

// Install validates, unpacks, and registers an uploaded extension
// archive. On success the new extension is enabled and its slug
// returned; on failure the extensions root is untouched and a typed
// *Error describes the reason.
func (ins *Installer) Install(ctx context.Context, up Upload, actor audit.Actor) (*database.Extension, error) {
	ext, err := ins.install(ctx, up)
	if err != nil {
		typed := classify(err)
		ins.logger.Warn("install failed",
			"filename", up.Filename,
			"kind", string(typed.Kind),
			"reason", typed.Reason,
			"error", err)
		ins.audit.Append(audit.EventInstallFailed, actor, slugOf(ext), up.Size, typed)
		return nil, typed
	}

	ins.logger.Info("extension installed",
		"slug", ext.Slug, "version", ext.Version, "size", ext.Size)
	ins.audit.Append(audit.EventInstallOK, actor, ext.Slug, ext.Size, nil)
	return ext, nil
}

func (ins *Installer) install(ctx context.Context, up Upload) (*database.Extension, error) {
	head := up.Data
	if len(head) > sniffLen {
		head = head[:sniffLen]
	}
	if err := ins.validator.Validate(upload.Upload{
		Filename: up.Filename,
		Size:     up.Size,
		Status:   up.Status,
		Head:     head,
	}); err != nil {
		return nil, err
	}

	r, err := archive.OpenZip(bytes.NewReader(up.Data))
	if err != nil {
		return nil, newError(KindValidation, "Failed to open ZIP", err)
	}
	defer func() { _ = r.Close() }()

	if err := ins.extractor.Prescan(r.Entries()); err != nil {
		return nil, err
	}

	m, err := manifest.Resolve(r)
	if err != nil {
		return nil, err
	}

	// Early conflict check. Inherently racy against concurrent installs
	// of the same slug; the promotion step is the authoritative one.
	if ins.extractor.Installed(m.Slug) {
		return nil, alreadyInstalled(m.Slug)
	}

	installPath, err := ins.extractor.Install(r, m.Dir, m.Slug)
	if err != nil {
		if errors.Is(err, extractor.ErrAlreadyInstalled) {
			return nil, alreadyInstalled(m.Slug)
		}
		return nil, err
	}

	ext := &database.Extension{
		Slug:    m.Slug,
		Name:    m.Name,
		Version: m.Version,
		Size:    treeSize(installPath),
	}
	if err := ins.registry.UpsertExtension(ctx, ext); err != nil {
		ins.rollback(ctx, m.Slug)
		return ext, fmt.Errorf("registering extension: %w", err)
	}
	if err := ins.states.SetEnabled(ctx, m.Slug, true); err != nil {
		ins.rollback(ctx, m.Slug)
		return ext, fmt.Errorf("initializing state: %w", err)
	}

	ins.retain(ctx, m.Slug, m.Version, up.Data)
	return ext, nil
}

// rollback clears a freshly promoted install after a post-promotion
// failure. Without it the orphaned directory would make every retry
// fail as already installed.
func (ins *Installer) rollback(ctx context.Context, slug string) {
	if err := ins.extractor.Remove(slug); err != nil {
		ins.logger.Warn("rolling back install directory failed", "slug", slug, "error", err)
	}
	if err := ins.registry.DeleteExtension(ctx, slug); err != nil {
		ins.logger.Warn("rolling back registry row failed", "slug", slug, "error", err)
	}
	if err := ins.states.Remove(ctx, slug); err != nil {
		ins.logger.Warn("rolling back extension state failed", "slug", slug, "error", err)
	}
}

// retain stores the validated original archive; failures are logged and
// ignored because the install itself never depends on the retained copy.
func (ins *Installer) retain(ctx context.Context, slug, version string, data []byte) {
	if ins.retention == nil {
		return
	}
	path := storage.ArchivePath(slug, version)
	if _, _, err := ins.retention.Store(ctx, path, bytes.NewReader(data)); err != nil {
		ins.logger.Warn("archive retention failed", "slug", slug, "error", err)
	}
}

// Uninstall removes the extension directory and clears its state and
// baseline records.
func (ins *Installer) Uninstall(ctx context.Context, slug string, actor audit.Actor) error {
	if err := ins.uninstall(ctx, slug); err != nil {
		typed := classify(err)
		ins.logger.Warn("uninstall failed", "slug", slug, "error", err)
		ins.audit.Append(audit.EventUninstallFailed, actor, slug, 0, typed)
		return typed
	}

	ins.logger.Info("extension uninstalled", "slug", slug)
	ins.audit.Append(audit.EventUninstallOK, actor, slug, 0, nil)
	return nil
}

func (ins *Installer) uninstall(ctx context.Context, slug string) error {
	if !manifest.SlugPattern.MatchString(slug) {
		return newError(KindValidation, "Invalid extension slug", nil)
	}
	if !ins.extractor.Installed(slug) {
		return notInstalled(slug)
	}

	ext, err := ins.registry.GetExtension(ctx, slug)
	if err != nil {
		return fmt.Errorf("reading registry: %w", err)
	}

	if err := ins.extractor.Remove(slug); err != nil {
		return err
	}
	if err := ins.states.Remove(ctx, slug); err != nil {
		return err
	}
	if err := ins.baselines.Forget(ctx, slug); err != nil {
		return err
	}
	if err := ins.registry.DeleteExtension(ctx, slug); err != nil {
		return err
	}

	if ins.retention != nil && ext != nil {
		if err := ins.retention.Delete(ctx, storage.ArchivePath(slug, ext.Version)); err != nil {
			ins.logger.Warn("removing retained archive failed", "slug", slug, "error", err)
		}
	}
	return nil
}

// Enable marks the extension enabled. Idempotent.
func (ins *Installer) Enable(ctx context.Context, slug string, actor audit.Actor) error {
	return ins.setEnabled(ctx, slug, true, actor)
}

// Disable marks the extension disabled. Idempotent.
func (ins *Installer) Disable(ctx context.Context, slug string, actor audit.Actor) error {
	return ins.setEnabled(ctx, slug, false, actor)
}

func (ins *Installer) setEnabled(ctx context.Context, slug string, enabled bool, actor audit.Actor) error {
	event := audit.EventDisable
	if enabled {
		event = audit.EventEnable
	}

	if !ins.extractor.Installed(slug) {
		typed := notInstalled(slug)
		ins.audit.Append(event, actor, slug, 0, typed)
		return typed
	}

	if err := ins.states.SetEnabled(ctx, slug, enabled); err != nil {
		typed := newError(KindFilesystem, "Failed to update extension state", err)
		ins.audit.Append(event, actor, slug, 0, typed)
		return typed
	}

	ins.audit.Append(event, actor, slug, 0, nil)
	return nil
}

// BuildBaseline snapshots the extension's current file hashes and
// returns the hashed file list.
func (ins *Installer) BuildBaseline(ctx context.Context, slug string, actor audit.Actor) ([]string, error) {
	files, err := ins.baselines.Build(ctx, slug)
	if err != nil {
		var typed *Error
		if errors.Is(err, integrity.ErrNotInstalled) {
			typed = notInstalled(slug)
		} else {
			typed = newError(KindIntegrity, "Failed to build baseline", err)
		}
		ins.audit.Append(audit.EventBaselineBuilt, actor, slug, 0, typed)
		return nil, typed
	}

	ins.logger.Info("baseline built", "slug", slug, "files", len(files))
	ins.audit.Append(audit.EventBaselineBuilt, actor, slug, int64(len(files)), nil)
	return files, nil
}

// CheckIntegrity compares the live tree against the stored baseline.
// A non-ok report is a structured result, never an error; only the
// absence of a baseline or an I/O failure errors out.
func (ins *Installer) CheckIntegrity(ctx context.Context, slug string, actor audit.Actor) (*integrity.Report, error) {
	report, err := ins.baselines.Check(ctx, slug)
	if err != nil {
		var typed *Error
		if errors.Is(err, integrity.ErrNoBaseline) {
			typed = newError(KindIntegrity, fmt.Sprintf("No baseline exists for extension: %s", slug), err)
		} else {
			typed = newError(KindIntegrity, "Integrity check failed", err)
		}
		ins.audit.Append(audit.EventIntegrityCheck, actor, slug, 0, typed)
		return nil, typed
	}

	var drift error
	if !report.OK {
		drift = fmt.Errorf("drift detected: %d mismatch, %d missing, %d extra",
			len(report.Mismatch), len(report.Missing), len(report.Extra))
	}
	ins.audit.Append(audit.EventIntegrityCheck, actor, slug, 0, drift)
	return report, nil
}

// List returns all installed extensions with their status.
func (ins *Installer) List(ctx context.Context) ([]Info, error) {
	exts, err := ins.registry.ListExtensions(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing extensions: %w", err)
	}
	states, err := ins.states.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}

	infos := make([]Info, 0, len(exts))
	for _, ext := range exts {
		status, ok := states[ext.Slug]
		if !ok {
			status = state.Enabled
		}
		infos = append(infos, Info{Extension: ext, Status: status})
	}
	return infos, nil
}

// Root returns the extensions root directory.
func (ins *Installer) Root() string {
	return ins.extractor.Root()
}

func slugOf(ext *database.Extension) string {
	if ext == nil {
		return ""
	}
	return ext.Slug
}

func treeSize(dir string) int64 {
	var total int64
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}
