// Package audit appends structured, rotating event records for
// extension lifecycle and integrity operations.
//
// Each record is one self-contained JSON object per line. Appends run
// under an exclusive file lock so concurrent writers from independent
// processes never interleave partial lines, and rotation (a rename to a
// timestamp-suffixed file) can never race an in-progress append.
// Logging is best-effort: failures are reported to the operational
// logger but never block or fail the primary operation.
package audit

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// Event kinds recorded in the audit log.
const (
	EventInstallOK       = "extension_install_ok"
	EventInstallFailed   = "extension_install_failed"
	EventUninstallOK     = "extension_uninstall_ok"
	EventUninstallFailed = "extension_uninstall_failed"
	EventEnable          = "extension_enable"
	EventDisable         = "extension_disable"
	EventBaselineBuilt   = "extension_baseline_built"
	EventIntegrityCheck  = "extension_integrity_check"
)

// Actor identifies who performed an operation and from where.
type Actor struct {
	User string
	IP   string
	UA   string
}

// Entry is one immutable audit record.
type Entry struct {
	TS    string `json:"ts"`
	Event string `json:"event"`
	Slug  string `json:"slug,omitempty"`
	User  string `json:"user,omitempty"`
	IP    string `json:"ip,omitempty"`
	UA    string `json:"ua,omitempty"`
	Size  int64  `json:"size,omitempty"`
	Error string `json:"error,omitempty"`
}

// Logger appends audit entries to a rotating log file.
type Logger struct {
	path       string
	rotateSize int64
	lock       *flock.Flock
	log        *slog.Logger
	now        func() time.Time
}

// New creates a Logger writing to path, rotating when the file exceeds
// rotateSize bytes. The parent directory is created if absent.
func New(path string, rotateSize int64, log *slog.Logger) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &Logger{
		path:       path,
		rotateSize: rotateSize,
		lock:       flock.New(path + ".lock"),
		log:        log,
		now:        time.Now,
	}, nil
}

// Append writes one entry. Errors are swallowed after being reported to
// the operational logger.
func (l *Logger) Append(event string, actor Actor, slug string, size int64, opErr error) {
	entry := Entry{
		TS:    l.now().UTC().Format(time.RFC3339),
		Event: event,
		Slug:  slug,
		User:  actor.User,
		IP:    actor.IP,
		UA:    actor.UA,
		Size:  size,
	}
	if opErr != nil {
		entry.Error = opErr.Error()
	}

	if err := l.append(entry); err != nil {
		l.log.Warn("audit append failed", "event", event, "error", err)
	}
}

func (l *Logger) append(entry Entry) error {
	if err := l.lock.Lock(); err != nil {
		return err
	}
	defer func() { _ = l.lock.Unlock() }()

	if err := l.rotateIfNeeded(); err != nil {
		return err
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// rotateIfNeeded renames the log to a timestamp-suffixed file when it
// exceeds the threshold. Caller holds the lock.
func (l *Logger) rotateIfNeeded() error {
	info, err := os.Stat(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if l.rotateSize <= 0 || info.Size() < l.rotateSize {
		return nil
	}

	rotated := l.path + "." + l.now().UTC().Format("20060102T150405")
	return os.Rename(l.path, rotated)
}
