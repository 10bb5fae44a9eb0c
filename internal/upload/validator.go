// Package upload validates uploaded extension archives before anything
// is opened.
//
// The validator is purely advisory: it performs no I/O beyond sniffing
// the leading bytes it is handed, and a single failed check aborts the
// install pipeline with a typed rejection.
package upload

import (
	"fmt"
	"io"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/extwarden/extwarden/internal/archive"
)

// Code identifies why an upload was rejected.
type Code string

const (
	CodeBadRequest   Code = "bad_request"   // malformed upload structure
	CodeTransport    Code = "transport"     // upload transport reported an error
	CodeTooLarge     Code = "too_large"     // reported size exceeds the maximum
	CodeBadExtension Code = "bad_extension" // filename extension is not .zip
	CodeUnsupported  Code = "unsupported"   // archive parsing unavailable on host
	CodeBadType      Code = "bad_type"      // sniffed content type not archive-like
)

// Rejection is a typed validation failure with a short user-facing
// message.
type Rejection struct {
	Code   Code
	Detail string
}

func (r *Rejection) Error() string {
	return r.Detail
}

// StatusOK is the transport status of a successful upload.
const StatusOK = 0

// Upload carries the metadata of one uploaded file. Head holds the
// leading bytes of the payload for content sniffing and may be nil when
// sniffing is unavailable.
type Upload struct {
	Filename string
	Size     int64
	Status   int
	Head     []byte
}

// allowedTypes are the sniffed content types accepted for a ZIP upload.
// application/octet-stream covers archives the sniffer cannot narrow
// down further.
var allowedTypes = []string{
	"application/zip",
	"application/x-zip-compressed",
	"application/octet-stream",
}

// Validator checks upload constraints before an archive is opened.
type Validator struct {
	maxSize int64

	// open is the archive-parsing capability. A nil open fails closed:
	// without it no upload is accepted.
	open func(io.Reader) (archive.Reader, error)

	// sniff returns the detected content type for the leading payload
	// bytes. A nil sniff skips the content-type check (fail-open on
	// sniffing only).
	sniff func(head []byte) string
}

// New returns a Validator with archive parsing and content sniffing
// wired in.
func New(maxSize int64) *Validator {
	return &Validator{
		maxSize: maxSize,
		open:    archive.OpenZip,
		sniff: func(head []byte) string {
			return mimetype.Detect(head).String()
		},
	}
}

// Validate runs all checks in order and returns the first failure as a
// *Rejection, or nil if the upload is accepted.
func (v *Validator) Validate(u Upload) error {
	if u.Filename == "" || u.Size < 0 {
		return &Rejection{Code: CodeBadRequest, Detail: "invalid upload structure"}
	}
	if u.Status != StatusOK {
		return &Rejection{Code: CodeTransport, Detail: fmt.Sprintf("file upload error: %d", u.Status)}
	}
	if v.maxSize > 0 && u.Size > v.maxSize {
		return &Rejection{Code: CodeTooLarge, Detail: "file size exceeds maximum allowed"}
	}
	if !archive.HasZipExtension(u.Filename) {
		return &Rejection{Code: CodeBadExtension, Detail: "invalid file extension"}
	}
	if v.open == nil {
		return &Rejection{Code: CodeUnsupported, Detail: "zip support not available on server"}
	}
	if v.sniff != nil && len(u.Head) > 0 {
		detected := v.sniff(u.Head)
		if !typeAllowed(detected) {
			return &Rejection{Code: CodeBadType, Detail: "invalid file type"}
		}
	}
	return nil
}

func typeAllowed(detected string) bool {
	// mimetype may append parameters ("; charset=..."); compare the
	// media type only.
	if idx := strings.IndexByte(detected, ';'); idx >= 0 {
		detected = detected[:idx]
	}
	detected = strings.TrimSpace(strings.ToLower(detected))
	for _, t := range allowedTypes {
		if detected == t {
			return true
		}
	}
	return false
}
