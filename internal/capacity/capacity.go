// Package capacity decides whether a session may accept another file.
package capacity

import "errors"

const (
	// DefaultMaxFileSize is the largest single file a session accepts (20 MiB).
	DefaultMaxFileSize int64 = 20 << 20

	// DefaultMaxFiles is the number of files a session accepts over its lifetime.
	DefaultMaxFiles = 5
)

var (
	ErrFileTooLarge      = errors.New("file exceeds maximum size")
	ErrFileQuotaExceeded = errors.New("session file quota exceeded")
)

// Decision is the outcome of an admission check.
type Decision int

const (
	Admit Decision = iota
	RejectTooLarge
	RejectQuotaExceeded
)

func (d Decision) String() string {
	switch d {
	case Admit:
		return "admit"
	case RejectTooLarge:
		return "reject_too_large"
	case RejectQuotaExceeded:
		return "reject_quota_exceeded"
	}
	return "unknown"
}

// Err returns the error for a rejecting decision, or nil for Admit.
func (d Decision) Err() error {
	switch d {
	case RejectTooLarge:
		return ErrFileTooLarge
	case RejectQuotaExceeded:
		return ErrFileQuotaExceeded
	}
	return nil
}

// Limits holds the per-session tier limits. A limit <= 0 is unlimited.
type Limits struct {
	MaxFileSize int64 `json:"max_file_size"`
	MaxFiles    int   `json:"max_files"`
}

// DefaultLimits returns the base tier limits.
func DefaultLimits() Limits {
	return Limits{
		MaxFileSize: DefaultMaxFileSize,
		MaxFiles:    DefaultMaxFiles,
	}
}

// Check decides whether a file of the declared size may be added to a
// session that has already admitted fileCount files. Size is checked
// before quota. Check does not mutate anything; the caller must apply
// the increment in the same critical section as the check.
func (l Limits) Check(fileCount int, size int64) Decision {
	if l.MaxFileSize > 0 && size > l.MaxFileSize {
		return RejectTooLarge
	}
	if l.MaxFiles > 0 && fileCount >= l.MaxFiles {
		return RejectQuotaExceeded
	}
	return Admit
}
