package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/sells-group/kpledger/internal/db"
)

// TransientError marks an error as safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// NewTransientError wraps err as transient.
func NewTransientError(err error) *TransientError {
	return &TransientError{Err: err}
}

// sqliteBusyPatterns match modernc.org/sqlite lock contention messages.
var sqliteBusyPatterns = []string{
	"database is locked",
	"sqlite_busy",
	"database table is locked",
}

var networkPatterns = []string{
	"connection reset by peer",
	"broken pipe",
	"i/o timeout",
	"conn closed",
}

// IsTransient reports whether err (or anything in its chain) is worth
// retrying: an explicit TransientError, a PostgreSQL serialization failure
// or deadlock, SQLite lock contention, or a network-level fault.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	if db.IsSerializationFailure(err) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range sqliteBusyPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	for _, p := range networkPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
