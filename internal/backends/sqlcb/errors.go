package sqlcb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"net"

	"github.com/dreamware/cbstore/internal/cb"
)

// ErrDuplicate is wrapped in a WriteError when a write collides with an
// existing record on domain, name and server tag.
var ErrDuplicate = errors.New("duplicate record")

// isConnectionError tells transport failures apart from statement errors.
// Cancellation by the caller is never a connection failure.
func (b *Backend) isConnectionError(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, driver.ErrBadConn), errors.Is(err, sql.ErrConnDone),
		errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return true
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return true
	}
	return b.dialect.IsConnectionError != nil && b.dialect.IsConnectionError(err)
}

func (b *Backend) queryError(op string, err error) error {
	if cb.IsConnectionError(err) {
		return err
	}
	if b.isConnectionError(err) {
		return &cb.ConnectionError{Backend: b.dialect.Name, Err: err}
	}
	return &cb.QueryError{Op: op, Err: err}
}

func (b *Backend) writeError(op string, err error) error {
	var werr *cb.WriteError
	if cb.IsConnectionError(err) || errors.As(err, &werr) {
		return err
	}
	if b.isConnectionError(err) {
		return &cb.ConnectionError{Backend: b.dialect.Name, Err: err}
	}
	if b.dialect.IsDuplicate != nil && b.dialect.IsDuplicate(err) {
		return &cb.WriteError{Op: op, Err: errors.Join(ErrDuplicate, err)}
	}
	return &cb.WriteError{Op: op, Err: err}
}
