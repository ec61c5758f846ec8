package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	"sentinel/core"

	"go.mongodb.org/mongo-driver/mongo"
	"modernc.org/sqlite"
)

var (
	// ErrNotFound is wrapped by every not-found error a backend returns
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when an alert cannot move to the requested status
	ErrInvalidTransition = errors.New("invalid alert status transition")

	// ErrStoreClosed is returned after Close
	ErrStoreClosed = errors.New("store is closed")
)

// SQLite primary result codes that clear up on retry.
const (
	sqliteBusy   = 5
	sqliteLocked = 6
)

func notFound(what string) error {
	return &core.Error{Kind: core.KindNotFound, Message: what + " not found", Err: ErrNotFound}
}

func invalidTransition(from, to core.AlertStatus) error {
	return &core.Error{
		Kind:    core.KindValidation,
		Message: "invalid status transition",
		Fields:  []core.FieldError{{Field: "status", Message: fmt.Sprintf("cannot move from %s to %s", from, to)}},
		Err:     ErrInvalidTransition,
	}
}

// classify converts a backend error into the storage taxonomy. Errors that
// are already classified pass through unchanged.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := core.AsError(err); ok {
		return err
	}
	if isTransient(err) {
		return core.NewTransientStorageError(op, err)
	}
	return core.NewPermanentStorageError(op, err)
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code() & 0xff
		return code == sqliteBusy || code == sqliteLocked
	}
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var serverErr mongo.ServerError
	if errors.As(err, &serverErr) && serverErr.HasErrorLabel("RetryableWriteError") {
		return true
	}
	return false
}
