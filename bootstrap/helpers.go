package bootstrap

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"modernc.org/sqlite"
)

// EnsureDataDirectory creates the parent directory of a file-backed store.
func EnsureDataDirectory(filePath string, sugar *zap.SugaredLogger) error {
	dir := filepath.Dir(filePath)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create data directory %s: %w", dir, err)
	}
	sugar.Debugw("Data directory ready", "path", dir)
	return nil
}

// ClassifyConnectionError turns a failed dial to Redis, MongoDB or NATS into
// a one-line operator hint.
func ClassifyConnectionError(service string, err error, addr string) string {
	if err == nil {
		return ""
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Sprintf("%s at %s timed out; check the address and any firewall in between", service, addr)
	}

	errStr := err.Error()
	switch {
	case errors.Is(err, syscall.ECONNREFUSED) || containsIgnoreCase(errStr, "connection refused"):
		return fmt.Sprintf("%s refused the connection at %s; start it or disable it in config", service, addr)
	case containsIgnoreCase(errStr, "no such host"):
		return fmt.Sprintf("cannot resolve the host of %s address %s", service, addr)
	case containsIgnoreCase(errStr, "auth") || containsIgnoreCase(errStr, "denied"):
		return fmt.Sprintf("%s at %s rejected the credentials; check config or SENTINEL_* env vars", service, addr)
	}
	return fmt.Sprintf("cannot connect to %s at %s: %v", service, addr, err)
}

// SQLite primary result codes NewSQLiteStore can surface while opening,
// pinging or creating the schema.
const (
	sqlitePerm     = 3
	sqliteBusy     = 5
	sqliteReadOnly = 8
	sqliteFull     = 13
	sqliteCantOpen = 14
	sqliteNotADB   = 26
)

// sqliteMarkers maps the code names the driver puts into its messages.
var sqliteMarkers = map[string]int{
	"SQLITE_PERM":     sqlitePerm,
	"SQLITE_BUSY":     sqliteBusy,
	"SQLITE_READONLY": sqliteReadOnly,
	"SQLITE_FULL":     sqliteFull,
	"SQLITE_CANTOPEN": sqliteCantOpen,
	"SQLITE_NOTADB":   sqliteNotADB,
}

func sqliteCode(err error) int {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() & 0xff
	}
	msg := err.Error()
	for marker, code := range sqliteMarkers {
		if strings.Contains(msg, marker) {
			return code
		}
	}
	return 0
}

// ClassifySQLiteError explains why the SQLite store at dbPath could not be opened.
func ClassifySQLiteError(err error, dbPath string) string {
	if err == nil {
		return ""
	}
	absPath, _ := filepath.Abs(dbPath)

	switch sqliteCode(err) {
	case sqliteBusy:
		return fmt.Sprintf("sqlite store %s is locked by another process", absPath)
	case sqlitePerm, sqliteReadOnly:
		return fmt.Sprintf("sqlite store %s is not writable by this process", absPath)
	case sqliteFull:
		return fmt.Sprintf("no space left for sqlite store %s", absPath)
	case sqliteCantOpen:
		return fmt.Sprintf("cannot open sqlite store %s; check that %s exists and is writable", absPath, filepath.Dir(absPath))
	case sqliteNotADB:
		return fmt.Sprintf("%s is not a sqlite database", absPath)
	}
	if errors.Is(err, os.ErrPermission) {
		return fmt.Sprintf("sqlite store %s is not writable by this process", absPath)
	}
	return fmt.Sprintf("cannot open sqlite store %s: %v", absPath, err)
}

func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
