package bootstrap

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"go.uber.org/zap"
)

func TestContainsIgnoreCase(t *testing.T) {
	tests := []struct {
		s, substr string
		want      bool
	}{
		{"Connection REFUSED", "refused", true},
		{"database is locked", "LOCKED", true},
		{"all good", "error", false},
		{"", "", true},
	}
	for _, tt := range tests {
		if got := containsIgnoreCase(tt.s, tt.substr); got != tt.want {
			t.Errorf("containsIgnoreCase(%q, %q) = %v, want %v", tt.s, tt.substr, got, tt.want)
		}
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassifyConnectionError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"timeout", timeoutErr{}, "timed out"},
		{"refused", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, "refused the connection"},
		{"dns", errors.New("dial tcp: lookup redis.internal: no such host"), "cannot resolve"},
		{"auth", errors.New("NOAUTH Authentication required"), "rejected the credentials"},
		{"other", errors.New("boom"), "cannot connect to Redis"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyConnectionError("Redis", tt.err, "localhost:6379")
			if tt.want == "" {
				if got != "" {
					t.Errorf("expected empty message, got %q", got)
				}
				return
			}
			if !strings.Contains(got, tt.want) {
				t.Errorf("ClassifyConnectionError() = %q, want substring %q", got, tt.want)
			}
		})
	}
}

func TestClassifySQLiteError(t *testing.T) {
	tests := []struct {
		err  string
		want string
	}{
		{"database is locked (5) (SQLITE_BUSY)", "locked by another process"},
		{"attempt to write a readonly database (8) (SQLITE_READONLY)", "not writable"},
		{"database or disk is full (13) (SQLITE_FULL)", "no space left"},
		{"unable to open database file: out of memory (14) (SQLITE_CANTOPEN)", "check that"},
		{"file is not a database (26) (SQLITE_NOTADB)", "not a sqlite database"},
		{"something else", "cannot open sqlite store"},
	}
	for _, tt := range tests {
		got := ClassifySQLiteError(errors.New(tt.err), "data/sentinel.db")
		if !strings.Contains(got, tt.want) {
			t.Errorf("ClassifySQLiteError(%q) = %q, want substring %q", tt.err, got, tt.want)
		}
	}
	if got := ClassifySQLiteError(&os.PathError{Op: "open", Path: "x.db", Err: os.ErrPermission}, "x.db"); !strings.Contains(got, "not writable") {
		t.Errorf("permission error classified as %q", got)
	}
	if ClassifySQLiteError(nil, "x.db") != "" {
		t.Error("expected empty message for nil error")
	}
}

func TestEnsureDataDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")
	if err := EnsureDataDirectory(filepath.Join(dir, "sentinel.db"), zap.NewNop().Sugar()); err != nil {
		t.Fatalf("EnsureDataDirectory() error = %v", err)
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		t.Fatalf("directory %s was not created", dir)
	}
	if err := EnsureDataDirectory("sentinel.db", zap.NewNop().Sugar()); err != nil {
		t.Errorf("bare file name should need no directory, got %v", err)
	}
}
