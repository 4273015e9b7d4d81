package logging

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
)

func TestRecoverPanicSwallowsPanicAndLogs(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	func() {
		defer RecoverPanic(logger, "test.goroutine", map[string]any{"conn": "c1"})
		panic("boom")
	}()

	if buf.Len() == 0 {
		t.Fatal("expected RecoverPanic to write a log entry")
	}
	if !bytes.Contains(buf.Bytes(), []byte("test.goroutine")) {
		t.Fatalf("expected the goroutine name in the log entry, got %s", buf.String())
	}
}

func TestRecoverPanicNoOpWithoutPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	func() {
		defer RecoverPanic(logger, "test.goroutine", nil)
	}()

	if buf.Len() != 0 {
		t.Fatalf("expected no log output when no panic occurred, got %s", buf.String())
	}
}
