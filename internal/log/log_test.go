package log

import (
	"bytes"
	"strings"
	"testing"
)

func TestSetLoggerRedirectsGlobalCalls(t *testing.T) {
	var buf bytes.Buffer
	orig := current()
	defer SetLogger(orig)

	SetLogger(Default(&buf))
	Printf("hello %d", 42)
	Println("world")

	out := buf.String()
	if !strings.Contains(out, "hello 42") || !strings.Contains(out, "world") {
		t.Fatalf("unexpected log output: %q", out)
	}
}
