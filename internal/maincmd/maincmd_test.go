package maincmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gokrazy/natsync/internal/version"
)

func TestMainCopiesFiles(t *testing.T) {
	src := t.TempDir()
	dest := t.TempDir()

	if err := os.WriteFile(filepath.Join(src, "hello.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	var stdout, stderr bytes.Buffer
	stats, err := Main([]string{"gokr-rsync", "-a", filepath.Join(src, "hello.txt"), dest}, &stdout, &stderr)
	if err != nil {
		t.Fatalf("Main: %v (stderr=%s)", err, stderr.String())
	}
	if !stats.Success() {
		t.Fatalf("transfer reported errors: %v", stats.Errors)
	}

	got, err := os.ReadFile(filepath.Join(dest, "hello.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Fatalf("dest content = %q, want %q", got, "hello")
	}
}

func TestMainRejectsMissingArguments(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if _, err := Main([]string{"gokr-rsync"}, &stdout, &stderr); err == nil {
		t.Fatal("expected an error when no source/dest arguments are given")
	}
}

func TestMainVersionFlag(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if _, err := Main([]string{"gokr-rsync", "--version"}, &stdout, &stderr); err != nil {
		t.Fatalf("Main: %v", err)
	}
	if !strings.Contains(stdout.String(), version.Version) {
		t.Fatalf("stdout = %q, want it to contain %q", stdout.String(), version.Version)
	}
}
