package bundler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestPassthroughCopiesEntrypoint(t *testing.T) {
	dir := t.TempDir()
	entry := filepath.Join(dir, "entry.js")
	content := []byte("process.stdout.write('hi')\n")
	if err := os.WriteFile(entry, content, 0o644); err != nil {
		t.Fatal(err)
	}

	p := &Passthrough{Dir: dir}
	artifact, err := p.Bundle(context.Background(), entry)
	if err != nil {
		t.Fatalf("Bundle failed: %v", err)
	}
	defer os.Remove(artifact)

	if artifact == entry {
		t.Fatal("expected a copy, got the entrypoint itself")
	}
	got, err := os.ReadFile(artifact)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(content) {
		t.Errorf("artifact content = %q, want %q", got, content)
	}
}

func TestPassthroughMissingEntrypoint(t *testing.T) {
	p := &Passthrough{}
	if _, err := p.Bundle(context.Background(), filepath.Join(t.TempDir(), "nope.js")); err == nil {
		t.Fatal("expected error for missing entrypoint")
	}
}

func TestFingerprintMatchesBytes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "artifact.js")
	data := []byte("console.log(42)\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	hash, size, err := Fingerprint(path)
	if err != nil {
		t.Fatalf("Fingerprint failed: %v", err)
	}
	if size != int64(len(data)) {
		t.Errorf("size = %d, want %d", size, len(data))
	}
	if want := FingerprintBytes(data); hash != want {
		t.Errorf("file and byte fingerprints differ: %s vs %s", hash, want)
	}
	if len(hash) != 64 {
		t.Errorf("fingerprint length = %d, want 64 hex chars", len(hash))
	}
}
