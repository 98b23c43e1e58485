package bundle_test

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/workernodes/workernodes/pkg/bundle"
	"github.com/workernodes/workernodes/pkg/bundler"
	"github.com/workernodes/workernodes/pkg/logging"
)

func newTestCache(t *testing.T, threshold int) *bundle.Cache {
	t.Helper()
	c, err := bundle.New(t.TempDir(), threshold, logging.NewLogger(logging.ERROR, false))
	if err != nil {
		t.Fatalf("Failed to create cache: %v", err)
	}
	return c
}

func TestContentAddressing(t *testing.T) {
	cache := newTestCache(t, 0)
	artifact := []byte("process.stdout.write('hi')\n")
	hash := bundler.FingerprintBytes(artifact)

	if err := cache.Create(hash); err != nil {
		t.Fatalf("Failed to reserve slot: %v", err)
	}
	if _, err := cache.Put(hash, bytes.NewReader(artifact)); err != nil {
		t.Fatalf("Failed to put data: %v", err)
	}

	first, err := cache.Describe(hash)
	if err != nil {
		t.Fatalf("Describe failed after put: %v", err)
	}

	// Second upload of the same bytes converges on the same entry.
	if err := cache.Create(hash); err != nil {
		t.Fatalf("Second create failed: %v", err)
	}
	if _, err := cache.Put(hash, bytes.NewReader(artifact)); err != nil {
		t.Fatalf("Second put failed: %v", err)
	}

	second, err := cache.Describe(hash)
	if err != nil {
		t.Fatalf("Describe failed after second put: %v", err)
	}

	if cache.Count() != 1 {
		t.Errorf("Expected exactly 1 cached artifact, got %d", cache.Count())
	}
	if first.Hash != second.Hash || first.Size != second.Size {
		t.Errorf("Describe mismatch: first %+v, second %+v", first, second)
	}
}

func TestDescribeHiddenUntilPut(t *testing.T) {
	cache := newTestCache(t, 0)
	hash := bundler.FingerprintBytes([]byte("pending"))

	if _, err := cache.Describe(hash); err != bundle.ErrNotFound {
		t.Errorf("Expected ErrNotFound before create, got %v", err)
	}

	if err := cache.Create(hash); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := cache.Describe(hash); err != bundle.ErrNotFound {
		t.Errorf("Expected ErrNotFound after create but before put, got %v", err)
	}

	if _, err := cache.Put(hash, strings.NewReader("pending")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, err := cache.Describe(hash); err != nil {
		t.Errorf("Expected Describe to succeed after put, got %v", err)
	}
}

func TestPutWithoutSlot(t *testing.T) {
	cache := newTestCache(t, 0)
	hash := bundler.FingerprintBytes([]byte("unreserved"))

	if _, err := cache.Put(hash, strings.NewReader("unreserved")); err != bundle.ErrNotReserved {
		t.Errorf("Expected ErrNotReserved, got %v", err)
	}
}

func TestStartupBulkClear(t *testing.T) {
	dir := t.TempDir()
	log := logging.NewLogger(logging.ERROR, false)

	// Seed more artifacts than the threshold allows.
	for i := 0; i < 4; i++ {
		payload := []byte(fmt.Sprintf("artifact-%d", i))
		name := bundler.FingerprintBytes(payload) + ".js"
		if err := os.WriteFile(filepath.Join(dir, name), payload, 0o644); err != nil {
			t.Fatalf("Failed to seed artifact: %v", err)
		}
	}

	cache, err := bundle.New(dir, 3, log)
	if err != nil {
		t.Fatalf("Failed to open cache: %v", err)
	}
	if cache.Count() != 0 {
		t.Errorf("Expected cache cleared at startup, found %d artifacts", cache.Count())
	}

	// Under the threshold the artifacts survive a reopen.
	payload := []byte("survivor")
	name := bundler.FingerprintBytes(payload) + ".js"
	if err := os.WriteFile(filepath.Join(dir, name), payload, 0o644); err != nil {
		t.Fatalf("Failed to seed artifact: %v", err)
	}
	cache, err = bundle.New(dir, 3, log)
	if err != nil {
		t.Fatalf("Failed to reopen cache: %v", err)
	}
	if cache.Count() != 1 {
		t.Errorf("Expected surviving artifact, found %d", cache.Count())
	}
}

func TestRejectsBadHash(t *testing.T) {
	cache := newTestCache(t, 0)
	for _, hash := range []string{"", "short", "../../../../etc/passwd", strings.Repeat("Z", 64)} {
		if err := cache.Create(hash); err != bundle.ErrBadHash {
			t.Errorf("Hash %q: expected ErrBadHash, got %v", hash, err)
		}
	}
}
