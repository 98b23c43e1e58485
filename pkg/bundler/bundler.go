// Package bundler defines the interface to the external bundler that turns a
// caller entrypoint into a single self-contained artifact, plus the
// fingerprint function all participants share.
package bundler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// Bundler produces a self-contained artifact from an entrypoint and returns
// the path of the produced file. The caller removes the artifact after upload.
type Bundler interface {
	Bundle(ctx context.Context, entrypoint string) (string, error)
}

// Func adapts a function to the Bundler interface.
type Func func(ctx context.Context, entrypoint string) (string, error)

func (f Func) Bundle(ctx context.Context, entrypoint string) (string, error) {
	return f(ctx, entrypoint)
}

// Passthrough is a Bundler for entrypoints that are already self-contained:
// it copies the file into a scratch location and hands that back.
type Passthrough struct {
	// Dir is the scratch directory for produced artifacts. Empty means the
	// system temp directory.
	Dir string
}

func (p *Passthrough) Bundle(ctx context.Context, entrypoint string) (string, error) {
	src, err := os.Open(entrypoint)
	if err != nil {
		return "", fmt.Errorf("failed to open entrypoint: %w", err)
	}
	defer src.Close()

	out, err := os.CreateTemp(p.Dir, "bundle-*.js")
	if err != nil {
		return "", fmt.Errorf("failed to create artifact: %w", err)
	}
	_, err = io.Copy(out, src)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(out.Name())
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}
	return out.Name(), nil
}

// Fingerprint computes the content digest of the artifact at path. SHA-256,
// hex-encoded; every participant must use the same function for the upload
// dedupe to hold.
func Fingerprint(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("failed to open artifact: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("failed to hash artifact: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// FingerprintBytes computes the content digest of an in-memory artifact.
func FingerprintBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
