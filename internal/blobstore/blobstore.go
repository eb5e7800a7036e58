// Package blobstore implements durable, immutable, content-addressed byte
// storage. Blobs are addressed by the BLAKE3-256 digest of their content,
// so identical payloads are stored exactly once and a published blob never
// changes. Publication is a rename of a fully written temp file, which
// keeps readers from ever observing a partial blob.
package blobstore

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"

	"github.com/atwupack/hackage-server/internal/errs"
)

// ID is a content-derived blob identifier: the lowercase-hex BLAKE3-256
// digest of the blob's bytes.
type ID string

// Sum computes the ID for a payload without storing it.
func Sum(data []byte) ID {
	sum := blake3.Sum256(data)
	return ID(hex.EncodeToString(sum[:]))
}

// Valid reports whether the id is a well-formed digest string.
func (id ID) Valid() bool {
	if len(id) != 64 {
		return false
	}
	_, err := hex.DecodeString(string(id))
	return err == nil
}

// String returns the hex digest.
func (id ID) String() string { return string(id) }

// Store is an open blob store rooted at a directory. All methods are safe
// for concurrent use; writers of identical content race to the same final
// state.
type Store struct {
	root string
}

// Open creates the root directory if absent and returns a store handle.
// An existing root that is not a usable directory is a configuration
// error.
func Open(root string) (*Store, error) {
	info, err := os.Stat(root)
	switch {
	case err == nil:
		if !info.IsDir() {
			return nil, errs.Config("blob store root %s is not a directory", root)
		}
	case os.IsNotExist(err):
		if err := os.MkdirAll(root, 0o755); err != nil {
			return nil, errs.Config("create blob store root %s: %v", root, err)
		}
	default:
		return nil, errs.Config("stat blob store root %s: %v", root, err)
	}

	// Probe writability up front so the failure mode is a clear startup
	// error instead of a failed upload later.
	probe, err := os.CreateTemp(root, ".probe-*")
	if err != nil {
		return nil, errs.Config("blob store root %s is not writable: %v", root, err)
	}
	probe.Close()
	os.Remove(probe.Name())

	return &Store{root: root}, nil
}

// Add stores a payload and returns its ID. Adding the same bytes twice is
// idempotent: the second call finds the entry already published and does
// no further I/O beyond the temp write.
func (s *Store) Add(data []byte) (ID, error) {
	id := Sum(data)
	path := s.Path(id)

	if _, err := os.Stat(path); err == nil {
		return id, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", errs.Storage("create blob directory", err)
	}

	tmp, err := os.CreateTemp(s.root, ".blob-*")
	if err != nil {
		return "", errs.Storage("create blob temp file", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", errs.Storage("write blob", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", errs.Storage("sync blob", err)
	}
	if err := tmp.Close(); err != nil {
		return "", errs.Storage("close blob temp file", err)
	}

	// Rename publishes atomically. If a concurrent writer of the same
	// content won the race, the rename still lands identical bytes.
	if err := os.Rename(tmpName, path); err != nil {
		if _, statErr := os.Stat(path); statErr == nil {
			return id, nil
		}
		return "", errs.Storage("publish blob", err)
	}

	return id, nil
}

// Fetch returns the payload for an ID. An unknown ID is a not-found error;
// a stored payload whose digest disagrees with its ID is a data-integrity
// error local to that blob.
func (s *Store) Fetch(id ID) ([]byte, error) {
	if !id.Valid() {
		return nil, errs.NotFound("malformed blob id %q", id)
	}
	data, err := os.ReadFile(s.Path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.NotFound("blob %s not found", id)
		}
		return nil, errs.Storage("read blob", err)
	}
	if got := Sum(data); got != id {
		return nil, errs.Storage(fmt.Sprintf("blob %s is corrupt (digest %s)", id, got), nil)
	}
	return data, nil
}

// Stat reports whether a blob exists and its size.
func (s *Store) Stat(id ID) (int64, error) {
	if !id.Valid() {
		return 0, errs.NotFound("malformed blob id %q", id)
	}
	info, err := os.Stat(s.Path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, errs.NotFound("blob %s not found", id)
		}
		return 0, errs.Storage("stat blob", err)
	}
	return info.Size(), nil
}

// Path returns the filesystem location of a blob. The first two digest
// characters fan blobs out across subdirectories.
func (s *Store) Path(id ID) string {
	return filepath.Join(s.root, string(id[:2]), string(id))
}

// Equal reports whether the stored blob matches the given payload without
// trusting the digest alone.
func (s *Store) Equal(id ID, data []byte) (bool, error) {
	stored, err := s.Fetch(id)
	if err != nil {
		return false, err
	}
	return bytes.Equal(stored, data), nil
}
