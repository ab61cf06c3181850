// Package persist implements the durable state each FSM must survive a
// power loss with (spec §6: "Receiver MUST persist its session table...
// Transmitter MUST persist its key/session_id/seq counter... a faithful
// implementation writes atomically so a crash never yields an
// inconsistent record").
//
// The teacher has no persistence layer at all (embedded firmware state
// lived only in RAM), so this is new functionality grounded on
// schjonhaug-tapcards's pervasive use of fxamacker/cbor/v2 for
// structured records, combined with the standard
// write-temp-then-os.Rename atomic-replace idiom.
package persist

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
)

// Store loads and saves a single CBOR-encoded value at a fixed path,
// using write-temp-then-rename so a crash mid-write never leaves a
// partially-written file in place of the previous good one.
type Store struct {
	path string
}

// NewStore returns a Store backed by the file at path. The directory
// containing path must already exist.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load decodes the persisted value into v, a pointer to the caller's
// state struct. It returns os.ErrNotExist (wrapped) if nothing has been
// saved yet; callers should treat that as "start from defaults" (spec
// §4.5: "STARTING... transition to IDLE if any sessions exist, else
// CONFIGURING").
func (s *Store) Load(v any) error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	if err := cbor.Unmarshal(data, v); err != nil {
		return fmt.Errorf("persist: decode %s: %w", s.path, err)
	}
	return nil
}

// Save atomically replaces the persisted value with v: it CBOR-encodes
// v to a sibling temp file, fsyncs it, then renames it over s.path.
// Rename is atomic on the same filesystem, so a crash between write and
// rename leaves the previous file intact, never a half-written one.
func (s *Store) Save(v any) error {
	data, err := cbor.Marshal(v)
	if err != nil {
		return fmt.Errorf("persist: encode %s: %w", s.path, err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("persist: create temp file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("persist: write %s: %w", tmpPath, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("persist: sync %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("persist: close %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("persist: rename %s to %s: %w", tmpPath, s.path, err)
	}
	return nil
}
