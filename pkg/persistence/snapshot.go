// Package persistence stores graph snapshots on disk.
//
// A snapshot file holds a single CRC-protected frame whose payload is the
// gob-encoded graph export. Files are written to a temporary path, synced
// and renamed over the previous snapshot, so a crash leaves either the old
// or the new file intact.
package persistence

import (
	"bufio"
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sanonone/kektorbrain/pkg/graph"
)

// FormatVersion is bumped on incompatible payload changes.
const FormatVersion = 1

// ErrNoSnapshot is returned by LoadSnapshot when the file does not exist.
var ErrNoSnapshot = errors.New("persistence: no snapshot")

type snapshotFile struct {
	Version int
	// Model is the embedding model the stored vectors belong to.
	Model  string
	Export graph.Export
}

// Snapshot is a loaded snapshot file.
type Snapshot struct {
	Model  string
	Export graph.Export
}

// SaveSnapshot atomically writes exp to path.
func SaveSnapshot(path, model string, exp graph.Export) error {
	var payload bytes.Buffer
	if err := gob.NewEncoder(&payload).Encode(snapshotFile{Version: FormatVersion, Model: model, Export: exp}); err != nil {
		return fmt.Errorf("persistence: encode snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("persistence: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("persistence: create temp snapshot: %w", err)
	}
	cleanup := func(err error) error {
		f.Close()
		os.Remove(tmp)
		return err
	}

	bw := bufio.NewWriter(f)
	if err := NewFrameWriter(bw).WriteFrame(OpCodeSnapshot, payload.Bytes()); err != nil {
		return cleanup(fmt.Errorf("persistence: write snapshot: %w", err))
	}
	if err := bw.Flush(); err != nil {
		return cleanup(fmt.Errorf("persistence: flush snapshot: %w", err))
	}
	if err := f.Sync(); err != nil {
		return cleanup(fmt.Errorf("persistence: sync snapshot: %w", err))
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("persistence: close snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("persistence: replace snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot reads the snapshot at path.
func LoadSnapshot(path string) (Snapshot, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return Snapshot{}, ErrNoSnapshot
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("persistence: open snapshot: %w", err)
	}
	defer f.Close()

	frame, err := ReadFrame(bufio.NewReader(f))
	if err != nil {
		return Snapshot{}, fmt.Errorf("persistence: read snapshot %s: %w", path, err)
	}
	if frame.Op != OpCodeSnapshot {
		return Snapshot{}, fmt.Errorf("persistence: read snapshot %s: %w (0x%02x)", path, ErrUnexpectedOpCode, frame.Op)
	}

	var sf snapshotFile
	if err := gob.NewDecoder(bytes.NewReader(frame.Payload)).Decode(&sf); err != nil {
		return Snapshot{}, fmt.Errorf("persistence: decode snapshot: %w", err)
	}
	if sf.Version != FormatVersion {
		return Snapshot{}, fmt.Errorf("persistence: unsupported snapshot version %d", sf.Version)
	}
	return Snapshot{Model: sf.Model, Export: sf.Export}, nil
}
