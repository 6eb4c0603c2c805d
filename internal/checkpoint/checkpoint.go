// Package checkpoint implements the versioned checkpoint file format and
// resume validation (spec §4.7, §6.1): periodic binary snapshots of build
// progress, and a ResumePlanner that decides whether a prior checkpoint can
// be safely continued from.
//
// Grounded on internal/squashfs/reader.go's NewReader, which reads a fixed
// binary superblock (magic + fields) via encoding/binary and rejects
// anything whose magic doesn't match — the same envelope discipline spec
// §6.1 describes for its cache index formats (magic, u8 version, readers
// reject unknown versions). §6.1 reserves `BTLM` for the target cache
// index (internal/cache/index.go); the checkpoint file uses its own
// distinct magic.
package checkpoint

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/pgzip"

	"github.com/forgebuild/forge/internal/fingerprint"
	"github.com/forgebuild/forge/internal/graph"
)

const (
	magic         uint32 = 0x434B5054 // "CKPT"
	formatVersion uint8  = 1
)

// Checkpoint is a snapshot of build progress at one point in time.
type Checkpoint struct {
	Timestamp        time.Time
	TotalTargets     int
	CompletedTargets int
	FailedTargetIDs  []string
	NodeStatus       map[string]graph.Status
	// NodeFingerprints records the Fingerprint each completed node was
	// built from, so ResumePlanner can detect a source change even when
	// the node's id and status are otherwise unchanged.
	NodeFingerprints map[string]fingerprint.Fingerprint
	// Edges records the dependency edges (dependent -> dependency) the
	// graph had when the checkpoint was taken, so ResumePlanner can
	// confirm the current graph's edges are a superset.
	Edges           []Edge
	WorkspaceDigest fingerprint.Fingerprint
}

// Edge is one dependency edge, dependent depends on dependency.
type Edge struct {
	Dependent, Dependency string
}

// ErrStaleCheckpoint is returned by the ResumePlanner when a checkpoint no
// longer matches the current graph closely enough to resume from.
type ErrStaleCheckpoint struct{ Reason string }

func (e ErrStaleCheckpoint) Error() string {
	return fmt.Sprintf("stale checkpoint: %s", e.Reason)
}

// Write serializes cp to w in the versioned binary format, compressed with
// parallel gzip so a checkpoint taken of a large graph stays cheap to write
// and to ship to a remote cache.
func Write(w io.Writer, cp Checkpoint) error {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, magic); err != nil {
		return err
	}
	if err := buf.WriteByte(formatVersion); err != nil {
		return err
	}
	if err := binary.Write(&buf, binary.BigEndian, cp.Timestamp.Unix()); err != nil {
		return err
	}
	if err := binary.Write(&buf, binary.BigEndian, uint64(cp.TotalTargets)); err != nil {
		return err
	}
	if err := binary.Write(&buf, binary.BigEndian, uint64(cp.CompletedTargets)); err != nil {
		return err
	}
	if err := writeLenPrefixed(&buf, []byte(cp.WorkspaceDigest)); err != nil {
		return err
	}
	if err := writeStringSlice(&buf, cp.FailedTargetIDs); err != nil {
		return err
	}
	if err := binary.Write(&buf, binary.BigEndian, uint64(len(cp.Edges))); err != nil {
		return err
	}
	for _, e := range cp.Edges {
		if err := writeLenPrefixed(&buf, []byte(e.Dependent)); err != nil {
			return err
		}
		if err := writeLenPrefixed(&buf, []byte(e.Dependency)); err != nil {
			return err
		}
	}
	if err := binary.Write(&buf, binary.BigEndian, uint64(len(cp.NodeStatus))); err != nil {
		return err
	}
	for id, status := range cp.NodeStatus {
		if err := writeLenPrefixed(&buf, []byte(id)); err != nil {
			return err
		}
		if err := buf.WriteByte(byte(status)); err != nil {
			return err
		}
		if err := writeLenPrefixed(&buf, []byte(cp.NodeFingerprints[id])); err != nil {
			return err
		}
	}
	gz := pgzip.NewWriter(w)
	if _, err := gz.Write(buf.Bytes()); err != nil {
		return err
	}
	return gz.Close()
}

// Read parses a checkpoint previously written by Write, rejecting any file
// whose magic or version doesn't match.
func Read(r io.Reader) (Checkpoint, error) {
	var cp Checkpoint
	gz, err := pgzip.NewReader(r)
	if err != nil {
		return cp, fmt.Errorf("checkpoint: %w", err)
	}
	defer gz.Close()
	r = gz

	var gotMagic uint32
	if err := binary.Read(r, binary.BigEndian, &gotMagic); err != nil {
		return cp, fmt.Errorf("checkpoint: reading magic: %w", err)
	}
	if gotMagic != magic {
		return cp, fmt.Errorf("checkpoint: invalid magic (not a checkpoint file?): got %x, want %x", gotMagic, magic)
	}
	versionByte := make([]byte, 1)
	if _, err := io.ReadFull(r, versionByte); err != nil {
		return cp, fmt.Errorf("checkpoint: reading version: %w", err)
	}
	if versionByte[0] != formatVersion {
		return cp, fmt.Errorf("checkpoint: unsupported version %d (only %d is known)", versionByte[0], formatVersion)
	}

	var unixSec int64
	if err := binary.Read(r, binary.BigEndian, &unixSec); err != nil {
		return cp, err
	}
	cp.Timestamp = time.Unix(unixSec, 0).UTC()

	var total, completed uint64
	if err := binary.Read(r, binary.BigEndian, &total); err != nil {
		return cp, err
	}
	if err := binary.Read(r, binary.BigEndian, &completed); err != nil {
		return cp, err
	}
	cp.TotalTargets, cp.CompletedTargets = int(total), int(completed)

	digest, err := readLenPrefixed(r)
	if err != nil {
		return cp, err
	}
	cp.WorkspaceDigest = fingerprint.Fingerprint(digest)

	cp.FailedTargetIDs, err = readStringSlice(r)
	if err != nil {
		return cp, err
	}

	var edgeCount uint64
	if err := binary.Read(r, binary.BigEndian, &edgeCount); err != nil {
		return cp, err
	}
	cp.Edges = make([]Edge, edgeCount)
	for i := uint64(0); i < edgeCount; i++ {
		dependent, err := readLenPrefixed(r)
		if err != nil {
			return cp, err
		}
		dependency, err := readLenPrefixed(r)
		if err != nil {
			return cp, err
		}
		cp.Edges[i] = Edge{Dependent: string(dependent), Dependency: string(dependency)}
	}

	var nodeCount uint64
	if err := binary.Read(r, binary.BigEndian, &nodeCount); err != nil {
		return cp, err
	}
	cp.NodeStatus = make(map[string]graph.Status, nodeCount)
	cp.NodeFingerprints = make(map[string]fingerprint.Fingerprint, nodeCount)
	for i := uint64(0); i < nodeCount; i++ {
		id, err := readLenPrefixed(r)
		if err != nil {
			return cp, err
		}
		statusByte := make([]byte, 1)
		if _, err := io.ReadFull(r, statusByte); err != nil {
			return cp, err
		}
		cp.NodeStatus[string(id)] = graph.Status(statusByte[0])
		fp, err := readLenPrefixed(r)
		if err != nil {
			return cp, err
		}
		cp.NodeFingerprints[string(id)] = fingerprint.Fingerprint(fp)
	}
	return cp, nil
}

func writeLenPrefixed(buf *bytes.Buffer, b []byte) error {
	if err := binary.Write(buf, binary.BigEndian, uint64(len(b))); err != nil {
		return err
	}
	_, err := buf.Write(b)
	return err
}

func readLenPrefixed(r io.Reader) ([]byte, error) {
	var n uint64
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func writeStringSlice(buf *bytes.Buffer, ss []string) error {
	if err := binary.Write(buf, binary.BigEndian, uint64(len(ss))); err != nil {
		return err
	}
	for _, s := range ss {
		if err := writeLenPrefixed(buf, []byte(s)); err != nil {
			return err
		}
	}
	return nil
}

func readStringSlice(r io.Reader) ([]string, error) {
	var n uint64
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	out := make([]string, n)
	for i := range out {
		b, err := readLenPrefixed(r)
		if err != nil {
			return nil, err
		}
		out[i] = string(b)
	}
	return out, nil
}
