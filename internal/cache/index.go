package cache

// On-disk persistence for the target and action cache tiers (spec §6.1):
// the target cache is "memory-resident with periodic flush" to a binary,
// big-endian index file so an incremental build survives across process
// restarts instead of starting from an empty cache every time.
//
// Grounded on internal/checkpoint's magic+version envelope discipline
// (itself grounded on internal/squashfs/reader.go), and on
// github.com/google/renameio for the same write-once, never-torn guarantee
// internal/cas.Store.Put uses for blobs.

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio"

	"github.com/forgebuild/forge/internal/cas"
	"github.com/forgebuild/forge/internal/fingerprint"
)

const (
	// targetIndexMagic is spec §6.1's target cache index header: magic
	// `BTLM` (0x42544C4D).
	targetIndexMagic uint32 = 0x42544C4D
	// actionIndexMagic is the action cache's own magic, distinct from the
	// target index's per spec §6.1 ("same envelope, different magic").
	actionIndexMagic uint32 = 0x42414C4D // "BALM"
	indexVersion     uint8  = 1
)

// FlushTargets atomically writes every target cache entry to path in the
// spec §6.1 binary format.
func (c *Coordinator) FlushTargets(path string) error {
	c.mu.RLock()
	entries := make([]TargetEntry, 0, len(c.targets))
	for _, e := range c.targets {
		entries = append(entries, e)
	}
	c.mu.RUnlock()

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, targetIndexMagic); err != nil {
		return err
	}
	if err := buf.WriteByte(indexVersion); err != nil {
		return err
	}
	if err := binary.Write(&buf, binary.BigEndian, uint64(len(entries))); err != nil {
		return err
	}
	for _, e := range entries {
		if err := writeIndexBytes(&buf, []byte(e.Fingerprint)); err != nil {
			return err
		}
		if err := writeIndexBytes(&buf, []byte(e.OutputHash)); err != nil {
			return err
		}
		success := byte(0)
		if e.Success {
			success = 1
		}
		if err := buf.WriteByte(success); err != nil {
			return err
		}
		if err := binary.Write(&buf, binary.BigEndian, e.RecordedAt.Unix()); err != nil {
			return err
		}
	}
	return atomicWrite(path, buf.Bytes())
}

// LoadTargets replaces the in-memory target cache with the contents of the
// index file at path. A missing file is not an error: the cache simply
// starts empty, the same as a first build.
func (c *Coordinator) LoadTargets(path string) error {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("cache: load target index: %w", err)
	}
	r := bytes.NewReader(b)

	var gotMagic uint32
	if err := binary.Read(r, binary.BigEndian, &gotMagic); err != nil {
		return fmt.Errorf("cache: target index: %w", err)
	}
	if gotMagic != targetIndexMagic {
		return fmt.Errorf("cache: target index: invalid magic: got %x, want %x", gotMagic, targetIndexMagic)
	}
	version, err := readByte(r)
	if err != nil {
		return err
	}
	if version != indexVersion {
		return fmt.Errorf("cache: target index: unsupported version %d (only %d is known)", version, indexVersion)
	}

	var count uint64
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return err
	}
	targets := make(map[fingerprint.Fingerprint]TargetEntry, count)
	for i := uint64(0); i < count; i++ {
		fp, err := readIndexBytes(r)
		if err != nil {
			return err
		}
		hash, err := readIndexBytes(r)
		if err != nil {
			return err
		}
		successByte, err := readByte(r)
		if err != nil {
			return err
		}
		var unixSec int64
		if err := binary.Read(r, binary.BigEndian, &unixSec); err != nil {
			return err
		}
		e := TargetEntry{
			Fingerprint: fingerprint.Fingerprint(fp),
			OutputHash:  cas.Digest(hash),
			Success:     successByte != 0,
			RecordedAt:  time.Unix(unixSec, 0).UTC(),
		}
		targets[e.Fingerprint] = e
	}

	c.mu.Lock()
	c.targets = targets
	c.mu.Unlock()
	return nil
}

// FlushActions atomically writes every action cache entry to path.
func (c *Coordinator) FlushActions(path string) error {
	c.mu.RLock()
	entries := make([]ActionEntry, 0, len(c.actions))
	for _, e := range c.actions {
		entries = append(entries, e)
	}
	c.mu.RUnlock()

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, actionIndexMagic); err != nil {
		return err
	}
	if err := buf.WriteByte(indexVersion); err != nil {
		return err
	}
	if err := binary.Write(&buf, binary.BigEndian, uint64(len(entries))); err != nil {
		return err
	}
	for _, e := range entries {
		if err := writeIndexBytes(&buf, []byte(e.ActionID.TargetID)); err != nil {
			return err
		}
		if err := buf.WriteByte(byte(e.ActionID.ActionType)); err != nil {
			return err
		}
		if err := writeIndexBytes(&buf, []byte(e.ActionID.SubID)); err != nil {
			return err
		}
		if err := writeIndexBytes(&buf, []byte(e.ActionID.InputHash)); err != nil {
			return err
		}
		if err := writeDigestSlice(&buf, e.OrderedInputHash); err != nil {
			return err
		}
		if err := writeDigestSlice(&buf, e.OrderedOutputHash); err != nil {
			return err
		}
		if err := binary.Write(&buf, binary.BigEndian, uint64(len(e.Metadata))); err != nil {
			return err
		}
		for k, v := range e.Metadata {
			if err := writeIndexBytes(&buf, []byte(k)); err != nil {
				return err
			}
			if err := writeIndexBytes(&buf, []byte(v)); err != nil {
				return err
			}
		}
		success := byte(0)
		if e.Success {
			success = 1
		}
		if err := buf.WriteByte(success); err != nil {
			return err
		}
		if err := binary.Write(&buf, binary.BigEndian, e.RecordedAt.Unix()); err != nil {
			return err
		}
	}
	return atomicWrite(path, buf.Bytes())
}

// LoadActions replaces the in-memory action cache with the contents of the
// index file at path. A missing file is not an error.
func (c *Coordinator) LoadActions(path string) error {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("cache: load action index: %w", err)
	}
	r := bytes.NewReader(b)

	var gotMagic uint32
	if err := binary.Read(r, binary.BigEndian, &gotMagic); err != nil {
		return fmt.Errorf("cache: action index: %w", err)
	}
	if gotMagic != actionIndexMagic {
		return fmt.Errorf("cache: action index: invalid magic: got %x, want %x", gotMagic, actionIndexMagic)
	}
	version, err := readByte(r)
	if err != nil {
		return err
	}
	if version != indexVersion {
		return fmt.Errorf("cache: action index: unsupported version %d (only %d is known)", version, indexVersion)
	}

	var count uint64
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return err
	}
	actions := make(map[fingerprint.ActionID]ActionEntry, count)
	for i := uint64(0); i < count; i++ {
		targetID, err := readIndexBytes(r)
		if err != nil {
			return err
		}
		actionType, err := readByte(r)
		if err != nil {
			return err
		}
		subID, err := readIndexBytes(r)
		if err != nil {
			return err
		}
		inputHash, err := readIndexBytes(r)
		if err != nil {
			return err
		}
		orderedIn, err := readDigestSlice(r)
		if err != nil {
			return err
		}
		orderedOut, err := readDigestSlice(r)
		if err != nil {
			return err
		}
		var metaCount uint64
		if err := binary.Read(r, binary.BigEndian, &metaCount); err != nil {
			return err
		}
		meta := make(map[string]string, metaCount)
		for j := uint64(0); j < metaCount; j++ {
			k, err := readIndexBytes(r)
			if err != nil {
				return err
			}
			v, err := readIndexBytes(r)
			if err != nil {
				return err
			}
			meta[string(k)] = string(v)
		}
		successByte, err := readByte(r)
		if err != nil {
			return err
		}
		var unixSec int64
		if err := binary.Read(r, binary.BigEndian, &unixSec); err != nil {
			return err
		}
		id := fingerprint.ActionID{
			TargetID:   string(targetID),
			ActionType: fingerprint.ActionType(actionType),
			SubID:      string(subID),
			InputHash:  fingerprint.Fingerprint(inputHash),
		}
		actions[id] = ActionEntry{
			ActionID:          id,
			OrderedInputHash:  orderedIn,
			OrderedOutputHash: orderedOut,
			Metadata:          meta,
			Success:           successByte != 0,
			RecordedAt:        time.Unix(unixSec, 0).UTC(),
		}
	}

	c.mu.Lock()
	c.actions = actions
	c.mu.Unlock()
	return nil
}

// StartAutoFlush periodically writes both cache tiers to targetPath and
// actionPath until the returned stop func is called, which performs one
// final flush before returning (spec §4.4: target cache is "memory-resident
// with periodic flush").
func (c *Coordinator) StartAutoFlush(targetPath, actionPath string, interval time.Duration) (stop func()) {
	stopCh := make(chan struct{})
	doneCh := make(chan struct{})
	go func() {
		defer close(doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_ = c.FlushTargets(targetPath)
				_ = c.FlushActions(actionPath)
			case <-stopCh:
				_ = c.FlushTargets(targetPath)
				_ = c.FlushActions(actionPath)
				return
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(stopCh)
			<-doneCh
		})
	}
}

func atomicWrite(path string, b []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return renameio.WriteFile(path, b, 0644)
}

func writeIndexBytes(buf *bytes.Buffer, b []byte) error {
	if err := binary.Write(buf, binary.BigEndian, uint64(len(b))); err != nil {
		return err
	}
	_, err := buf.Write(b)
	return err
}

func readIndexBytes(r io.Reader) ([]byte, error) {
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

func readByte(r io.Reader) (byte, error) {
	b := make([]byte, 1)
	if _, err := io.ReadFull(r, b); err != nil {
		return 0, err
	}
	return b[0], nil
}

func writeDigestSlice(buf *bytes.Buffer, ds []cas.Digest) error {
	if err := binary.Write(buf, binary.BigEndian, uint64(len(ds))); err != nil {
		return err
	}
	for _, d := range ds {
		if err := writeIndexBytes(buf, []byte(d)); err != nil {
			return err
		}
	}
	return nil
}

func readDigestSlice(r io.Reader) ([]cas.Digest, error) {
	var n uint64
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	out := make([]cas.Digest, n)
	for i := range out {
		b, err := readIndexBytes(r)
		if err != nil {
			return nil, err
		}
		out[i] = cas.Digest(b)
	}
	return out, nil
}
