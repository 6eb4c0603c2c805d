// Package cas implements the content-addressable store (spec §4.5):
// content-addressed blob storage keyed by BLAKE3 digest, plus snapshot
// export/import for moving a tree of blobs between machines.
//
// Grounded on internal/squashfs (distri's own content-addressed artifact
// store, a read-only filesystem image keyed by path rather than digest) and
// internal/repo/reader.go (which resolves package content by reading
// squashfs images off disk). This package generalizes that read-path
// pattern to digest-addressed blobs backed by plain files on a local
// directory tree instead of squashfs images, since spec §4.5 calls for
// arbitrary artifact blobs rather than whole-filesystem package images.
package cas

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/renameio"
	"golang.org/x/xerrors"
	"lukechampine.com/blake3"
)

// Digest identifies a blob by its BLAKE3-256 hash, hex-encoded.
type Digest string

// Store is a local, content-addressed blob store rooted at Dir. Blobs are
// laid out fan-out style (first two hex chars as a subdirectory) the same
// way distri's squashfs package store shards by package name prefix, to
// keep any one directory from growing unreasonably large.
type Store struct {
	Dir string
}

// Open ensures dir exists and returns a Store rooted there.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, xerrors.Errorf("cas: open %s: %w", dir, err)
	}
	return &Store{Dir: dir}, nil
}

// blobsDir is the root of the sharded blob tree, per spec §6.1:
// cas/blobs/<xx>/<remaining-hex>.
func (s *Store) blobsDir() string {
	return filepath.Join(s.Dir, "blobs")
}

func (s *Store) path(d Digest) string {
	str := string(d)
	if len(str) < 2 {
		return filepath.Join(s.blobsDir(), "short", str)
	}
	return filepath.Join(s.blobsDir(), str[:2], str[2:])
}

// Put writes r's content into the store and returns its digest. The write
// goes through a renameio.PendingFile so a concurrent Get never observes a
// partially-written blob, and a crash mid-write never leaves one behind
// under its final name.
func (s *Store) Put(r io.Reader) (Digest, int64, error) {
	scratch, err := os.CreateTemp("", "cas-incoming-*")
	if err != nil {
		return "", 0, xerrors.Errorf("cas: put: %w", err)
	}
	defer os.Remove(scratch.Name())
	defer scratch.Close()

	h := blake3.New(32, nil)
	n, err := io.Copy(io.MultiWriter(scratch, h), r)
	if err != nil {
		return "", 0, xerrors.Errorf("cas: put: %w", err)
	}
	digest := Digest(fmt.Sprintf("%x", h.Sum(nil)))

	dst := s.path(digest)
	if _, err := os.Stat(dst); err == nil {
		// Already present under this digest; content-addressed storage
		// means this write is redundant but not wrong.
		return digest, n, nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return "", 0, xerrors.Errorf("cas: put: %w", err)
	}
	if _, err := scratch.Seek(0, io.SeekStart); err != nil {
		return "", 0, xerrors.Errorf("cas: put: %w", err)
	}

	t, err := renameio.TempFile("", dst)
	if err != nil {
		return "", 0, xerrors.Errorf("cas: put: %w", err)
	}
	defer t.Cleanup()
	if _, err := io.Copy(t, scratch); err != nil {
		return "", 0, xerrors.Errorf("cas: put: %w", err)
	}
	if err := t.CloseAtomicallyReplace(); err != nil {
		return "", 0, xerrors.Errorf("cas: put: %w", err)
	}
	return digest, n, nil
}

// Get opens the blob with the given digest for reading.
func (s *Store) Get(d Digest) (io.ReadCloser, error) {
	f, err := os.Open(s.path(d))
	if err != nil {
		return nil, xerrors.Errorf("cas: get %s: %w", d, err)
	}
	return f, nil
}

// Has reports whether a blob with the given digest is present.
func (s *Store) Has(d Digest) bool {
	_, err := os.Stat(s.path(d))
	return err == nil
}

// Delete removes a blob. Missing blobs are not an error: GC may race with a
// concurrent writer that already removed the same unreferenced digest.
func (s *Store) Delete(d Digest) error {
	if err := os.Remove(s.path(d)); err != nil && !os.IsNotExist(err) {
		return xerrors.Errorf("cas: delete %s: %w", d, err)
	}
	return nil
}

// Walk calls fn once for every blob currently in the store.
func (s *Store) Walk(fn func(Digest, int64) error) error {
	blobs := s.blobsDir()
	return filepath.Walk(blobs, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == blobs {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		// Blobs live one level down, under their two-char shard directory;
		// the shard directory name is the digest's first two hex chars, the
		// file name is the remaining hex (spec §6.1 cas/blobs/<xx>/<rest>).
		shard := filepath.Base(filepath.Dir(path))
		return fn(Digest(shard+info.Name()), info.Size())
	})
}
