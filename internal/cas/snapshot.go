package cas

import (
	"io"

	"github.com/cavaliercoder/go-cpio"
	"golang.org/x/xerrors"
)

// Export writes every blob in the store to w as a cpio archive, named by
// digest, so a whole store can move between machines as one stream instead
// of one blob fetch per digest. Grounded on distri's squashfs images, which
// bundle a package's whole file tree into one transferable archive; cpio is
// used here instead of squashfs because a CAS snapshot is a flat bag of
// digest-named blobs, not a filesystem tree, and the pack's
// go-cpio dependency is the idiomatic fit for that shape.
func (s *Store) Export(w io.Writer) error {
	cw := cpio.NewWriter(w)
	defer cw.Close()

	return s.Walk(func(d Digest, size int64) error {
		if err := cw.WriteHeader(&cpio.Header{
			Name: string(d),
			Size: size,
			Mode: 0644,
		}); err != nil {
			return xerrors.Errorf("cas: export header for %s: %w", d, err)
		}
		f, err := s.Get(d)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := io.Copy(cw, f); err != nil {
			return xerrors.Errorf("cas: export body for %s: %w", d, err)
		}
		return nil
	})
}

// Import reads a cpio archive written by Export and stores every entry,
// re-verifying each blob's digest against its own content rather than
// trusting the archive's file name.
func (s *Store) Import(r io.Reader) (int, error) {
	cr := cpio.NewReader(r)
	var n int
	for {
		hdr, err := cr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return n, xerrors.Errorf("cas: import: %w", err)
		}
		digest, _, err := s.Put(io.LimitReader(cr, hdr.Size))
		if err != nil {
			return n, xerrors.Errorf("cas: import %s: %w", hdr.Name, err)
		}
		if string(digest) != hdr.Name {
			// The archive claimed a different digest than the content
			// actually hashes to; drop it rather than keep a
			// mislabeled blob around.
			if delErr := s.Delete(digest); delErr != nil {
				return n, xerrors.Errorf("cas: import %s: digest mismatch (got %s) and cleanup failed: %w", hdr.Name, digest, delErr)
			}
			return n, xerrors.Errorf("cas: import %s: digest mismatch, content hashes to %s", hdr.Name, digest)
		}
		n++
	}
	return n, nil
}
