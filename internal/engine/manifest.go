package engine

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/forgebuild/forge/internal/cas"
	"github.com/forgebuild/forge/internal/sandbox"
)

// manifestMagic tags the output manifest blob so a reader can tell it apart
// from an ordinary stored artifact, the same envelope discipline
// internal/checkpoint and internal/cache/index.go use for their own binary
// formats.
const manifestMagic uint32 = 0x464D4e46 // "FMNF"

// storeOutputs walks every path in outputs (file or directory, either may be
// absent — a handler's declared Outputs are a plan, not a guarantee), puts
// every regular file it finds into store, and returns the digest of a
// manifest blob recording each file's path (its output root joined with the
// file's path below that root) and
// content digest. The manifest's own digest becomes the target's OutputHash,
// so OutputHash is a real hash of what the build actually produced rather
// than a fingerprint pass-through (spec §2: "artifact written to CAS ->
// target cache updated").
func storeOutputs(store *cas.Store, outputs []string) (cas.Digest, error) {
	type entry struct {
		path   string
		digest cas.Digest
	}
	var entries []entry

	for _, root := range outputs {
		info, err := os.Stat(root)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return "", fmt.Errorf("engine: stat output %s: %w", root, err)
		}
		if !info.IsDir() {
			d, err := putFile(store, root)
			if err != nil {
				return "", err
			}
			entries = append(entries, entry{path: root, digest: d})
			continue
		}
		err = filepath.Walk(root, func(p string, fi os.FileInfo, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if fi.IsDir() {
				return nil
			}
			d, err := putFile(store, p)
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(root, p)
			if err != nil {
				rel = p
			}
			entries = append(entries, entry{path: filepath.Join(root, rel), digest: d})
			return nil
		})
		if err != nil {
			return "", fmt.Errorf("engine: walk output %s: %w", root, err)
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].path < entries[j].path })

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, manifestMagic); err != nil {
		return "", err
	}
	if err := binary.Write(&buf, binary.BigEndian, uint64(len(entries))); err != nil {
		return "", err
	}
	for _, e := range entries {
		if err := writeManifestBytes(&buf, []byte(e.path)); err != nil {
			return "", err
		}
		if err := writeManifestBytes(&buf, []byte(e.digest)); err != nil {
			return "", err
		}
	}

	digest, _, err := store.Put(bytes.NewReader(buf.Bytes()))
	if err != nil {
		return "", fmt.Errorf("engine: store manifest: %w", err)
	}
	return digest, nil
}

func putFile(store *cas.Store, path string) (cas.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("engine: open output %s: %w", path, err)
	}
	defer f.Close()
	d, _, err := store.Put(f)
	if err != nil {
		return "", fmt.Errorf("engine: store output %s: %w", path, err)
	}
	return d, nil
}

func writeManifestBytes(buf *bytes.Buffer, b []byte) error {
	if err := binary.Write(buf, binary.BigEndian, uint64(len(b))); err != nil {
		return err
	}
	_, err := buf.Write(b)
	return err
}

func readManifestBytes(r io.Reader) ([]byte, error) {
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

// ManifestEntry is one file recorded in an output manifest.
type ManifestEntry struct {
	Path   string
	Digest cas.Digest
}

// ReadManifest decodes a manifest blob previously produced by storeOutputs,
// for callers (e.g. a future restore/export path) that need the individual
// file digests rather than just the manifest's own aggregate digest.
func ReadManifest(store *cas.Store, manifest cas.Digest) ([]ManifestEntry, error) {
	rc, err := store.Get(manifest)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var gotMagic uint32
	if err := binary.Read(rc, binary.BigEndian, &gotMagic); err != nil {
		return nil, err
	}
	if gotMagic != manifestMagic {
		return nil, fmt.Errorf("engine: manifest %s: invalid magic: got %x, want %x", manifest, gotMagic, manifestMagic)
	}
	var count uint64
	if err := binary.Read(rc, binary.BigEndian, &count); err != nil {
		return nil, err
	}
	out := make([]ManifestEntry, 0, count)
	for i := uint64(0); i < count; i++ {
		p, err := readManifestBytes(rc)
		if err != nil {
			return nil, err
		}
		d, err := readManifestBytes(rc)
		if err != nil {
			return nil, err
		}
		out = append(out, ManifestEntry{Path: string(p), Digest: cas.Digest(d)})
	}
	return out, nil
}

// parseInt64Opt reads opts[key] as a base-10 int64, returning 0 if the key
// is absent or malformed.
func parseInt64Opt(opts map[string]string, key string) int64 {
	v, ok := opts[key]
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func parseBoolOpt(opts map[string]string, key string) bool {
	switch opts[key] {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}

// resourcesFromOpts reads a target's resource-limit options (spec §4.5
// `resources`) from its Opts map. Every key is optional; an absent or
// unparsable value means "no limit" for that dimension.
func resourcesFromOpts(opts map[string]string) sandbox.Resources {
	return sandbox.Resources{
		MaxMemoryBytes:   parseInt64Opt(opts, "max_memory_bytes"),
		MaxCPUTimeMs:     parseInt64Opt(opts, "max_cpu_time_ms"),
		MaxWallTimeMs:    parseInt64Opt(opts, "max_wall_time_ms"),
		MaxProcesses:     parseInt64Opt(opts, "max_processes"),
		MaxFileSizeBytes: parseInt64Opt(opts, "max_file_size_bytes"),
	}
}

// determinismFromOpts reads a target's determinism options (spec §4.5
// `determinism`) from its Opts map.
func determinismFromOpts(opts map[string]string) sandbox.Determinism {
	return sandbox.Determinism{
		Enabled:              parseBoolOpt(opts, "determinism"),
		SourceDateEpoch:      parseInt64Opt(opts, "source_date_epoch"),
		StrictTimestampCheck: parseBoolOpt(opts, "strict_timestamp_check"),
	}
}
