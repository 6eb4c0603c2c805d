package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"
)

// NondeterminismWarning flags one suspicious byte range found in a built
// artifact: an embedded wall-clock timestamp or UUID, either of which would
// make the artifact's content hash vary between otherwise-identical builds.
type NondeterminismWarning struct {
	Path   string
	Offset int64
	Reason string
	Sample string
}

func (w NondeterminismWarning) String() string {
	return fmt.Sprintf("%s@%d: %s (%q)", w.Path, w.Offset, w.Reason, w.Sample)
}

var (
	// RFC 3339-ish and common log timestamp shapes, loosely matched: this is
	// a warning signal, not a parser, so false positives are acceptable.
	timestampPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}`),
		regexp.MustCompile(`\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}`),
	}
	uuidPattern = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)
)

// ScanForNondeterminism walks every regular file under root and reports
// byte ranges that look like embedded timestamps or UUIDs. The caller
// decides what to do with warnings (spec: emitted only when the build's
// determinism option is enabled).
func ScanForNondeterminism(root string) ([]NondeterminismWarning, error) {
	var warnings []NondeterminismWarning
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !info.Mode().IsRegular() {
			return nil
		}
		// Skip anything implausibly large; a nondeterminism scan is a
		// best-effort heuristic, not a full artifact audit.
		if info.Size() > 64<<20 {
			return nil
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		warnings = append(warnings, scanBytes(path, b)...)
		return nil
	})
	return warnings, err
}

func scanBytes(path string, b []byte) []NondeterminismWarning {
	var out []NondeterminismWarning
	s := string(b)
	for _, re := range timestampPatterns {
		for _, loc := range re.FindAllStringIndex(s, -1) {
			out = append(out, NondeterminismWarning{
				Path:   path,
				Offset: int64(loc[0]),
				Reason: "embedded timestamp",
				Sample: s[loc[0]:loc[1]],
			})
		}
	}
	for _, loc := range uuidPattern.FindAllStringIndex(s, -1) {
		out = append(out, NondeterminismWarning{
			Path:   path,
			Offset: int64(loc[0]),
			Reason: "embedded UUID",
			Sample: s[loc[0]:loc[1]],
		})
	}
	return out
}

// SourceDateEpoch returns the given epoch as a time.Time truncated to
// second precision, the unit build tools conventionally use when
// normalizing embedded timestamps (REPRODUCIBLE_BUILDS SOURCE_DATE_EPOCH
// convention, which spec's determinism.sourceDateEpoch option mirrors).
func SourceDateEpoch(epoch int64) time.Time {
	return time.Unix(epoch, 0).UTC()
}
