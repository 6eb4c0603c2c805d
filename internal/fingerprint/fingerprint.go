// Package fingerprint computes deterministic content hashes over targets,
// actions, and blobs (spec §3 Fingerprint / ActionId, §8 purity invariant).
// Grounded on internal/build.Ctx.Digest(), generalized from FNV-128a over a
// textproto to BLAKE3 over canonicalized field bytes, and from
// distri-specific dependency globbing to the abstract (id, fingerprint)
// pairs the graph already computes.
package fingerprint

import (
	"encoding/hex"
	"sort"

	"lukechampine.com/blake3"
)

// Fingerprint is a hex-encoded BLAKE3 digest.
type Fingerprint string

func sum(parts ...[]byte) Fingerprint {
	h := blake3.New(32, nil)
	for _, p := range parts {
		// length-prefix each part so that e.g. ("ab","c") cannot collide
		// with ("a","bc") — the canonicalization must be injective.
		var lenBuf [8]byte
		putUint64(lenBuf[:], uint64(len(p)))
		h.Write(lenBuf[:])
		h.Write(p)
	}
	return Fingerprint(hex.EncodeToString(h.Sum(nil)))
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (56 - 8*i))
	}
}

// TargetInput is the canonicalized, handler-visible projection of a Target
// plus its resolved dependency fingerprints, the pure input to a Fingerprint
// computation (spec §3: "deterministic content hash over (targetId ∥
// canonicalized source contents ∥ canonicalized dep fingerprints ∥
// handler-visible options)").
type TargetInput struct {
	TargetID        string
	SourceHashes    map[string]Fingerprint // source path -> content hash
	DepFingerprints []Fingerprint
	Opts            map[string]string
}

// Compute is a pure function: identical inputs always yield identical
// output bytes, regardless of wall-clock time or host identity (spec §8).
func Compute(in TargetInput) Fingerprint {
	sources := make([]string, 0, len(in.SourceHashes))
	for s := range in.SourceHashes {
		sources = append(sources, s)
	}
	sort.Strings(sources)
	var sourceBytes []byte
	for _, s := range sources {
		sourceBytes = append(sourceBytes, []byte(s)...)
		sourceBytes = append(sourceBytes, ':')
		sourceBytes = append(sourceBytes, []byte(in.SourceHashes[s])...)
		sourceBytes = append(sourceBytes, ';')
	}

	deps := make([]string, len(in.DepFingerprints))
	for i, d := range in.DepFingerprints {
		deps[i] = string(d)
	}
	sort.Strings(deps)

	optKeys := sortedKeys(in.Opts)
	var optBytes []byte
	for _, k := range optKeys {
		optBytes = append(optBytes, []byte(k)...)
		optBytes = append(optBytes, '=')
		optBytes = append(optBytes, []byte(in.Opts[k])...)
		optBytes = append(optBytes, ';')
	}

	return sum(
		[]byte(in.TargetID),
		sourceBytes,
		[]byte(joinSorted(deps)),
		optBytes,
	)
}

func joinSorted(ss []string) string {
	out := ""
	for _, s := range ss {
		out += s + ";"
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// OfBytes hashes arbitrary content, used for source files and CAS blobs
// alike so the same hash family is used system-wide (spec glossary: BLAKE3).
func OfBytes(b []byte) Fingerprint {
	return sum(b)
}

// ActionType enumerates the kinds of action an ActionId can denote.
type ActionType int

const (
	Compile ActionType = iota
	Link
	Test
	Transform
	Lint
	Other
)

// ActionID is (targetId, actionType, subId, inputHash) per spec §3.
type ActionID struct {
	TargetID   string
	ActionType ActionType
	SubID      string
	InputHash  Fingerprint
}

// Compute derives the action's own fingerprint from its identifying tuple,
// used as the ActionCache key.
func (a ActionID) Compute() Fingerprint {
	return sum(
		[]byte(a.TargetID),
		[]byte{byte(a.ActionType)},
		[]byte(a.SubID),
		[]byte(a.InputHash),
	)
}
