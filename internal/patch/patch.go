// Package patch computes and applies RFC 6902 JSON-patch operation
// sequences and derives snapshot checksums. Diffs are canonically ordered:
// path-sorted with numeric-aware segment comparison, so equal inputs always
// yield an identical (empty) patch.
package patch

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	jsonpatch "github.com/evanphx/json-patch/v5"
	jsondiff "gomodules.xyz/jsonpatch/v2"
)

// ErrPatchFailed means an operation could not be applied; the holder of
// the document must resync from the server's current checksum.
var ErrPatchFailed = errors.New("patch failed")

// Operation is a single RFC 6902 operation. The wire form is
// {"op": ..., "path": ..., "value": ...}.
type Operation = jsondiff.Operation

// Diff computes the canonical patch transforming prev into next. Both
// arguments are marshaled to JSON first, so any JSON-serializable value
// works. Equal inputs yield an empty, non-nil slice.
func Diff(prev, next any) ([]Operation, error) {
	prevJSON, err := json.Marshal(prev)
	if err != nil {
		return nil, fmt.Errorf("marshal prev: %w", err)
	}
	nextJSON, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("marshal next: %w", err)
	}

	ops, err := jsondiff.CreatePatch(prevJSON, nextJSON)
	if err != nil {
		return nil, fmt.Errorf("create patch: %w", err)
	}
	canonicalize(ops)
	if ops == nil {
		ops = []Operation{}
	}
	return ops, nil
}

// Apply applies ops to a clone of doc and unmarshals the result into out.
// The input document is never mutated. Failure of any operation aborts the
// whole patch with ErrPatchFailed wrapped in the returned error.
func Apply(doc any, ops []Operation, out any) error {
	docJSON, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal doc: %w", err)
	}
	if len(ops) == 0 {
		return json.Unmarshal(docJSON, out)
	}

	opsJSON, err := json.Marshal(ops)
	if err != nil {
		return fmt.Errorf("marshal ops: %w", err)
	}
	p, err := jsonpatch.DecodePatch(opsJSON)
	if err != nil {
		return fmt.Errorf("%w: decode: %v", ErrPatchFailed, err)
	}
	patched, err := p.Apply(docJSON)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPatchFailed, err)
	}
	if err := json.Unmarshal(patched, out); err != nil {
		return fmt.Errorf("%w: unmarshal result: %v", ErrPatchFailed, err)
	}
	return nil
}

// Checksum returns a short deterministic digest of v's canonical JSON
// serialization. It is a coarse identity token, not a cryptographic hash:
// the runtime uses it only as a cache key and an "are we the same" hint.
func Checksum(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal for checksum: %w", err)
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(data)), nil
}

// Clone deep-copies src into dst through a JSON round trip.
func Clone(src, dst any) error {
	data, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

// canonicalize orders operations path-first with numeric-aware segment
// comparison. Removes on sibling array indices sort highest-index first so
// the sequence stays applicable after reordering.
func canonicalize(ops []Operation) {
	sort.SliceStable(ops, func(i, j int) bool {
		a, b := ops[i], ops[j]
		pa, pb := splitPointer(a.Path), splitPointer(b.Path)

		n := len(pa)
		if len(pb) < n {
			n = len(pb)
		}
		for k := 0; k < n; k++ {
			if pa[k] == pb[k] {
				continue
			}
			na, errA := strconv.Atoi(pa[k])
			nb, errB := strconv.Atoi(pb[k])
			if errA == nil && errB == nil {
				// Sibling array slots: removes apply deepest-first.
				if k == n-1 && a.Operation == "remove" && b.Operation == "remove" {
					return na > nb
				}
				return na < nb
			}
			return pa[k] < pb[k]
		}
		if len(pa) != len(pb) {
			return len(pa) < len(pb)
		}
		return a.Operation < b.Operation
	})
}

func splitPointer(p string) []string {
	p = strings.TrimPrefix(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}
