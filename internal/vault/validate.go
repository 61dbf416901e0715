package vault

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lmv-io/lmv/internal/canon"
)

// reservedBlockPointers are the four top-level block pointers a patch may
// never remove outright, though it may replace their contents in bulk.
var reservedBlockPointers = map[string]bool{
	"/identity":    true,
	"/methodology": true,
	"/projects":    true,
	"/rules":       true,
}

// protectedPointers are JSON-Pointer paths a patch may never target at all,
// not even to add or replace: version and updated_at are engine-managed
// fields (§4.4 step 1, §7 bad-request), so a patch that names them is
// rejected outright rather than allowed to shadow a same-named key inside
// blocks.
var protectedPointers = map[string]bool{
	"/version":    true,
	"/updated_at": true,
}

func isProtectedPointer(path string) bool {
	return protectedPointers[path] ||
		strings.HasPrefix(path, "/version/") ||
		strings.HasPrefix(path, "/updated_at/")
}

// unmarshalStrict decodes data into v, rejecting unknown fields so a
// corrupted or hand-edited record is caught as a decode error rather than
// silently dropping data.
func unmarshalStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	return nil
}

// computeEntryHash canonicalizes entry's hashable form (everything but
// entry_hash itself) and returns its hex SHA-256 digest, per §4.1.
func computeEntryHash(entry JournalEntry) (string, error) {
	b, err := canon.JSON(entry.hashable())
	if err != nil {
		return "", fmt.Errorf("vault: canonicalizing entry for hashing: %w", err)
	}
	return canon.SHA256Hex(b), nil
}

// patchOp is the shape of one RFC 6902 operation, enough to validate it
// without pulling in the apply library just to inspect shape.
type patchOp struct {
	Op    string          `json:"op"`
	Path  string          `json:"path"`
	From  string          `json:"from,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

var validOps = map[string]bool{
	"add": true, "remove": true, "replace": true,
	"move": true, "copy": true, "test": true,
}

// validatePatchShape enforces the request-surface-independent parts of §4.4
// "Patch admission": the body must be a non-empty JSON array of well-formed
// RFC 6902 operations, every op must be one of the six kinds this system
// supports, add/replace/test must carry a value, move/copy must carry a
// from, and no operation may remove a reserved top-level block.
func validatePatchShape(patch []byte) error {
	var ops []patchOp
	if err := json.Unmarshal(patch, &ops); err != nil {
		return badRequest("patch must be a JSON array of operations: %v", err)
	}
	if len(ops) == 0 {
		return badRequest("patch must contain at least one operation")
	}
	for i, op := range ops {
		if !validOps[op.Op] {
			return badRequest("patch operation %d: unsupported op %q", i, op.Op)
		}
		if op.Path == "" {
			return badRequest("patch operation %d: missing path", i)
		}
		if isProtectedPointer(op.Path) {
			return badRequest("patch operation %d: path %q is engine-managed and cannot be patched", i, op.Path)
		}
		switch op.Op {
		case "add", "replace", "test":
			if op.Value == nil {
				return badRequest("patch operation %d: op %q requires value", i, op.Op)
			}
		case "move", "copy":
			if op.From == "" {
				return badRequest("patch operation %d: op %q requires from", i, op.Op)
			}
			if isProtectedPointer(op.From) {
				return badRequest("patch operation %d: from %q is engine-managed and cannot be patched", i, op.From)
			}
		}
		if op.Op == "remove" && reservedBlockPointers[op.Path] {
			return badRequest("patch operation %d: cannot remove reserved block %q", i, op.Path)
		}
	}
	return nil
}

// validateBlocksShape enforces that the four reserved top-level keys remain
// present after a patch is applied, per §3's invariant that Memory.Blocks
// always carries identity/methodology/projects/rules.
func validateBlocksShape(blocks json.RawMessage) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(blocks, &m); err != nil {
		return patchApplyErr(fmt.Errorf("blocks is not a JSON object: %w", err))
	}
	for _, key := range reservedBlockKeys {
		if _, ok := m[key]; !ok {
			return patchApplyErr(fmt.Errorf("patch removed reserved block %q", key))
		}
	}
	return nil
}
