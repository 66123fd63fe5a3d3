// Package diff computes structural differences between two snapshots of the
// same logical object. Snapshots are first serialized to a JSON intermediate
// tree, so the engine works uniformly across DTOs and domain entities at the
// cost of diff granularity depending on serialization fidelity.
//
// The output is a sparse patch of add/remove/replace operations addressed by
// JSON-Pointer field paths, so a viewer can render "field X changed from A to
// B" without per-type rendering code. Unchanged fields are omitted.
package diff

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// OpKind is the kind of a single patch operation.
type OpKind string

const (
	OpAdd     OpKind = "add"
	OpRemove  OpKind = "remove"
	OpReplace OpKind = "replace"
)

// Operation is one entry of a structural patch.
type Operation struct {
	Op   OpKind `json:"op"`
	Path string `json:"path"`
	// From holds the prior value for remove/replace operations so trails can
	// render "changed from A to B" without re-fetching the before-snapshot.
	From  any `json:"from,omitempty"`
	Value any `json:"value,omitempty"`
}

// Patch is a sparse list of operations. An empty patch means no change.
type Patch []Operation

// IsEmpty reports whether the patch contains no operations.
func (p Patch) IsEmpty() bool { return len(p) == 0 }

// Compute diffs two snapshots. A nil before yields all-add operations; a nil
// after yields all-remove operations.
func Compute(before, after any) (Patch, error) {
	b, err := normalize(before)
	if err != nil {
		return nil, fmt.Errorf("normalize before-snapshot: %w", err)
	}
	a, err := normalize(after)
	if err != nil {
		return nil, fmt.Errorf("normalize after-snapshot: %w", err)
	}

	var patch Patch
	walk("", b, a, &patch)
	return patch, nil
}

// normalize round-trips a value through JSON into the intermediate tree form
// (maps, slices, strings, float64, bool, nil).
func normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var tree any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, err
	}
	return tree, nil
}

func walk(path string, before, after any, patch *Patch) {
	switch {
	case before == nil && after == nil:
		return
	case before == nil:
		// Below the root the path exists on both sides and before is a JSON
		// null, so this is a replace; an add would make Apply unable to
		// distinguish null from absent.
		if path == "" {
			appendAdds(path, after, patch)
			return
		}
		*patch = append(*patch, Operation{Op: OpReplace, Path: path, Value: after})
		return
	case after == nil:
		if path == "" {
			appendRemoves(path, before, patch)
			return
		}
		*patch = append(*patch, Operation{Op: OpReplace, Path: path, From: before})
		return
	}

	bm, bIsMap := before.(map[string]any)
	am, aIsMap := after.(map[string]any)
	if bIsMap && aIsMap {
		walkMaps(path, bm, am, patch)
		return
	}

	bs, bIsSlice := before.([]any)
	as, aIsSlice := after.([]any)
	if bIsSlice && aIsSlice && len(bs) == len(as) {
		for i := range bs {
			walk(path+"/"+strconv.Itoa(i), bs[i], as[i], patch)
		}
		return
	}

	if !reflect.DeepEqual(before, after) {
		*patch = append(*patch, Operation{Op: OpReplace, Path: path, From: before, Value: after})
	}
}

func walkMaps(path string, before, after map[string]any, patch *Patch) {
	for _, key := range sortedKeys(before) {
		child := path + "/" + escapePointer(key)
		if afterVal, ok := after[key]; ok {
			walk(child, before[key], afterVal, patch)
		} else {
			*patch = append(*patch, Operation{Op: OpRemove, Path: child, From: before[key]})
		}
	}
	for _, key := range sortedKeys(after) {
		if _, ok := before[key]; !ok {
			*patch = append(*patch, Operation{Op: OpAdd, Path: path + "/" + escapePointer(key), Value: after[key]})
		}
	}
}

// appendAdds expands a creation into one add per top-level field so trail
// viewers render every persisted field of the new object.
func appendAdds(path string, after any, patch *Patch) {
	if m, ok := after.(map[string]any); ok && path == "" {
		for _, key := range sortedKeys(m) {
			*patch = append(*patch, Operation{Op: OpAdd, Path: "/" + escapePointer(key), Value: m[key]})
		}
		return
	}
	*patch = append(*patch, Operation{Op: OpAdd, Path: path, Value: after})
}

// appendRemoves expands a deletion into one remove per top-level field.
func appendRemoves(path string, before any, patch *Patch) {
	if m, ok := before.(map[string]any); ok && path == "" {
		for _, key := range sortedKeys(m) {
			*patch = append(*patch, Operation{Op: OpRemove, Path: "/" + escapePointer(key), From: m[key]})
		}
		return
	}
	*patch = append(*patch, Operation{Op: OpRemove, Path: path, From: before})
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// escapePointer applies JSON-Pointer token escaping (~ then /).
func escapePointer(token string) string {
	token = strings.ReplaceAll(token, "~", "~0")
	return strings.ReplaceAll(token, "/", "~1")
}

func unescapePointer(token string) string {
	token = strings.ReplaceAll(token, "~1", "/")
	return strings.ReplaceAll(token, "~0", "~")
}

// Apply replays the patch onto a before-snapshot and returns the resulting
// tree. Applying a handler record's stored patch to its before-snapshot must
// reproduce the after-snapshot exactly.
func (p Patch) Apply(before any) (any, error) {
	tree, err := normalize(before)
	if err != nil {
		return nil, fmt.Errorf("normalize before-snapshot: %w", err)
	}
	for _, op := range p {
		tree, err = applyOp(tree, op)
		if err != nil {
			return nil, fmt.Errorf("apply %s %s: %w", op.Op, op.Path, err)
		}
	}
	return tree, nil
}

func applyOp(tree any, op Operation) (any, error) {
	if op.Path == "" {
		switch op.Op {
		case OpRemove:
			return nil, nil
		default:
			return op.Value, nil
		}
	}

	tokens := strings.Split(strings.TrimPrefix(op.Path, "/"), "/")
	return applyAt(tree, tokens, op)
}

func applyAt(node any, tokens []string, op Operation) (any, error) {
	token := unescapePointer(tokens[0])
	last := len(tokens) == 1

	switch typed := node.(type) {
	case nil:
		if op.Op != OpAdd {
			return nil, fmt.Errorf("path traverses missing value")
		}
		m := map[string]any{}
		if last {
			m[token] = op.Value
			return m, nil
		}
		child, err := applyAt(nil, tokens[1:], op)
		if err != nil {
			return nil, err
		}
		m[token] = child
		return m, nil

	case map[string]any:
		if last {
			switch op.Op {
			case OpRemove:
				delete(typed, token)
			default:
				typed[token] = op.Value
			}
			return typed, nil
		}
		child, err := applyAt(typed[token], tokens[1:], op)
		if err != nil {
			return nil, err
		}
		typed[token] = child
		return typed, nil

	case []any:
		idx, err := strconv.Atoi(token)
		if err != nil || idx < 0 || idx >= len(typed) {
			return nil, fmt.Errorf("invalid array index %q", token)
		}
		if last {
			switch op.Op {
			case OpRemove:
				return append(typed[:idx], typed[idx+1:]...), nil
			default:
				typed[idx] = op.Value
			}
			return typed, nil
		}
		child, err := applyAt(typed[idx], tokens[1:], op)
		if err != nil {
			return nil, err
		}
		typed[idx] = child
		return typed, nil

	default:
		return nil, fmt.Errorf("cannot traverse %T", node)
	}
}
