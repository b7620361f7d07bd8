package data

import (
	"bytes"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/roach88/livedoc/internal/model"
)

var emptyObject = []byte("{}")

// MergeJSON applies a JSON merge patch to target and returns the result as
// canonical JSON. An empty or null target is treated as the empty object.
func MergeJSON(target, patch []byte) ([]byte, error) {
	target = bytes.TrimSpace(target)
	if len(target) == 0 || bytes.Equal(target, []byte("null")) {
		target = emptyObject
	}
	merged, err := jsonpatch.MergePatch(target, patch)
	if err != nil {
		return nil, fmt.Errorf("merge patch: %w", err)
	}
	return Canonicalize(merged)
}

// Merge applies a decoded merge patch to a decoded document. A patch that is
// not an object replaces the target whole. target is not modified.
func Merge(target, patch any) (any, error) {
	if _, ok := patch.(map[string]any); !ok {
		return patch, nil
	}
	if _, ok := target.(map[string]any); !ok {
		target = map[string]any{}
	}
	t, err := model.MarshalCanonical(target)
	if err != nil {
		return nil, err
	}
	p, err := model.MarshalCanonical(patch)
	if err != nil {
		return nil, err
	}
	merged, err := MergeJSON(t, p)
	if err != nil {
		return nil, err
	}
	return model.DecodeJSON(merged)
}

// DiffJSON returns the canonical merge patch that turns before into after.
// Objects are diffed field by field; arrays and scalars are replaced whole.
func DiffJSON(before, after []byte) ([]byte, error) {
	patch, err := jsonpatch.CreateMergePatch(before, after)
	if err != nil {
		return nil, fmt.Errorf("diff: %w", err)
	}
	return Canonicalize(patch)
}

// IsEmptyPatch reports whether patch changes nothing.
func IsEmptyPatch(patch []byte) bool {
	return bytes.Equal(bytes.TrimSpace(patch), emptyObject)
}

// Canonicalize rewrites a JSON value with sorted keys and NFC strings.
func Canonicalize(raw []byte) ([]byte, error) {
	v, err := model.DecodeJSON(raw)
	if err != nil {
		return nil, err
	}
	return model.MarshalCanonical(v)
}
