package model

import (
	"cmp"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Key addresses one document: a namespace (space) and an identifier within it.
// Keys are immutable values and are safe to use as map keys.
type Key struct {
	Namespace string `json:"namespace" yaml:"namespace"`
	ID        string `json:"id" yaml:"id"`
}

// NewKey builds a key from its parts.
func NewKey(namespace, id string) Key {
	return Key{Namespace: namespace, ID: id}
}

// ParseKey parses the "namespace/id" form produced by String.
func ParseKey(s string) (Key, error) {
	namespace, id, ok := strings.Cut(s, "/")
	if !ok {
		return Key{}, NewCodedError(ErrInvalidKey, fmt.Sprintf("key %q must be namespace/id", s))
	}
	k := NewKey(namespace, id)
	if err := k.Validate(); err != nil {
		return Key{}, err
	}
	return k, nil
}

// Validate rejects keys with an empty part or a separator in the namespace.
func (k Key) Validate() error {
	if k.Namespace == "" || k.ID == "" {
		return NewCodedError(ErrInvalidKey, "namespace and id are required")
	}
	if strings.Contains(k.Namespace, "/") {
		return NewCodedError(ErrInvalidKey, fmt.Sprintf("namespace %q must not contain '/'", k.Namespace))
	}
	return nil
}

// String returns "namespace/id".
func (k Key) String() string {
	return k.Namespace + "/" + k.ID
}

// Compare orders keys by namespace first, then identifier.
func (k Key) Compare(other Key) int {
	if c := cmp.Compare(k.Namespace, other.Namespace); c != 0 {
		return c
	}
	return cmp.Compare(k.ID, other.ID)
}

// Hash is stable across processes so every machine agrees on shard placement.
// The zero byte separates the parts so ("ab","c") and ("a","bc") differ.
func (k Key) Hash() uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(k.Namespace)
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(k.ID)
	return d.Sum64()
}

// Shard maps the key onto one of n shards.
func (k Key) Shard(n int) int {
	if n <= 1 {
		return 0
	}
	return int(k.Hash() % uint64(n))
}
