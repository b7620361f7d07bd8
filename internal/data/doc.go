// Package data defines the contracts between the document core and its
// storage collaborators: the durability store that persists document patches
// and the finder that records where each document lives.
//
// Patches are JSON merge patches (RFC 7386) kept in canonical form. MergeJSON
// applies one and DiffJSON computes the patch that turns one document into
// another.
package data
