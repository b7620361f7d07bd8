// Package model holds the value types shared by every layer of livedoc.
//
// A Key addresses one document. A Principal identifies who issued a
// command. Commands reach a document as a canonical JSON envelope built by
// Forge and read back by ParseRequest:
//
//	{"command":"send","timestamp":1700000000000,"who":{...},"channel":"chat","message":{...}}
//
// Errors that cross layer boundaries are CodedError values. The numeric code
// is stable and is what callers match on; the message is for humans.
package model
