// Package jsondoc is the reference document engine: JSON documents whose
// shape is fixed per namespace by a CUE file.
//
// A space file <dir>/<namespace>.cue may declare:
//
//	state:    a CUE struct every document's data must satisfy
//	defaults: data merged under the construction argument
//	channels: channel names accepted by send
//	attach:   authorities allowed to attach assets (empty means anyone)
//	retain:   how long sent messages are kept, as a Go duration
//
// Documents keep their data, joined clients, assets, and recent messages in
// one JSON object and emit RFC 7386 merge patches for every transaction.
package jsondoc
