// Package managed runs documents whose durable bytes may live on any machine
// or in a shared archive.
//
// Each key has a Machine: a small state machine (unknown, finding, restoring,
// on_machine) that asks the finder where the document lives, restores it
// from its archive and binds it to this machine when needed, and only then
// lets reads and writes through. While a document is on this machine, writes
// arm an archive timer that periodically snapshots it and records the new
// archive token with the finder.
//
// Every Machine of a Service runs on the Service's single executor. Service
// adapts that callback world to the blocking data.Service contract.
package managed
