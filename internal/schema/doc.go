// Package schema defines the board and card records shared by the cache,
// the mutation queue, the gateway protocol and board sessions.
//
// # Overview
//
// A Board is a named, ordered collection of Cards. Boards and cards travel
// as JSON between the local cache, the HTTP authority and the gateway:
//
//	{
//	  "id": "0192f0c4-5c1e-7a51-9a43-6f1f4cf3a2b1",
//	  "type": "text",
//	  "pos": {"x": 120, "y": 48},
//	  "content": {"text": "Hello"},
//	  "created": 1760860800000,
//	  "modified": 1760860800000
//	}
//
// Timestamps are epoch milliseconds.
//
// # Card State
//
// Every card is either Committed or LocalNew. LocalNew cards exist only in a
// board session's working list; they are never cached, queued or sent over
// the gateway. The zero value of CardState is Committed, so anything decoded
// from storage or the network is committed.
//
// # Partial Cards
//
// CardPatch carries the subset of a card that a mutation needs. Optional
// fields use Optional[T], which distinguishes "absent" from "zero":
//
//	patch := schema.UpdatePatch(card)   // id, pos, content, modified
//	patch := schema.DeletePatch(id, ts) // id, modified
//
// # Design Principles
//
//   - Plain data only, so Clone is a field-by-field copy
//   - Last-write-wins per card, ordered by Modified
//   - No external validation libraries
package schema
