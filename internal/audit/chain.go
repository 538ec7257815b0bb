// Package audit implements the tamper-evident audit trail of the clinical
// records platform.
//
// Every audited operation becomes an AuditEvent appended to a hash chain.
// Each event's hash is computed as
//
//	SHA-256(canonical JSON of {eventType, entityType, entityId, actorId,
//	        endpoint, operationVerb, timestamp, previousHash})
//
// so editing any hashed field of a stored event, or re-linking events,
// is detected by the Verifier from that point forward.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// HashPrefix marks the digest algorithm in stored hashes.
const HashPrefix = "sha256:"

// canonicalEvent fixes the field order of the hashed serialization.
// Struct fields marshal in declaration order, which keeps the digest stable.
type canonicalEvent struct {
	EventType     string  `json:"eventType"`
	EntityType    string  `json:"entityType"`
	EntityID      string  `json:"entityId"`
	ActorID       string  `json:"actorId"`
	Endpoint      string  `json:"endpoint"`
	OperationVerb string  `json:"operationVerb"`
	Timestamp     string  `json:"timestamp"`
	PreviousHash  *string `json:"previousHash"`
}

// ComputeHash returns the digest of e's canonical fields and e.PreviousHash.
// The timestamp is the persisted one, rendered in UTC with nanoseconds.
//
// Returns a prefixed hash string: "sha256:<hex>".
func ComputeHash(e *AuditEvent) string {
	c := canonicalEvent{
		EventType:     e.EventType.String(),
		EntityType:    e.EntityType,
		EntityID:      e.EntityID,
		ActorID:       e.ActorID,
		Endpoint:      e.Endpoint,
		OperationVerb: e.OperationVerb,
		Timestamp:     e.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if e.PreviousHash != "" {
		prev := e.PreviousHash
		c.PreviousHash = &prev
	}

	// Marshaling a struct of strings cannot fail.
	data, _ := json.Marshal(c)
	sum := sha256.Sum256(data)
	return HashPrefix + hex.EncodeToString(sum[:])
}

// verifyEvent checks whether an event's stored hash matches its contents.
func verifyEvent(e *AuditEvent) bool {
	return e.EventHash == ComputeHash(e)
}
