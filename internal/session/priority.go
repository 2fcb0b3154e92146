// Package session implements the handshake, publisher/subscriber halves,
// and per-group stream scheduling that sit on top of internal/model and
// internal/wire (spec §4.3-4.7).
package session

// GroupPriority computes the transport stream priority for a group (spec
// §4.6): lower numeric value is served first by the transport. trackPriority
// passes straight through (a caller-assigned track already uses "lower is
// more urgent"); only sequence is inverted, so a newer group outranks an
// older one within the same track. The low 24 bits of sequence wrap every
// ~16.7M groups; at one group per frame that is roughly six days, an
// acceptable staleness window for priority only.
func GroupPriority(trackPriority uint8, sequence uint64) int32 {
	return int32(trackPriority)<<24 | int32(0xFFFFFF-(sequence&0xFFFFFF))
}
