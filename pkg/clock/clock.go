// Package clock implements the logical time primitives of a replica.
//
// Two Lamport (1978) rules govern every clock in this module:
//
//	IR1 (local event): before a local change, increment the clock.
//	IR2 (message receipt): on receiving a change stamped t,
//	     set the clock to max(own, t) + 1.
//
// On top of the scalar clock, a Ticket refines a lamport value with an actor
// and an intra-change delimiter so that every fine-grained mutation has a
// globally unique, totally ordered stamp. A VersionVector records, per actor,
// the greatest lamport observed from that actor.
//
// All types here are values. Nothing in this package is goroutine-safe on its
// own; owners (Document, ChangeID) serialize access.
package clock

// Tick implements IR1: the lamport value of the next local event.
func Tick(lamport int64) int64 {
	return lamport + 1
}

// Receive implements IR2: the local lamport after observing received.
// The +1 always applies, so a repeated receipt of the same value still
// advances the clock by one step.
func Receive(local, received int64) int64 {
	if received > local {
		local = received
	}
	return local + 1
}
