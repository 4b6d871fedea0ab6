// Package session implements the role and voting state machine of a
// multi-device decision.
//
// One device hosts a round and any number of participants join it. The host
// starts voting, every device rolls a die and broadcasts the value, and every
// device decides on its own that the round is complete once it holds a vote
// from each connected peer and from itself:
//
//	keys(tally) == names(connected peers) ∪ {self}
//
// There is no "complete" message. Devices that briefly disagree on the
// roster, for example while a peer is leaving, may reach completion at
// slightly different times.
//
// Session is the pure state machine. Manager owns a Session on a single
// goroutine, feeds it the events of a network transport and the commands of
// the user interface, and publishes snapshots of the resulting State.
package session
