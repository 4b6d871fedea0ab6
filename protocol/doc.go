// Package protocol encodes and decodes the messages exchanged by the devices
// of a decision session.
//
// Two kinds of message exist. The host sends StartDecision to open a round;
// every device, host included, sends DiceResult once it has rolled. On the
// wire a message is a JSON object tagged by its type:
//
//	{"type":"startDecision","data":null}
//	{"type":"diceResult","data":{"value":4,"fromPeer":"kitchen#3F2A"}}
//
// Decode is strict: unknown types, missing fields and values outside 1..6 are
// reported as ErrMalformed so the caller can drop them.
package protocol
