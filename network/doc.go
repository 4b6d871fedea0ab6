// Package network implements the transport of a decision session: presence
// on the local network, encrypted bidirectional links between devices and
// best-effort delivery of opaque payloads.
//
// # Roles
//
// A Transport is either advertising (the host of a session) or discovering
// (a participant). The host listens for websocket connections over TLS with a
// self-signed certificate and announces its address and certificate
// fingerprint through a Beacon. A participant scans for announcements, and
// invites itself into the first host it finds by dialing it and pinning the
// announced fingerprint.
//
// # Session mesh
//
// The host is the hub of the session. When it admits a participant it tells
// the newcomer about every other member and tells the other members about the
// newcomer; payloads addressed to several members are relayed by the host.
// Each device therefore sees every member of the session as connected.
//
// # Events
//
// Everything the transport observes is reported on the Events channel:
// peers found and lost, links connected and disconnected, received payloads,
// failed sends and transitions between unavailable and available. Events are
// stamped with the epoch in which they were produced; Stop starts a new epoch
// and events of the previous one are never delivered afterwards.
//
// # Retry
//
// Starting the advertisement or the scan can fail, typically because the
// network is down or the process may not use multicast. The transport reports
// an Unavailable event and retries after a fixed backoff for as long as the
// role is active. Retries stop only when Stop is called.
package network
