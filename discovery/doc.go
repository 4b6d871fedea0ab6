// Package discovery provides a lightweight UDP multicast-based presence
// mechanism for devices on the same local network.
//
// An instance announces an opaque payload under a service identifier and/or
// listens for the announcements of other instances using the same identifier.
// Typical usage:
//
//	d := &discovery.Discover{
//		ServiceID:                    "qm-decision",
//		Info:                         []byte("my-presence"),
//		Port:                         53552,
//		IntervalBetweenAnnouncements: time.Second,
//		Listen:                       true,
//	}
//	if err := d.Start(); err != nil {
//		return err
//	}
//	defer d.Close()
//
//	for entry := range d.Entries {
//		fmt.Printf("Discovered: %s at %v\n", entry.Info, entry.Time)
//	}
//
// Behavior:
//   - Announcements are sent via UDP multicast to 239.0.0.1 on the specified port.
//   - Each instance uses a random 8-byte key to identify its own packets and filter them out.
//   - Packets carrying a different service identifier are ignored.
//   - Discovered entries are delivered on the Entries channel, which is closed
//     when the instance is closed. Entries are dropped while the channel is full.
package discovery
