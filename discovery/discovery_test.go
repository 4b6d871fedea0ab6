package discovery

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestPacketRoundTrip(t *testing.T) {
	key := []byte("0123abcd")
	packet := encodePacket(key, "qm-decision", []byte(`{"name":"a"}`))
	k, serviceID, info, err := decodePacket(packet)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(k, key) {
		t.Fatalf("expected key %s, actual %s", key, k)
	}
	if serviceID != "qm-decision" {
		t.Fatalf("expected service id qm-decision, actual %s", serviceID)
	}
	if string(info) != `{"name":"a"}` {
		t.Fatalf("unexpected info %s", info)
	}
}

func TestDecodeShortPacket(t *testing.T) {
	if _, _, _, err := decodePacket([]byte("0123")); err == nil {
		t.Fatal("expected error for packet shorter than key")
	}
	packet := encodePacket([]byte("0123abcd"), "qm-decision", nil)
	if _, _, _, err := decodePacket(packet[:len(packet)-3]); err == nil {
		t.Fatal("expected error for truncated service id")
	}
}

func TestLongestServiceID(t *testing.T) {
	id := strings.Repeat("q", MaxServiceIDLength)
	_, serviceID, info, err := decodePacket(encodePacket([]byte("0123abcd"), id, []byte("x")))
	if err != nil {
		t.Fatal(err)
	}
	if serviceID != id || string(info) != "x" {
		t.Fatalf("service id of %d bytes did not round trip: got %d bytes, info %q", len(id), len(serviceID), info)
	}
}

func TestStartRejectsLongServiceID(t *testing.T) {
	d := Discover{ServiceID: strings.Repeat("q", MaxServiceIDLength+1), Info: []byte("x"), Port: 53552}
	if err := d.Start(); !errors.Is(err, ErrServiceIDTooLong) {
		t.Fatalf("expected %v, got %v", ErrServiceIDTooLong, err)
	}
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestCloseNeverStarted(t *testing.T) {
	d := Discover{}
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
}

// TestDiscover needs multicast loopback; it is skipped on hosts without it.
func TestDiscover(t *testing.T) {
	n := 3
	fatal := make(chan error, n)
	release := make(chan struct{})
	defer close(release)
	for i := range n {
		go func() {
			discover := Discover{
				ServiceID:                    "qm-test",
				Info:                         []byte(fmt.Sprint(i)),
				IntervalBetweenAnnouncements: 100 * time.Millisecond,
				Port:                         53562,
				Listen:                       true,
			}
			if err := discover.Start(); err != nil {
				fatal <- fmt.Errorf("skip: %w", err)
				return
			}
			defer func() {
				<-release
				discover.Close()
			}()
			set := make(map[string]struct{})
			timeout := time.After(5 * time.Second)
			for len(set) < n-1 {
				select {
				case entry := <-discover.Entries:
					set[string(entry.Info)] = struct{}{}
				case <-timeout:
					fatal <- fmt.Errorf("skip: node %d found %d entries", i, len(set))
					return
				}
			}
			if _, ok := set[fmt.Sprint(i)]; ok {
				fatal <- fmt.Errorf("node %d found itself", i)
				return
			}
			fatal <- nil
		}()
	}
	for range n {
		if err := <-fatal; err != nil {
			if bytes.HasPrefix([]byte(err.Error()), []byte("skip: ")) {
				t.Skipf("multicast unavailable: %v", err)
			}
			t.Fatal(err)
		}
	}
}

func TestOtherServiceIgnored(t *testing.T) {
	listener := Discover{ServiceID: "qm-a", Port: 53563, Listen: true}
	if err := listener.Start(); err != nil {
		t.Skipf("multicast unavailable: %v", err)
	}
	defer listener.Close()
	announcer := Discover{
		ServiceID:                    "qm-b",
		Info:                         []byte("other"),
		Port:                         53563,
		IntervalBetweenAnnouncements: 50 * time.Millisecond,
	}
	if err := announcer.Start(); err != nil {
		t.Skipf("multicast unavailable: %v", err)
	}
	defer announcer.Close()
	select {
	case entry := <-listener.Entries:
		t.Fatalf("received announcement of another service: %s", entry.Info)
	case <-time.After(500 * time.Millisecond):
	}
}
