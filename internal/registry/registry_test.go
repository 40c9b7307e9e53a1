package registry

import "testing"

type fakeConn struct{ connected bool }

func (c *fakeConn) Connected() bool { return c.connected }

func newTestRegistry(ids ...string) *Registry {
	r := New()
	next := 0
	r.randID = func() (string, error) {
		id := ids[next%len(ids)]
		next++
		return id, nil
	}
	return r
}

func TestValidateID(t *testing.T) {
	for _, tc := range []struct {
		id   string
		want bool
	}{
		{"12345678", true},
		{"00000000", true},
		{"1234567", false},
		{"123456789", false},
		{"1234567a", false},
		{"1234 678", false},
		{"", false},
	} {
		if got := ValidateID(tc.id); got != tc.want {
			t.Errorf("ValidateID(%q) = %v, want %v", tc.id, got, tc.want)
		}
	}
}

func TestClaimFreshIDSkipsTaken(t *testing.T) {
	r := newTestRegistry("11111111", "11111111", "22222222")
	host1 := &fakeConn{connected: true}
	id, _, _, err := r.Claim("", "keyA", host1)
	if err != nil {
		t.Fatal(err)
	}
	if id != "11111111" {
		t.Fatalf("got id %q, want 11111111", id)
	}

	// The generator repeats the taken id once; Claim must skip it.
	id2, _, _, err := r.Claim("", "keyB", &fakeConn{connected: true})
	if err != nil {
		t.Fatal(err)
	}
	if id2 != "22222222" {
		t.Fatalf("got id %q, want 22222222", id2)
	}
}

func TestClaimReclaimSamePubKey(t *testing.T) {
	r := newTestRegistry("11111111")
	oldHost := &fakeConn{connected: true}
	if _, _, _, err := r.Claim("33333333", "keyA", oldHost); err != nil {
		t.Fatal(err)
	}
	viewer := &fakeConn{connected: true}
	if err := r.AddClient("33333333", "client1", viewer); err != nil {
		t.Fatal(err)
	}

	newHost := &fakeConn{connected: true}
	id, prev, evicted, err := r.Claim("33333333", "keyA", newHost)
	if err != nil {
		t.Fatal(err)
	}
	if id != "33333333" {
		t.Fatalf("got id %q, want 33333333", id)
	}
	if prev != oldHost {
		t.Fatal("expected previous host to be returned")
	}
	if len(evicted) != 1 || evicted[0] != viewer {
		t.Fatalf("got %d evicted conns, want the joined viewer", len(evicted))
	}

	got, err := r.HostOf("33333333")
	if err != nil {
		t.Fatal(err)
	}
	if got != newHost {
		t.Fatal("reclaim did not install the new host")
	}
}

func TestClaimTakenByOtherKey(t *testing.T) {
	r := newTestRegistry("11111111")
	firstHost := &fakeConn{connected: true}
	if _, _, _, err := r.Claim("33333333", "keyA", firstHost); err != nil {
		t.Fatal(err)
	}

	// A different key asking for a taken id gets a fresh one; the
	// original room is untouched.
	id, prev, evicted, err := r.Claim("33333333", "keyB", &fakeConn{connected: true})
	if err != nil {
		t.Fatal(err)
	}
	if id != "11111111" {
		t.Fatalf("got id %q, want fresh id 11111111", id)
	}
	if prev != nil || len(evicted) != 0 {
		t.Fatalf("got prev %v evicted %v, want none", prev, evicted)
	}
	if got, err := r.HostOf("33333333"); err != nil || got != firstHost {
		t.Fatalf("original room disturbed: host %v err %v", got, err)
	}
}

func TestStartedGate(t *testing.T) {
	r := newTestRegistry("11111111")
	id, _, _, err := r.Claim("", "keyA", &fakeConn{connected: true})
	if err != nil {
		t.Fatal(err)
	}
	if r.Started(id) {
		t.Fatal("fresh stream should not be started")
	}
	if err := r.SetStarted(id, true); err != nil {
		t.Fatal(err)
	}
	if !r.Started(id) {
		t.Fatal("stream should be started")
	}
	if err := r.SetStarted("99999999", true); err != ErrNoStream {
		t.Fatalf("got err %v, want ErrNoStream", err)
	}
}

func TestClientLifecycle(t *testing.T) {
	r := newTestRegistry("11111111")
	id, _, _, err := r.Claim("", "keyA", &fakeConn{connected: true})
	if err != nil {
		t.Fatal(err)
	}
	viewer := &fakeConn{connected: true}
	if err := r.AddClient(id, "client1", viewer); err != nil {
		t.Fatal(err)
	}
	got, err := r.ClientOf(id, "client1")
	if err != nil {
		t.Fatal(err)
	}
	if got != viewer {
		t.Fatal("ClientOf returned wrong conn")
	}
	if _, err := r.ClientOf(id, "client2"); err != ErrNoClient {
		t.Fatalf("got err %v, want ErrNoClient", err)
	}

	// A different connection's teardown must not unregister viewer.
	r.RemoveClient(id, "client1", &fakeConn{})
	if _, err := r.ClientOf(id, "client1"); err != nil {
		t.Fatalf("stale removal dropped the live viewer: %v", err)
	}

	r.RemoveClient(id, "client1", viewer)
	if _, err := r.ClientOf(id, "client1"); err != ErrNoClient {
		t.Fatalf("got err %v after removal, want ErrNoClient", err)
	}
	// Removing twice is a no-op.
	r.RemoveClient(id, "client1", viewer)
}

func TestEvictIdentity(t *testing.T) {
	r := newTestRegistry("11111111", "22222222")
	id1, _, _, err := r.Claim("", "keyA", &fakeConn{connected: true})
	if err != nil {
		t.Fatal(err)
	}
	id2, _, _, err := r.Claim("", "keyB", &fakeConn{connected: true})
	if err != nil {
		t.Fatal(err)
	}

	old := &fakeConn{connected: true}
	fresh := &fakeConn{connected: true}
	if err := r.AddClient(id1, "client1", old); err != nil {
		t.Fatal(err)
	}
	if err := r.AddClient(id2, "client1", fresh); err != nil {
		t.Fatal(err)
	}

	evicted := r.EvictIdentity("client1", fresh)
	if len(evicted) != 1 || evicted[0] != old {
		t.Fatalf("got %d evicted, want just the old conn", len(evicted))
	}
	if _, err := r.ClientOf(id1, "client1"); err != ErrNoClient {
		t.Fatalf("old registration survived eviction: %v", err)
	}
	if _, err := r.ClientOf(id2, "client1"); err != nil {
		t.Fatalf("eviction removed the excepted conn: %v", err)
	}
}

func TestRemoveReturnsViewers(t *testing.T) {
	r := newTestRegistry("11111111")
	id, _, _, err := r.Claim("", "keyA", &fakeConn{connected: true})
	if err != nil {
		t.Fatal(err)
	}
	viewer := &fakeConn{connected: true}
	if err := r.AddClient(id, "client1", viewer); err != nil {
		t.Fatal(err)
	}
	viewers := r.Remove(id)
	if len(viewers) != 1 || viewers[0] != viewer {
		t.Fatalf("got %d viewers, want 1", len(viewers))
	}
	if r.Len() != 0 {
		t.Fatalf("got %d streams after removal, want 0", r.Len())
	}
	if r.Remove(id) != nil {
		t.Fatal("removing a missing stream should return nil")
	}
}

func TestDropHostOnlyRemovesOwnRoom(t *testing.T) {
	r := newTestRegistry("11111111")
	oldHost := &fakeConn{connected: true}
	if _, _, _, err := r.Claim("33333333", "keyA", oldHost); err != nil {
		t.Fatal(err)
	}
	newHost := &fakeConn{connected: true}
	if _, _, _, err := r.Claim("33333333", "keyA", newHost); err != nil {
		t.Fatal(err)
	}

	// The replaced host disconnecting must not tear down the room the
	// new connection now owns.
	if id, _ := r.DropHost(oldHost); id != "" {
		t.Fatalf("stale host dropped room %q", id)
	}
	if r.Len() != 1 {
		t.Fatalf("got %d streams, want 1", r.Len())
	}

	id, _ := r.DropHost(newHost)
	if id != "33333333" {
		t.Fatalf("got dropped id %q, want 33333333", id)
	}
	if r.Len() != 0 {
		t.Fatalf("got %d streams, want 0", r.Len())
	}
}
