package icepool

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/pion/stun/v3"

	"github.com/screenstream/relay/internal/turnrest"
)

// fakeSTUNServer answers binding requests on a local UDP socket.
func fakeSTUNServer(t *testing.T, respond bool) *net.UDPAddr {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}
	t.Cleanup(func() { pc.Close() })

	go func() {
		buf := make([]byte, 1500)
		for {
			n, addr, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			if !respond || !stun.IsMessage(buf[:n]) {
				continue
			}
			req := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
			if err := req.Decode(); err != nil {
				continue
			}
			resp := stun.MustBuild(req, stun.BindingSuccess, stun.Fingerprint)
			_, _ = pc.WriteTo(resp.Raw, addr)
		}
	}()

	return pc.LocalAddr().(*net.UDPAddr)
}

func dialTo(addr *net.UDPAddr) func(string) (net.Conn, error) {
	return func(string) (net.Conn, error) {
		return net.DialUDP("udp", nil, addr)
	}
}

func TestCheckAll_MarksResponderActive(t *testing.T) {
	addr := fakeSTUNServer(t, true)

	p := New(Config{
		Seeds:        []string{"responder.example"},
		ProbeTimeout: 2 * time.Second,
		Dial:         dialTo(addr),
	})

	p.CheckAll(context.Background())
	if got := p.ActiveCount(); got != 1 {
		t.Fatalf("ActiveCount: got %d, want 1", got)
	}
}

func TestCheckAll_MarksSilentHostInactive(t *testing.T) {
	addr := fakeSTUNServer(t, false)

	p := New(Config{
		Seeds:        []string{"silent.example"},
		ProbeTimeout: 200 * time.Millisecond,
		Dial:         dialTo(addr),
	})

	p.CheckAll(context.Background())
	if got := p.ActiveCount(); got != 0 {
		t.Fatalf("ActiveCount: got %d, want 0", got)
	}

	// A recovered host rejoins the pool on its next probe.
	addr2 := fakeSTUNServer(t, true)
	p.cfg.Dial = dialTo(addr2)
	p.checkHosts(context.Background(), p.inactiveHosts())
	if got := p.ActiveCount(); got != 1 {
		t.Fatalf("ActiveCount after recovery: got %d, want 1", got)
	}
}

func TestServersFor_FallbackWhenPoolEmpty(t *testing.T) {
	p := New(Config{Seeds: []string{"down.example"}})
	p.mark("down.example", false)

	servers := p.ServersFor("client1")
	if len(servers) != 2 {
		t.Fatalf("got %d servers, want 2", len(servers))
	}
	for _, s := range servers {
		if s.URLs[0] != fallbackSTUNURL {
			t.Fatalf("URL: got %q, want fallback %q", s.URLs[0], fallbackSTUNURL)
		}
	}
}

func TestServersFor_WithTURN(t *testing.T) {
	gen, err := turnrest.NewGenerator(turnrest.GeneratorConfig{
		SharedSecret: "secret",
		TTLSeconds:   3600,
		Now:          func() time.Time { return time.Unix(1000, 0).UTC() },
	})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}

	p := New(Config{
		Seeds:        []string{"stun.example"},
		ServerOrigin: "screenstream.io",
		TURN:         gen,
	})

	servers := p.ServersFor("client1")
	if len(servers) != 2 {
		t.Fatalf("got %d servers, want 2", len(servers))
	}
	if !strings.HasPrefix(servers[0].URLs[0], "stun:") {
		t.Fatalf("first server: got %q, want stun entry", servers[0].URLs[0])
	}
	turn := servers[1]
	if turn.URLs[0] != "turn:turn.screenstream.io:3478?transport=udp" {
		t.Fatalf("turn URL: got %q", turn.URLs[0])
	}
	if turn.Username != "4600:client1" {
		t.Fatalf("turn username: got %q, want %q", turn.Username, "4600:client1")
	}
	if turn.Credential == "" {
		t.Fatalf("expected non-empty turn credential")
	}
}

func TestServersFor_TwoDistinctSTUNWithoutTURN(t *testing.T) {
	p := New(Config{Seeds: []string{"a.example", "b.example"}})

	servers := p.ServersFor("client1")
	if len(servers) != 2 {
		t.Fatalf("got %d servers, want 2", len(servers))
	}
	if servers[0].URLs[0] == servers[1].URLs[0] {
		t.Fatalf("expected distinct stun entries, got %q twice", servers[0].URLs[0])
	}
}
