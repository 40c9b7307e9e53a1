// Package icepool maintains a liveness-checked pool of STUN servers and
// assembles the per-join ICE server set handed to viewers.
package icepool

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"

	"github.com/screenstream/relay/internal/metrics"
	"github.com/screenstream/relay/internal/turnrest"
)

// Well-known public STUN hosts seeding the pool.
var DefaultSeeds = []string{
	"stun.l.google.com",
	"stun1.l.google.com",
	"stun2.l.google.com",
	"stun3.l.google.com",
	"stun4.l.google.com",
}

const (
	DefaultPort = 19302

	DefaultProbeTimeout = 5 * time.Second
	// Active servers are re-verified often enough that a dead entry is
	// dropped before too many sessions get pointed at it.
	DefaultActiveRecheckPeriod = 5 * time.Minute
	// Inactive servers are retried on a longer period so a recovered
	// host rejoins the pool without a process restart.
	DefaultInactiveRecheckPeriod = 30 * time.Minute

	turnPort = 3478
)

// fallbackSTUNURL is used when every pool entry is marked inactive; a
// session with a possibly-dead STUN server beats no session at all.
const fallbackSTUNURL = "stun:stun.l.google.com:19302"

type Config struct {
	Seeds                 []string
	Port                  int
	ProbeTimeout          time.Duration
	ActiveRecheckPeriod   time.Duration
	InactiveRecheckPeriod time.Duration

	// ServerOrigin forms the TURN relay hostname (turn.<origin>).
	ServerOrigin string

	// TURN mints per-client relay credentials. Nil disables TURN entries
	// and a second STUN entry is provided instead.
	TURN *turnrest.Generator

	// Dial overrides UDP dialing for tests.
	Dial func(addr string) (net.Conn, error)

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type Pool struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	active   map[string]struct{}
	inactive map[string]struct{}
	rnd      *rand.Rand
}

func New(cfg Config) *Pool {
	if len(cfg.Seeds) == 0 {
		cfg.Seeds = DefaultSeeds
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.ActiveRecheckPeriod <= 0 {
		cfg.ActiveRecheckPeriod = DefaultActiveRecheckPeriod
	}
	if cfg.InactiveRecheckPeriod <= 0 {
		cfg.InactiveRecheckPeriod = DefaultInactiveRecheckPeriod
	}
	if cfg.Dial == nil {
		cfg.Dial = func(addr string) (net.Conn, error) {
			return net.DialTimeout("udp", addr, cfg.ProbeTimeout)
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	p := &Pool{
		cfg:      cfg,
		log:      cfg.Logger,
		active:   make(map[string]struct{}, len(cfg.Seeds)),
		inactive: make(map[string]struct{}),
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	// Seeds start out trusted; the first probe pass corrects the split.
	for _, host := range cfg.Seeds {
		p.active[host] = struct{}{}
	}
	return p
}

// Run probes the whole pool immediately and then keeps re-verifying it
// until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) {
	p.CheckAll(ctx)

	activeTicker := time.NewTicker(p.cfg.ActiveRecheckPeriod)
	defer activeTicker.Stop()
	inactiveTicker := time.NewTicker(p.cfg.InactiveRecheckPeriod)
	defer inactiveTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-activeTicker.C:
			p.checkHosts(ctx, p.activeHosts())
		case <-inactiveTicker.C:
			p.checkHosts(ctx, p.inactiveHosts())
		}
	}
}

// CheckAll probes every seed host once, concurrently.
func (p *Pool) CheckAll(ctx context.Context) {
	p.checkHosts(ctx, p.cfg.Seeds)
}

func (p *Pool) checkHosts(ctx context.Context, hosts []string) {
	var wg sync.WaitGroup
	for _, host := range hosts {
		wg.Add(1)
		go func(host string) {
			defer wg.Done()
			p.probeAndMark(ctx, host)
		}(host)
	}
	wg.Wait()
}

func (p *Pool) probeAndMark(ctx context.Context, host string) {
	if err := p.probe(ctx, host); err != nil {
		p.log.Warn("stun probe failed", "host", host, "err", err)
		p.cfg.Metrics.Inc(metrics.StunProbeFailed)
		p.mark(host, false)
		return
	}
	p.mark(host, true)
}

// probe sends a STUN binding request and waits briefly for any valid
// STUN response.
func (p *Pool) probe(ctx context.Context, host string) error {
	conn, err := p.cfg.Dial(net.JoinHostPort(host, fmt.Sprintf("%d", p.cfg.Port)))
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(p.cfg.ProbeTimeout))
	}

	req := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	if _, err := conn.Write(req.Raw); err != nil {
		return fmt.Errorf("send binding request: %w", err)
	}

	buf := make([]byte, 1024)
	n, err := conn.Read(buf)
	if err != nil {
		return fmt.Errorf("read binding response: %w", err)
	}
	if !stun.IsMessage(buf[:n]) {
		return fmt.Errorf("not a stun message (%d bytes)", n)
	}
	resp := &stun.Message{Raw: buf[:n]}
	if err := resp.Decode(); err != nil {
		return fmt.Errorf("decode binding response: %w", err)
	}
	return nil
}

func (p *Pool) mark(host string, alive bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if alive {
		p.active[host] = struct{}{}
		delete(p.inactive, host)
	} else {
		delete(p.active, host)
		p.inactive[host] = struct{}{}
	}
}

func (p *Pool) activeHosts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.active))
	for host := range p.active {
		out = append(out, host)
	}
	return out
}

func (p *Pool) inactiveHosts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.inactive))
	for host := range p.inactive {
		out = append(out, host)
	}
	return out
}

// ServersFor assembles the ICE server set minted for one successful
// join. Never cached; TURN credentials embed their own expiry.
func (p *Pool) ServersFor(clientID string) []webrtc.ICEServer {
	first := p.pickSTUN("")

	if p.cfg.TURN == nil {
		return []webrtc.ICEServer{first, p.pickSTUN(first.URLs[0])}
	}

	creds, err := p.cfg.TURN.Generate(clientID)
	if err != nil {
		p.log.Warn("turn credential minting failed", "err", err)
		return []webrtc.ICEServer{first, p.pickSTUN(first.URLs[0])}
	}
	return []webrtc.ICEServer{
		first,
		{
			URLs:       []string{fmt.Sprintf("turn:turn.%s:%d?transport=udp", p.cfg.ServerOrigin, turnPort)},
			Username:   creds.Username,
			Credential: creds.Credential,
		},
	}
}

// pickSTUN selects a random active entry, avoiding avoidURL when the
// pool offers an alternative.
func (p *Pool) pickSTUN(avoidURL string) webrtc.ICEServer {
	p.mu.Lock()
	hosts := make([]string, 0, len(p.active))
	for host := range p.active {
		url := fmt.Sprintf("stun:%s:%d", host, p.cfg.Port)
		if url == avoidURL && len(p.active) > 1 {
			continue
		}
		hosts = append(hosts, host)
	}
	var chosen string
	if len(hosts) > 0 {
		chosen = hosts[p.rnd.Intn(len(hosts))]
	}
	p.mu.Unlock()

	if chosen == "" {
		p.log.Warn("no active stun servers, falling back to default")
		return webrtc.ICEServer{URLs: []string{fallbackSTUNURL}}
	}
	return webrtc.ICEServer{URLs: []string{fmt.Sprintf("stun:%s:%d", chosen, p.cfg.Port)}}
}

// ActiveCount reports the current number of live pool entries.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}
