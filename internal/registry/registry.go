// Package registry tracks live streams: which connection hosts each
// stream id, which key pair owns it, and which viewer connections have
// joined. It is the single source of truth the signaling layer consults
// before relaying anything.
package registry

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"
)

// StreamIDLen is the number of decimal digits in a stream id.
const StreamIDLen = 8

var (
	ErrNoStream = errors.New("no such stream")
	ErrNoClient = errors.New("no such client in stream")
)

// Conn is the slice of a signaling connection the registry needs.
type Conn interface {
	Connected() bool
}

type room struct {
	host    Conn
	pubKey  string
	started bool
	clients map[string]Conn
}

type Registry struct {
	mu    sync.Mutex
	rooms map[string]*room

	// randID is swapped out by tests for deterministic ids.
	randID func() (string, error)
}

func New() *Registry {
	return &Registry{
		rooms:  make(map[string]*room),
		randID: randomID,
	}
}

// ValidateID reports whether id is a well-formed stream id: exactly
// eight ASCII digits, nothing else.
func ValidateID(id string) bool {
	if len(id) != StreamIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < '0' || id[i] > '9' {
			return false
		}
	}
	return true
}

func randomID() (string, error) {
	// Leading zeros are fine; ids are strings, not numbers.
	n, err := rand.Int(rand.Reader, big.NewInt(100_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%08d", n.Int64()), nil
}

// Claim registers host as the owner of a stream and returns its id.
// With requestedID empty a fresh unused id is generated. With a
// requestedID that already exists, ownership is arbitrated by pubKey:
// the same key reclaims the stream (the previous host connection is
// returned so the caller can shut it down, and any joined viewers are
// returned for eviction); a different key silently gets a fresh id
// instead, so a stranger cannot probe which ids are live.
func (r *Registry) Claim(requestedID, pubKey string, host Conn) (id string, prevHost Conn, evicted []Conn, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if requestedID != "" {
		existing, ok := r.rooms[requestedID]
		if !ok {
			r.rooms[requestedID] = &room{host: host, pubKey: pubKey, clients: make(map[string]Conn)}
			return requestedID, nil, nil, nil
		}
		if existing.pubKey == pubKey {
			prevHost = existing.host
			for _, c := range existing.clients {
				evicted = append(evicted, c)
			}
			r.rooms[requestedID] = &room{host: host, pubKey: pubKey, clients: make(map[string]Conn)}
			return requestedID, prevHost, evicted, nil
		}
		// Different key: fall through to a fresh allocation.
	}

	id, err = r.freshIDLocked()
	if err != nil {
		return "", nil, nil, err
	}
	r.rooms[id] = &room{host: host, pubKey: pubKey, clients: make(map[string]Conn)}
	return id, nil, nil, nil
}

func (r *Registry) freshIDLocked() (string, error) {
	for {
		id, err := r.randID()
		if err != nil {
			return "", err
		}
		if _, taken := r.rooms[id]; !taken {
			return id, nil
		}
	}
}

// HostOf returns the host connection for id.
func (r *Registry) HostOf(id string) (Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[id]
	if !ok {
		return nil, ErrNoStream
	}
	return rm.host, nil
}

// SetStarted flips the stream's live flag. The flag is advisory state
// for the signaling layer; it never gates joins.
func (r *Registry) SetStarted(id string, started bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[id]
	if !ok {
		return ErrNoStream
	}
	rm.started = started
	return nil
}

func (r *Registry) Started(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[id]
	return ok && rm.started
}

// AddClient records a viewer connection under its client id.
func (r *Registry) AddClient(id, clientID string, c Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[id]
	if !ok {
		return ErrNoStream
	}
	rm.clients[clientID] = c
	return nil
}

// RemoveClient forgets a viewer, but only while c is still the
// connection registered under clientID. A stale connection's teardown
// must not unregister the fresh connection that replaced it. Missing
// entries are not an error; leave and evict race with disconnect
// cleanup.
func (r *Registry) RemoveClient(id, clientID string, c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rm, ok := r.rooms[id]; ok && rm.clients[clientID] == c {
		delete(rm.clients, clientID)
	}
}

// EvictIdentity removes every viewer registered under clientID on any
// stream, except the given connection, and returns the removed
// connections. One identity gets one live session.
func (r *Registry) EvictIdentity(clientID string, except Conn) []Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Conn
	for _, rm := range r.rooms {
		if c, ok := rm.clients[clientID]; ok && c != except {
			delete(rm.clients, clientID)
			out = append(out, c)
		}
	}
	return out
}

// ClientOf returns the viewer connection registered under clientID.
func (r *Registry) ClientOf(id, clientID string) (Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[id]
	if !ok {
		return nil, ErrNoStream
	}
	c, ok := rm.clients[clientID]
	if !ok {
		return nil, ErrNoClient
	}
	return c, nil
}

// ClientsOf returns all viewer connections currently joined.
func (r *Registry) ClientsOf(id string) []Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[id]
	if !ok {
		return nil
	}
	out := make([]Conn, 0, len(rm.clients))
	for _, c := range rm.clients {
		out = append(out, c)
	}
	return out
}

// Remove drops the stream entirely and returns the viewers that were
// joined so the caller can notify them.
func (r *Registry) Remove(id string) []Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[id]
	if !ok {
		return nil
	}
	delete(r.rooms, id)
	out := make([]Conn, 0, len(rm.clients))
	for _, c := range rm.clients {
		out = append(out, c)
	}
	return out
}

// DropHost removes the stream hosted by host, if any, and returns its
// id plus the viewers to notify. A host that reclaimed its id from an
// older connection must not let that older connection's teardown drop
// the room, so the room is only removed when host is still its owner.
func (r *Registry) DropHost(host Conn) (string, []Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, rm := range r.rooms {
		if rm.host != host {
			continue
		}
		delete(r.rooms, id)
		out := make([]Conn, 0, len(rm.clients))
		for _, c := range rm.clients {
			out = append(out, c)
		}
		return id, out
	}
	return "", nil
}

// Len reports the number of live streams.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}
