package server

import (
	"sort"
	"sync"
	"time"
)

// Presence tracks which usernames are currently online, based on
// identify/heartbeat frames and live connection counts.
//
// A user is never marked offline at the moment their socket drops.
// Disconnect only decrements the connection count; the entry survives
// until a sweep finds it past the TTL with no live connections. Brief
// network blips therefore produce no offline/online churn.
type Presence struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]*presenceEntry
}

type presenceEntry struct {
	lastSeen    time.Time
	connections int
	// announced is set once a user_online has been broadcast for this
	// entry. Entries created by REST heartbeats alone are unannounced:
	// they expire silently, with no user_offline for a user no client
	// ever saw come online.
	announced bool
}

// DefaultPresenceTTL is slightly over two missed 30s heartbeats.
const DefaultPresenceTTL = 70 * time.Second

// NewPresence creates a tracker. now may be nil for wall-clock time;
// tests inject a fake.
func NewPresence(ttl time.Duration, now func() time.Time) *Presence {
	if ttl <= 0 {
		ttl = DefaultPresenceTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Presence{
		ttl:     ttl,
		now:     now,
		entries: make(map[string]*presenceEntry),
	}
}

// Identify registers a connection under username and reports whether
// the user just came online (not yet announced). A reconnect within the
// TTL is not a fresh online event, but an identify following only REST
// heartbeats is.
func (p *Presence) Identify(username string) (wentOnline bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[username]
	if !ok {
		e = &presenceEntry{}
		p.entries[username] = e
	}
	if !e.announced {
		e.announced = true
		wentOnline = true
	}
	e.lastSeen = p.now()
	e.connections++
	return wentOnline
}

// Heartbeat refreshes lastSeen. A heartbeat for an unknown user creates
// the entry (first contact may arrive over REST before any identify).
func (p *Presence) Heartbeat(username string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[username]
	if !ok {
		e = &presenceEntry{}
		p.entries[username] = e
	}
	e.lastSeen = p.now()
}

// Disconnect drops one connection for username. The entry stays until
// the TTL elapses without a reconnection.
func (p *Presence) Disconnect(username string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.entries[username]; ok && e.connections > 0 {
		e.connections--
	}
}

// Sweep removes entries whose lastSeen is older than the TTL and whose
// connection count is zero, returning the usernames that went offline.
// Unannounced entries are removed but not reported.
func (p *Presence) Sweep() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := p.now().Add(-p.ttl)
	var offline []string
	for username, e := range p.entries {
		if e.connections == 0 && e.lastSeen.Before(cutoff) {
			delete(p.entries, username)
			if e.announced {
				offline = append(offline, username)
			}
		}
	}
	sort.Strings(offline)
	return offline
}

// Online returns the current online set, sorted.
func (p *Presence) Online() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	users := make([]string, 0, len(p.entries))
	for username := range p.entries {
		users = append(users, username)
	}
	sort.Strings(users)
	return users
}

// SweepInterval is how often the hub runs Sweep: a third of the TTL,
// floored at 5 seconds.
func (p *Presence) SweepInterval() time.Duration {
	iv := p.ttl / 3
	if iv < 5*time.Second {
		iv = 5 * time.Second
	}
	return iv
}
