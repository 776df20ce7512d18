package confab

import (
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// PeerStatus is the latest status reported by one peer address.
type PeerStatus struct {
	Addr   uint32
	Status []byte
}

type statusUpdate struct {
	at   time.Time
	addr uint32
}

// PeerStatusStore keeps the most recent status per peer address and forgets
// addresses that have not reported within the window.
//
// queue holds one entry per received update in arrival order. latest holds
// one entry per address, and every address in latest has at least one entry
// in queue. Both are groomed under mu on every Record and Snapshot.
type PeerStatusStore struct {
	window time.Duration
	now    func() time.Time

	mu     sync.Mutex
	queue  []statusUpdate
	latest map[uint32][]byte
}

func NewPeerStatusStore(window time.Duration) *PeerStatusStore {
	return &PeerStatusStore{
		window: window,
		now:    time.Now,
		latest: make(map[uint32][]byte),
	}
}

func (p *PeerStatusStore) Window() time.Duration { return p.window }

// Record stores status as the current status of addr.
func (p *PeerStatusStore) Record(addr uint32, status []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	p.groomLocked(now)
	p.queue = append(p.queue, statusUpdate{at: now, addr: addr})
	p.latest[addr] = status
}

// Snapshot returns the fresh statuses ordered by address.
func (p *PeerStatusStore) Snapshot() []PeerStatus {
	p.mu.Lock()
	p.groomLocked(p.now())
	out := make([]PeerStatus, 0, len(p.latest))
	for addr, st := range p.latest {
		out = append(out, PeerStatus{Addr: addr, Status: st})
	}
	p.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// Len returns the number of fresh addresses.
func (p *PeerStatusStore) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.groomLocked(p.now())
	return len(p.latest)
}

func (p *PeerStatusStore) groomLocked(now time.Time) {
	drop := now.Add(-p.window)
	n := 0
	for n < len(p.queue) && p.queue[n].at.Before(drop) {
		n++
	}
	if n == 0 {
		// nothing left the window, so latest still matches queue
		return
	}
	p.queue = p.queue[n:]

	live := make(map[uint32]struct{}, len(p.queue))
	for _, u := range p.queue {
		live[u.addr] = struct{}{}
	}
	for addr := range p.latest {
		if _, ok := live[addr]; !ok {
			log.Debugf("dropping stale ip %s from status map", unpackIPv4(addr))
			delete(p.latest, addr)
		}
	}
}
