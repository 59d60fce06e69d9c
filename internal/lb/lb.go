package lb

import (
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/fabian4/ipam-gateway/internal/config"
)

// ErrNoEndpoint is reported when a service has nothing left to try.
var ErrNoEndpoint = errors.New("no upstream endpoint available")

type Endpoint interface {
	URL() *url.URL
	Role() string
	Feedback(success bool)
}

// Observer is told when an endpoint is marked unavailable or recovers.
type Observer func(service string, ep *url.URL, role string, up bool)

// Pool holds the endpoints of one service split by role.
// Primaries are preferred; backups are only planned after a primary.
type Pool struct {
	mu          sync.Mutex
	service     string
	primaries   []*peer
	backups     []*peer
	maxFails    int
	failTimeout time.Duration
	observe     Observer
	now         func() time.Time
}

type peer struct {
	url           *url.URL
	role          string
	weight        int
	currentWeight int

	// Passive health
	fails     int
	skipUntil time.Time
	down      bool
}

func NewPool(svc config.Service, observe Observer) *Pool {
	p := &Pool{
		service:     svc.Name,
		maxFails:    svc.MaxFails,
		failTimeout: svc.FailTimeout,
		observe:     observe,
		now:         time.Now,
	}
	for _, e := range svc.Endpoints {
		w := e.Weight
		if w <= 0 {
			w = 1
		}
		pe := &peer{url: e.URL, role: e.Role, weight: w}
		if e.Role == config.RoleBackup {
			p.backups = append(p.backups, pe)
		} else {
			p.primaries = append(p.primaries, pe)
		}
	}
	return p
}

// Plan returns the endpoints to try for one request, in order, at most n.
// Healthy primaries come first; backups are planned only once no untried
// healthy primary is left. When every endpoint is marked unavailable health
// is ignored, so a recovered host gets probed instead of the service failing
// closed.
func (p *Pool) Plan(n int) []Endpoint {
	if n <= 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var picked []*peer
	add := func(peers []*peer, healthyOnly bool) bool {
		if len(picked) >= n {
			return false
		}
		pe := p.pick(peers, now, healthyOnly, picked)
		if pe == nil {
			return false
		}
		picked = append(picked, pe)
		return true
	}

	for add(p.primaries, true) {
	}
	for add(p.backups, true) {
	}

	if len(picked) == 0 {
		for add(p.primaries, false) {
		}
		for add(p.backups, false) {
		}
	}

	out := make([]Endpoint, len(picked))
	for i, pe := range picked {
		out[i] = &peerEndpoint{p: pe, b: p}
	}
	return out
}

// pick runs one smooth weighted round robin step over peers, skipping the
// excluded ones and, when healthyOnly is set, the ones marked unavailable.
func (p *Pool) pick(peers []*peer, now time.Time, healthyOnly bool, exclude []*peer) *peer {
	var best *peer
	total := 0

	for _, pe := range peers {
		if contains(exclude, pe) {
			continue
		}
		if healthyOnly && !pe.skipUntil.IsZero() && now.Before(pe.skipUntil) {
			continue
		}
		pe.currentWeight += pe.weight
		total += pe.weight
		if best == nil || pe.currentWeight > best.currentWeight {
			best = pe
		}
	}

	if best == nil {
		return nil
	}
	best.currentWeight -= total
	return best
}

func contains(ps []*peer, x *peer) bool {
	for _, p := range ps {
		if p == x {
			return true
		}
	}
	return false
}

// Snapshot reports the health of every endpoint, primaries first.
func (p *Pool) Snapshot() []Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	out := make([]Status, 0, len(p.primaries)+len(p.backups))
	for _, group := range [][]*peer{p.primaries, p.backups} {
		for _, pe := range group {
			out = append(out, Status{
				URL:       pe.url.String(),
				Role:      pe.role,
				Available: pe.skipUntil.IsZero() || !now.Before(pe.skipUntil),
				Fails:     pe.fails,
			})
		}
	}
	return out
}

type Status struct {
	URL       string `json:"url"`
	Role      string `json:"role"`
	Available bool   `json:"available"`
	Fails     int    `json:"fails"`
}

type peerEndpoint struct {
	p *peer
	b *Pool
}

func (e *peerEndpoint) URL() *url.URL {
	return e.p.url
}

func (e *peerEndpoint) Role() string {
	return e.p.role
}

func (e *peerEndpoint) Feedback(success bool) {
	e.b.mu.Lock()
	var changed, up bool
	if success {
		e.p.fails = 0
		e.p.skipUntil = time.Time{}
		if e.p.down {
			e.p.down = false
			changed, up = true, true
		}
	} else {
		e.p.fails++
		if e.b.maxFails > 0 && e.p.fails >= e.b.maxFails {
			e.p.skipUntil = e.b.now().Add(e.b.failTimeout)
			if !e.p.down {
				e.p.down = true
				changed = true
			}
		}
	}
	observe := e.b.observe
	e.b.mu.Unlock()

	if changed && observe != nil {
		observe(e.b.service, e.p.url, e.p.role, up)
	}
}
