package balance

import (
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
)

// ErrNoTargets means the healthy target list is empty. TCP/UDP fronts refuse
// the connection; HTTP fronts answer 503.
var ErrNoTargets = errors.New("no targets available")

// Request carries the per-connection context strategies may consult.
type Request struct {
	ClientAddr string
	ClientZone string
	Key        string
}

// KeySelector extracts the hash key from a request. Endpoints using the hash
// strategy must supply one.
type KeySelector func(*Request) string

// Strategy picks one target from the healthy list. Implementations are safe
// for concurrent use.
type Strategy interface {
	Name() string
	Select(targets []*Target, req *Request) (*Target, error)
}

// New builds a strategy by its configured name. keySel is required for
// "hash" and ignored elsewhere.
func New(name string, keySel KeySelector) (Strategy, error) {
	switch name {
	case "least-connections", "":
		return leastConnections{}, nil
	case "round-robin":
		return &roundRobin{}, nil
	case "random":
		return randomPick{}, nil
	case "weighted-round-robin":
		return &weightedRoundRobin{}, nil
	case "hash":
		if keySel == nil {
			return nil, fmt.Errorf("hash strategy requires a key selector")
		}
		return &hashPick{selector: keySel}, nil
	case "least-response-time":
		return leastResponseTime{}, nil
	case "zone":
		return zoneAffinity{}, nil
	default:
		return nil, fmt.Errorf("unknown load-balancing algorithm %q", name)
	}
}

// leastConnections picks the minimum currentConnections; ties break by list
// order.
type leastConnections struct{}

func (leastConnections) Name() string { return "least-connections" }

func (leastConnections) Select(targets []*Target, _ *Request) (*Target, error) {
	if len(targets) == 0 {
		return nil, ErrNoTargets
	}
	best := targets[0]
	for _, t := range targets[1:] {
		if t.CurrentConnections() < best.CurrentConnections() {
			best = t
		}
	}
	return best, nil
}

// roundRobin cycles a shared index.
type roundRobin struct {
	mu   sync.Mutex
	next int
}

func (*roundRobin) Name() string { return "round-robin" }

func (r *roundRobin) Select(targets []*Target, _ *Request) (*Target, error) {
	if len(targets) == 0 {
		return nil, ErrNoTargets
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	t := targets[r.next%len(targets)]
	r.next = (r.next + 1) % len(targets)
	return t, nil
}

// randomPick selects uniformly.
type randomPick struct{}

func (randomPick) Name() string { return "random" }

func (randomPick) Select(targets []*Target, _ *Request) (*Target, error) {
	if len(targets) == 0 {
		return nil, ErrNoTargets
	}
	return targets[rand.Intn(len(targets))], nil
}

// weightedRoundRobin is the classic gcd scheme: a cursor walks the list
// while a current-weight threshold descends from max(weights) in gcd steps;
// a target is returned only when its weight reaches the threshold. Over a
// full cycle of sum(weights)/gcd selections each target appears exactly
// weight/gcd times.
type weightedRoundRobin struct {
	mu sync.Mutex
	i  int
	cw int
	n  int // list length the cursor was built for
}

func (*weightedRoundRobin) Name() string { return "weighted-round-robin" }

func (w *weightedRoundRobin) Select(targets []*Target, _ *Request) (*Target, error) {
	if len(targets) == 0 {
		return nil, ErrNoTargets
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.n != len(targets) {
		w.i, w.cw, w.n = -1, 0, len(targets)
	}

	step := weightGCD(targets)
	max := maxWeight(targets)
	for {
		w.i = (w.i + 1) % len(targets)
		if w.i == 0 {
			w.cw -= step
			if w.cw <= 0 {
				w.cw = max
			}
		}
		if targets[w.i].EffectiveWeight() >= w.cw {
			return targets[w.i], nil
		}
	}
}

func weightGCD(targets []*Target) int {
	g := 0
	for _, t := range targets {
		g = gcd(g, t.EffectiveWeight())
	}
	if g == 0 {
		return 1
	}
	return g
}

func maxWeight(targets []*Target) int {
	m := 0
	for _, t := range targets {
		if w := t.EffectiveWeight(); w > m {
			m = w
		}
	}
	return m
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// hashPick maps a request key deterministically onto the list with FNV-1a.
type hashPick struct {
	selector KeySelector
}

func (*hashPick) Name() string { return "hash" }

func (h *hashPick) Select(targets []*Target, req *Request) (*Target, error) {
	if len(targets) == 0 {
		return nil, ErrNoTargets
	}
	key := ""
	if req != nil {
		key = h.selector(req)
	}
	if key == "" {
		key = "empty-key"
	}
	f := fnv.New32a()
	f.Write([]byte(key))
	return targets[int(f.Sum32())%len(targets)], nil
}

// leastResponseTime picks the minimum EWMA response time.
type leastResponseTime struct{}

func (leastResponseTime) Name() string { return "least-response-time" }

func (leastResponseTime) Select(targets []*Target, _ *Request) (*Target, error) {
	if len(targets) == 0 {
		return nil, ErrNoTargets
	}
	best := targets[0]
	for _, t := range targets[1:] {
		if t.AverageResponseTime() < best.AverageResponseTime() {
			best = t
		}
	}
	return best, nil
}

// zoneAffinity prefers targets in the client's zone and falls back to
// least-connections over the full set.
type zoneAffinity struct{}

func (zoneAffinity) Name() string { return "zone" }

func (zoneAffinity) Select(targets []*Target, req *Request) (*Target, error) {
	if len(targets) == 0 {
		return nil, ErrNoTargets
	}
	if req != nil && req.ClientZone != "" {
		var same []*Target
		for _, t := range targets {
			if t.Zone == req.ClientZone {
				same = append(same, t)
			}
		}
		if len(same) > 0 {
			return leastConnections{}.Select(same, req)
		}
	}
	return leastConnections{}.Select(targets, req)
}
