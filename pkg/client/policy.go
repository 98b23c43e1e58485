package client

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"github.com/workernodes/workernodes/pkg/models"
)

// Policy selects the node that receives the next worker. Implementations
// must be safe for concurrent use.
type Policy interface {
	Name() string
	Pick(nodes []*NodeClient) (*NodeClient, error)
}

// NewPolicy builds a placement policy by name.
func NewPolicy(name string) (Policy, error) {
	switch name {
	case "", "random":
		return NewRandomPolicy(), nil
	case "incremental":
		return &IncrementalPolicy{}, nil
	case "balancing":
		return &BalancingPolicy{}, nil
	default:
		return nil, fmt.Errorf("unknown placement policy %q", name)
	}
}

// RandomPolicy picks a node uniformly at random.
type RandomPolicy struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewRandomPolicy creates a random policy with its own source.
func NewRandomPolicy() *RandomPolicy {
	return &RandomPolicy{rnd: rand.New(rand.NewSource(rand.Int63()))}
}

func (p *RandomPolicy) Name() string { return "random" }

func (p *RandomPolicy) Pick(nodes []*NodeClient) (*NodeClient, error) {
	if len(nodes) == 0 {
		return nil, models.ErrNoNodeAvailable
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return nodes[p.rnd.Intn(len(nodes))], nil
}

// IncrementalPolicy walks the registration order round-robin.
type IncrementalPolicy struct {
	mu     sync.Mutex
	cursor int
}

func (p *IncrementalPolicy) Name() string { return "incremental" }

func (p *IncrementalPolicy) Pick(nodes []*NodeClient) (*NodeClient, error) {
	if len(nodes) == 0 {
		return nil, models.ErrNoNodeAvailable
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	node := nodes[p.cursor%len(nodes)]
	p.cursor++
	return node, nil
}

// BalancingPolicy orders sampled nodes by mean CPU usage and walks that
// order round-robin. Nodes that have never been probed are skipped; when no
// samples exist at all, the first registered node is used.
type BalancingPolicy struct {
	mu     sync.Mutex
	cursor int
}

func (p *BalancingPolicy) Name() string { return "balancing" }

func (p *BalancingPolicy) Pick(nodes []*NodeClient) (*NodeClient, error) {
	if len(nodes) == 0 {
		return nil, models.ErrNoNodeAvailable
	}

	type sampled struct {
		node *NodeClient
		mean float64
	}
	candidates := make([]sampled, 0, len(nodes))
	for _, n := range nodes {
		if s := n.LoadSample(); s != nil {
			candidates = append(candidates, sampled{node: n, mean: s.MeanCPUUsage()})
		}
	}
	if len(candidates) == 0 {
		return nodes[0], nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].mean > candidates[j].mean
	})

	p.mu.Lock()
	defer p.mu.Unlock()
	node := candidates[p.cursor%len(candidates)].node
	p.cursor++
	return node, nil
}
