package client

import (
	"errors"
	"testing"

	"github.com/workernodes/workernodes/pkg/models"
)

func fakeNode(name string, usage ...float64) *NodeClient {
	n := &NodeClient{baseURL: "http://" + name}
	if len(usage) > 0 {
		n.sample = &models.HealthStatus{CPUUsage: usage}
	}
	return n
}

func TestNewPolicy(t *testing.T) {
	for _, name := range []string{"", "random", "incremental", "balancing"} {
		if _, err := NewPolicy(name); err != nil {
			t.Errorf("NewPolicy(%q) failed: %v", name, err)
		}
	}
	if _, err := NewPolicy("weighted"); err == nil {
		t.Error("unknown policy name should be rejected")
	}
}

func TestPoliciesRejectEmptyNodeSet(t *testing.T) {
	for _, name := range []string{"random", "incremental", "balancing"} {
		p, err := NewPolicy(name)
		if err != nil {
			t.Fatalf("NewPolicy(%q): %v", name, err)
		}
		if _, err := p.Pick(nil); !errors.Is(err, models.ErrNoNodeAvailable) {
			t.Errorf("%s: err = %v, want ErrNoNodeAvailable", name, err)
		}
	}
}

func TestRandomPolicyPicksRegisteredNode(t *testing.T) {
	nodes := []*NodeClient{fakeNode("a"), fakeNode("b"), fakeNode("c")}
	p := NewRandomPolicy()
	for i := 0; i < 20; i++ {
		n, err := p.Pick(nodes)
		if err != nil {
			t.Fatalf("pick failed: %v", err)
		}
		found := false
		for _, candidate := range nodes {
			if candidate == n {
				found = true
			}
		}
		if !found {
			t.Fatalf("picked node %q not in set", n.BaseURL())
		}
	}
}

func TestIncrementalPolicyRoundRobin(t *testing.T) {
	nodes := []*NodeClient{fakeNode("a"), fakeNode("b"), fakeNode("c")}
	p := &IncrementalPolicy{}

	want := []*NodeClient{nodes[0], nodes[1], nodes[2], nodes[0], nodes[1]}
	for i, expected := range want {
		got, err := p.Pick(nodes)
		if err != nil {
			t.Fatalf("pick %d failed: %v", i, err)
		}
		if got != expected {
			t.Errorf("pick %d = %q, want %q", i, got.BaseURL(), expected.BaseURL())
		}
	}
}

func TestBalancingPolicyOrdersByMeanUsage(t *testing.T) {
	idle := fakeNode("idle", 0.1, 0.1)
	busy := fakeNode("busy", 0.9, 0.7)
	mid := fakeNode("mid", 0.5)
	nodes := []*NodeClient{idle, busy, mid}

	p := &BalancingPolicy{}

	// Descending mean usage, then wrap.
	want := []*NodeClient{busy, mid, idle, busy}
	for i, expected := range want {
		got, err := p.Pick(nodes)
		if err != nil {
			t.Fatalf("pick %d failed: %v", i, err)
		}
		if got != expected {
			t.Errorf("pick %d = %q, want %q", i, got.BaseURL(), expected.BaseURL())
		}
	}
}

func TestBalancingPolicySkipsUnsampledNodes(t *testing.T) {
	unprobed := fakeNode("unprobed")
	sampled := fakeNode("sampled", 0.4)
	p := &BalancingPolicy{}

	for i := 0; i < 3; i++ {
		got, err := p.Pick([]*NodeClient{unprobed, sampled})
		if err != nil {
			t.Fatalf("pick failed: %v", err)
		}
		if got != sampled {
			t.Fatalf("pick = %q, want the sampled node", got.BaseURL())
		}
	}
}

func TestBalancingPolicyFallsBackToFirstNode(t *testing.T) {
	first := fakeNode("first")
	p := &BalancingPolicy{}
	got, err := p.Pick([]*NodeClient{first, fakeNode("second")})
	if err != nil {
		t.Fatalf("pick failed: %v", err)
	}
	if got != first {
		t.Errorf("pick = %q, want the first registered node", got.BaseURL())
	}
}
