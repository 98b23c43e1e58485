package client

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/workernodes/workernodes/pkg/bundler"
	"github.com/workernodes/workernodes/pkg/logging"
	"github.com/workernodes/workernodes/pkg/models"
	"github.com/workernodes/workernodes/pkg/retry"
)

// Config configures a dispatch client.
type Config struct {
	// Policy names the placement policy: random, incremental, or balancing.
	// Empty means random. Ignored when PolicyImpl is set.
	Policy string

	// PolicyImpl overrides the named policy with a custom implementation.
	PolicyImpl Policy

	// Bundler turns entrypoints into self-contained artifacts. Nil means a
	// passthrough copy for callers whose entrypoints need no bundling.
	Bundler bundler.Bundler

	// KeepWorkersOnDisconnect leaves workers running when the client's
	// streams drop. Off by default: a vanished caller takes its workers
	// down with it.
	KeepWorkersOnDisconnect bool

	// Retry tunes upload and reconnect backoff. Zero value means defaults.
	Retry retry.Config

	Log *logging.Logger
}

// Client dispatches workers onto a set of registered nodes.
type Client struct {
	policy   Policy
	bundler  bundler.Bundler
	retryCfg retry.Config
	keep     bool
	log      *logging.Logger

	mu    sync.Mutex
	nodes []*NodeClient
}

// New creates a dispatch client.
func New(cfg Config) (*Client, error) {
	policy := cfg.PolicyImpl
	if policy == nil {
		var err error
		policy, err = NewPolicy(cfg.Policy)
		if err != nil {
			return nil, err
		}
	}

	b := cfg.Bundler
	if b == nil {
		b = &bundler.Passthrough{}
	}

	retryCfg := cfg.Retry
	if retryCfg.MaxRetries == 0 && retryCfg.InitialBackoff == 0 {
		retryCfg = retry.DefaultConfig()
	}

	log := cfg.Log
	if log == nil {
		log = logging.NewLogger(logging.INFO, false)
	}

	return &Client{
		policy:   policy,
		bundler:  b,
		retryCfg: retryCfg,
		keep:     cfg.KeepWorkersOnDisconnect,
		log:      log,
	}, nil
}

// AddNode registers a node by URL. Credentials may be embedded in the URL
// userinfo. Registration order is preserved for the placement policies.
func (c *Client) AddNode(rawURL string) (*NodeClient, error) {
	node, err := NewNodeClient(rawURL, c.log)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.nodes = append(c.nodes, node)
	c.mu.Unlock()
	return node, nil
}

// AddNodeWithCredentials registers a node with an explicit credential pair.
func (c *Client) AddNodeWithCredentials(rawURL string, creds models.Credentials) (*NodeClient, error) {
	node, err := NewNodeClientWithCredentials(rawURL, creds, c.log)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.nodes = append(c.nodes, node)
	c.mu.Unlock()
	return node, nil
}

// Nodes returns the registered nodes in registration order.
func (c *Client) Nodes() []*NodeClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*NodeClient, len(c.nodes))
	copy(out, c.nodes)
	return out
}

// Spawn places a worker on a node chosen by the policy. The entrypoint is
// bundled, uploaded if the node does not already hold the fingerprint, and
// the worker started. The returned handle is live once Spawn returns.
func (c *Client) Spawn(ctx context.Context, entrypoint string, opts models.SpawnOptions) (*Handle, error) {
	node, err := c.policy.Pick(c.Nodes())
	if err != nil {
		return nil, err
	}

	if _, err := node.Info(ctx); err != nil {
		return nil, err
	}

	artifact, err := c.bundler.Bundle(ctx, entrypoint)
	if err != nil {
		return nil, fmt.Errorf("failed to bundle entrypoint: %w", err)
	}
	defer os.Remove(artifact)

	hash, err := c.ensureBundle(ctx, node, artifact)
	if err != nil {
		return nil, err
	}

	createReq := models.CreateWorkerRequest{
		BundleHash:       hash,
		ExtraData:        opts,
		ExitOnRequestEnd: !c.keep,
	}
	// The event stream outlives the Spawn call and must not inherit the
	// caller's deadline; it ends with the worker.
	id, events, err := node.CreateWorker(context.Background(), createReq)
	if err != nil {
		return nil, err
	}

	c.log.Info("Worker spawned", map[string]interface{}{
		"worker_id": id,
		"node":      node.BaseURL(),
		"bundle":    hash,
	})

	node.workerStarted()
	h := newHandle(node, id, opts.Stdin, c.retryCfg, c.log.WithField("worker_id", id))
	go h.demux(events)
	go h.maintainControl()
	return h, nil
}

// ensureBundle uploads the artifact unless the node already holds its
// fingerprint. The describe-then-put with a fresh describe each attempt
// keeps concurrent spawns of the same content down to a single upload.
func (c *Client) ensureBundle(ctx context.Context, node *NodeClient, artifact string) (string, error) {
	hash, _, err := bundler.Fingerprint(artifact)
	if err != nil {
		return "", err
	}

	err = retry.Do(ctx, c.retryCfg, func() error {
		_, found, err := node.DescribeBundle(ctx, hash)
		if err != nil {
			return err
		}
		if found {
			return nil
		}

		if err := node.CreateBundle(ctx, hash); err != nil {
			return err
		}
		f, err := os.Open(artifact)
		if err != nil {
			return err
		}
		defer f.Close()
		return node.PutBundleData(ctx, hash, f)
	})
	if err != nil {
		return "", fmt.Errorf("bundle upload to %s failed: %w", node.BaseURL(), err)
	}
	return hash, nil
}
