package liskrover

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

// MaxPageLimit is the Lisk HTTP API's pagination ceiling.
const MaxPageLimit = 100

// Client is the Lisk HTTP polling collaborator standing in for a devp2p
// peer session and pool — Lisk has no peer-to-peer gossip layer, only a
// REST API to poll.
type Client struct {
	http *http.Client
	log  log.Logger

	mu             sync.Mutex
	nodes          []string
	randomizeNodes bool
	bannedPeers    map[string]struct{}
}

// NewClient builds a polling client over candidateNodes, filtering out
// bannedPeers. If randomizeNodes is set, each request picks a random
// surviving node rather than always the first.
func NewClient(candidateNodes []string, randomizeNodes bool, bannedPeers []string) (*Client, error) {
	banned := make(map[string]struct{}, len(bannedPeers))
	for _, b := range bannedPeers {
		banned[b] = struct{}{}
	}
	nodes := make([]string, 0, len(candidateNodes))
	for _, n := range candidateNodes {
		if _, ok := banned[n]; ok {
			continue
		}
		nodes = append(nodes, n)
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("liskrover: no usable nodes (all banned or none configured)")
	}
	return &Client{
		http:           &http.Client{Timeout: 10 * time.Second},
		log:            log.New("component", "liskrover-client"),
		nodes:          nodes,
		randomizeNodes: randomizeNodes,
		bannedPeers:    banned,
	}, nil
}

func (c *Client) pickNode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.randomizeNodes && len(c.nodes) > 1 {
		return c.nodes[rand.Intn(len(c.nodes))]
	}
	return c.nodes[0]
}

type blockEnvelope struct {
	Blocks []nativeBlock `json:"blocks"`
	Data   []nativeBlock `json:"data"`
}

// Blocks fetches one page of [offset, offset+limit) blocks, newest batching
// semantics aside — limit is clamped to MaxPageLimit. The API shape varies
// between a `{blocks:[...]}` and a `{data:[...]}` envelope; both are
// accepted.
func (c *Client) Blocks(ctx context.Context, offset, limit uint64) ([]nativeBlock, error) {
	if limit > MaxPageLimit || limit == 0 {
		limit = MaxPageLimit
	}
	u := fmt.Sprintf("%s/blocks?limit=%d&offset=%d", c.pickNode(), limit, offset)
	var env blockEnvelope
	if err := c.getJSON(ctx, u, &env); err != nil {
		return nil, err
	}
	if len(env.Blocks) > 0 {
		return env.Blocks, nil
	}
	return env.Data, nil
}

type txEnvelope struct {
	Data []nativeTx `json:"data"`
}

// Transactions fetches every transaction belonging to blockID.
func (c *Client) Transactions(ctx context.Context, blockID string) ([]nativeTx, error) {
	u := fmt.Sprintf("%s/transactions?blockId=%s", c.pickNode(), url.QueryEscape(blockID))
	var env txEnvelope
	if err := c.getJSON(ctx, u, &env); err != nil {
		return nil, err
	}
	return env.Data, nil
}

// Height returns the newest known block height (offset 0, limit 1).
func (c *Client) Height(ctx context.Context) (uint64, error) {
	blocks, err := c.Blocks(ctx, 0, 1)
	if err != nil {
		return 0, fmt.Errorf("liskrover: height: %w", err)
	}
	if len(blocks) == 0 {
		return 0, nil
	}
	return blocks[0].Height, nil
}

func (c *Client) getJSON(ctx context.Context, addr string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, addr, nil)
	if err != nil {
		return fmt.Errorf("liskrover: build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("liskrover: request %s: %w", addr, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("liskrover: request %s: status %d", addr, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("liskrover: decode response from %s: %w", addr, err)
	}
	return nil
}
