package roverpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ethereum/go-ethereum/log"

	"github.com/blockcollider/rover/internal/unified"
)

// frame is the single wire envelope multiplexed over the one websocket
// connection backing rover.join/collectBlock/reportSyncStatus/
// isBeforeSettleHeight — a bidirectional streaming RPC collapsed onto one
// full-duplex socket, since the canonical schema is owned by the parent
// coordinator.
type frame struct {
	ID     uint64          `json:"id,omitempty"`
	Kind   string          `json:"kind"`
	Chain  string          `json:"chain,omitempty"`
	Dir    *Directive      `json:"directive,omitempty"`
	Block  *unified.UnifiedBlock `json:"block,omitempty"`
	Status *SyncStatus     `json:"status,omitempty"`
	From   string          `json:"from,omitempty"`
	To     string          `json:"to,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

const (
	kindDirective     = "directive"
	kindCollectBlock  = "collect_block"
	kindSyncStatus    = "sync_status"
	kindSettleQuery   = "settle_query"
	kindResponse      = "response"
)

// WSClient implements Client over a gorilla/websocket connection carrying
// JSON frames.
type WSClient struct {
	conn   *websocket.Conn
	log    log.Logger
	nextID uint64

	mu      sync.Mutex
	pending map[uint64]chan frame
	join    chan Directive
	closed  chan struct{}
	once    sync.Once
}

// Dial connects to the parent coordinator at url.
func Dial(url string) (*WSClient, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("roverpc: dial %s: %w", url, err)
	}
	c := &WSClient{
		conn:    conn,
		log:     log.New("component", "roverpc"),
		pending: make(map[uint64]chan frame),
		join:    make(chan Directive, 16),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *WSClient) readLoop() {
	defer close(c.closed)
	defer close(c.join)
	for {
		var f frame
		if err := c.conn.ReadJSON(&f); err != nil {
			c.log.Debug("roverpc stream closed", "err", err)
			return
		}
		switch {
		case f.Kind == kindDirective && f.Dir != nil:
			select {
			case c.join <- *f.Dir:
			case <-c.closed:
				return
			}
		case f.ID != 0:
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			delete(c.pending, f.ID)
			c.mu.Unlock()
			if ok {
				ch <- f
			}
		}
	}
}

func (c *WSClient) call(ctx context.Context, req frame) (frame, error) {
	id := atomic.AddUint64(&c.nextID, 1)
	req.ID = id
	ch := make(chan frame, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.conn.WriteJSON(req); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return frame{}, fmt.Errorf("roverpc: write %s: %w", req.Kind, err)
	}

	select {
	case resp := <-ch:
		if resp.Error != "" {
			return frame{}, fmt.Errorf("roverpc: %s: %s", req.Kind, resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return frame{}, ctx.Err()
	case <-c.closed:
		return frame{}, fmt.Errorf("roverpc: connection closed while waiting for %s response", req.Kind)
	}
}

// Join implements Client.
func (c *WSClient) Join(ctx context.Context, chain string) (<-chan Directive, error) {
	if err := c.conn.WriteJSON(frame{Kind: "join", Chain: chain}); err != nil {
		return nil, fmt.Errorf("roverpc: join: %w", err)
	}
	return c.join, nil
}

// CollectBlock implements Client.
func (c *WSClient) CollectBlock(ctx context.Context, block unified.UnifiedBlock) error {
	_, err := c.call(ctx, frame{Kind: kindCollectBlock, Block: &block})
	return err
}

// ReportSyncStatus implements Client.
func (c *WSClient) ReportSyncStatus(ctx context.Context, chain string, ok bool) error {
	_, err := c.call(ctx, frame{Kind: kindSyncStatus, Status: &SyncStatus{Chain: chain, OK: ok}})
	return err
}

// IsBeforeSettleHeight implements Client.
func (c *WSClient) IsBeforeSettleHeight(ctx context.Context, from, to, chain string) (bool, error) {
	resp, err := c.call(ctx, frame{Kind: kindSettleQuery, From: from, To: to, Chain: chain})
	if err != nil {
		return false, err
	}
	var result struct {
		Before bool `json:"before"`
	}
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return false, fmt.Errorf("roverpc: decode settle response: %w", err)
		}
	}
	return result.Before, nil
}

// Close implements Client.
func (c *WSClient) Close() error {
	var err error
	c.once.Do(func() {
		err = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.conn.Close()
	})
	return err
}

// SettlementAdapter adapts a Client to unified.SettlementChecker.
type SettlementAdapter struct {
	Client Client
}

// IsBeforeSettleHeight implements unified.SettlementChecker.
func (a SettlementAdapter) IsBeforeSettleHeight(ctx context.Context, from, to string, chain unified.Chain) (bool, error) {
	return a.Client.IsBeforeSettleHeight(ctx, from, to, string(chain))
}
