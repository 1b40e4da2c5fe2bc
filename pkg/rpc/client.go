package rpc

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
)

// Error definitions
var (
	ErrNoAvailableNodes  = errors.New("no available rpc nodes")
	ErrNoNodeMeetsHeight = errors.New("no node meets the required block height")
)

// syncInterval is how often node heights are refreshed in the background
const syncInterval = 5 * time.Second

// MultiClient manages multiple RPC nodes, providing load balancing and failover
type MultiClient struct {
	nodes        []*Node
	globalHeight uint64

	mu sync.RWMutex
}

// NewClient dials every configured node and starts height tracking
func NewClient(ctx context.Context, configs []NodeConfig) (*MultiClient, error) {
	if len(configs) == 0 {
		return nil, errors.New("no rpc configs provided")
	}

	nodes := make([]*Node, 0, len(configs))
	for _, cfg := range configs {
		n, err := NewNode(ctx, cfg)
		if err != nil {
			// A single unreachable node is tolerated as long as one connects
			log.Warn("Failed to dial rpc node", "url", cfg.URL, "err", err)
			continue
		}
		nodes = append(nodes, n)
	}

	return NewClientWithNodes(ctx, nodes)
}

// NewClientWithNodes initializes MultiClient with existing nodes (for testing or advanced usage)
func NewClientWithNodes(ctx context.Context, nodes []*Node) (*MultiClient, error) {
	if len(nodes) == 0 {
		return nil, errors.New("failed to connect to any rpc node")
	}

	mc := &MultiClient{
		nodes: nodes,
	}

	go mc.startBackgroundSync(ctx)

	return mc, nil
}

// startBackgroundSync periodically polls all nodes to update their heights and scores
func (mc *MultiClient) startBackgroundSync(ctx context.Context) {
	ticker := time.NewTicker(syncInterval)
	defer ticker.Stop()

	mc.syncNodes(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mc.syncNodes(ctx)
		}
	}
}

func (mc *MultiClient) syncNodes(ctx context.Context) {
	var maxH uint64
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, n := range mc.nodes {
		wg.Add(1)
		go func(node *Node) {
			defer wg.Done()
			// Maintenance traffic bypasses the rate limiter
			h, err := node.BlockNumber(ctx)
			if err != nil {
				return
			}
			mu.Lock()
			if h > maxH {
				maxH = h
			}
			mu.Unlock()
		}(n)
	}
	wg.Wait()

	if maxH > 0 {
		atomic.StoreUint64(&mc.globalHeight, maxH)
	}
}

// execute performs an RPC request with retry logic and auto node switching.
// requiredHeight > 0 restricts the pick to nodes known to have that block.
func (mc *MultiClient) execute(ctx context.Context, requiredHeight uint64, op func(*Node) error) error {
	// Max attempts = number of nodes (capped at 3 to avoid long loops)
	attempts := len(mc.nodes)
	if attempts > 3 {
		attempts = 3
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		node, err := mc.pickAvailableNodeWithHeight(ctx, requiredHeight)
		if err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		err = op(node)
		node.Release()
		if err == nil {
			return nil
		}

		lastErr = err
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		// The failed node's score dropped via RecordMetric, so the next pick prefers another node
	}

	return lastErr
}

// ChainID retrieves the chain ID from the best available node
func (mc *MultiClient) ChainID(ctx context.Context) (*big.Int, error) {
	var res *big.Int
	err := mc.execute(ctx, 0, func(n *Node) error {
		var e error
		res, e = n.ChainID(ctx)
		return e
	})
	return res, err
}

// BlockNumber retrieves the latest block height across all nodes (cached if possible)
func (mc *MultiClient) BlockNumber(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	h := atomic.LoadUint64(&mc.globalHeight)
	if h > 0 {
		return h, nil
	}
	var res uint64
	err := mc.execute(ctx, 0, func(n *Node) error {
		var e error
		res, e = n.BlockNumber(ctx)
		return e
	})
	return res, err
}

// HeaderByNumber retrieves a block header from the best node that has the block
func (mc *MultiClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	var res *types.Header
	err := mc.execute(ctx, mc.heightRequirement(number), func(n *Node) error {
		var e error
		res, e = n.HeaderByNumber(ctx, number)
		return e
	})
	return res, err
}

// FilterLogs retrieves logs from the best node that has the range end
func (mc *MultiClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	var res []types.Log
	err := mc.execute(ctx, mc.heightRequirement(q.ToBlock), func(n *Node) error {
		var e error
		res, e = n.FilterLogs(ctx, q)
		return e
	})
	return res, err
}

// CodeAt retrieves the contract code at a given address from the best available node
func (mc *MultiClient) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	var res []byte
	err := mc.execute(ctx, 0, func(n *Node) error {
		var e error
		res, e = n.CodeAt(ctx, account, blockNumber)
		return e
	})
	return res, err
}

// Close closes all underlying RPC connections
func (mc *MultiClient) Close() {
	for _, n := range mc.nodes {
		n.Close()
	}
}

// heightRequirement applies only once some node height is known
func (mc *MultiClient) heightRequirement(number *big.Int) uint64 {
	if number == nil || number.Sign() <= 0 || !number.IsUint64() {
		return 0
	}
	if atomic.LoadUint64(&mc.globalHeight) == 0 {
		return 0
	}
	return number.Uint64()
}

// pickAvailableNodeWithHeight selects a node that meets the height requirement
func (mc *MultiClient) pickAvailableNodeWithHeight(ctx context.Context, requiredHeight uint64) (*Node, error) {
	mc.mu.RLock()
	globalH := atomic.LoadUint64(&mc.globalHeight)

	candidates := make([]*Node, len(mc.nodes))
	copy(candidates, mc.nodes)
	mc.mu.RUnlock()

	if len(candidates) == 0 {
		return nil, ErrNoAvailableNodes
	}

	// Sort by score in descending order
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score(globalH) > candidates[j].Score(globalH)
	})

	for _, node := range candidates {
		if requiredHeight > 0 && !node.MeetsHeightRequirement(requiredHeight) {
			continue
		}
		err := node.TryAcquire(ctx)
		if err == nil {
			return node, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		// Busy, rate-limited or circuit-broken: try the next node
	}

	// Every node is unavailable right now: block on the best eligible one
	var best *Node
	for _, node := range candidates {
		if node.IsCircuitBroken() {
			continue
		}
		if requiredHeight > 0 && !node.MeetsHeightRequirement(requiredHeight) {
			continue
		}
		best = node
		break
	}
	if best == nil {
		if requiredHeight > 0 {
			return nil, ErrNoNodeMeetsHeight
		}
		return nil, ErrNoAvailableNodes
	}

	return mc.waitForNode(ctx, best)
}

// waitForNode blocks until the node becomes available
func (mc *MultiClient) waitForNode(ctx context.Context, node *Node) (*Node, error) {
	if node.limiter != nil {
		if err := node.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	if node.semaphore != nil {
		select {
		case node.semaphore <- struct{}{}:
			return node, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return node, ctx.Err()
}
