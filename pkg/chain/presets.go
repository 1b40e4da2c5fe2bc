package chain

import (
	"sort"
	"sync"
	"time"
)

// Preset defines the default behavior parameters for a chain
type Preset struct {
	ChainID       uint64
	BlockTime     time.Duration // Average block time (affects polling interval)
	Confirmations uint64        // Recommended reorg safety depth
	BatchSize     uint64        // Recommended log fetch batch size
	Endpoint      string        // (Optional) Default public RPC

	// Deployment of the escrow contract, if known for this chain
	Contract   string
	StartBlock uint64
}

var (
	registry = make(map[string]Preset)
	mu       sync.RWMutex
)

// Register adds a new chain preset to the global registry.
func Register(name string, p Preset) {
	mu.Lock()
	defer mu.Unlock()
	registry[name] = p
}

// Get retrieves a preset configuration from the registry by its name.
func Get(name string) (Preset, bool) {
	mu.RLock()
	defer mu.RUnlock()
	p, ok := registry[name]
	return p, ok
}

// Names lists registered presets in alphabetical order.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Built-in presets
func init() {
	Register("lisk-sepolia", Preset{
		ChainID:       4202,
		BlockTime:     2 * time.Second,
		Confirmations: 12,
		BatchSize:     500,
		Endpoint:      "https://rpc.sepolia-api.lisk.com",
		Contract:      "0x44c796914f987c71414971d5a5e32be749664f44",
		StartBlock:    24372539,
	})

	Register("lisk-mainnet", Preset{
		ChainID:       1135,
		BlockTime:     2 * time.Second,
		Confirmations: 12,
		BatchSize:     500,
		Endpoint:      "https://rpc.api.lisk.com",
	})

	Register("eth-mainnet", Preset{
		ChainID:       1,
		BlockTime:     12 * time.Second,
		Confirmations: 12,
		BatchSize:     100,
	})

	Register("bsc-mainnet", Preset{
		ChainID:       56,
		BlockTime:     3 * time.Second,
		Confirmations: 15, // BSC reorgs are relatively frequent
		BatchSize:     200,
	})

	Register("polygon-mainnet", Preset{
		ChainID:       137,
		BlockTime:     2 * time.Second,
		Confirmations: 32, // Polygon recommends deeper confirmations
		BatchSize:     200,
	})
}
