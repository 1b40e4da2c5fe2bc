// Package notify fans committed ledger changes out to external outputs.
package notify

import (
	"context"
	"sync"

	"github.com/84hero/escrow-indexer/pkg/escrow"
	"github.com/84hero/escrow-indexer/pkg/ledger"
	"github.com/84hero/escrow-indexer/pkg/metrics"
	"github.com/ethereum/go-ethereum/log"
)

type Type string

const (
	// TypeBatch follows a committed batch of applied events.
	TypeBatch Type = "batch"
	// TypeReorg follows a rollback; consumers should discard state above the cursor.
	TypeReorg Type = "reorg"
)

// Change is one event applied to an escrow.
type Change struct {
	Event       string        `json:"event"`
	EscrowID    string        `json:"escrowId"`
	Status      escrow.Status `json:"status,omitempty"`
	BlockNumber uint64        `json:"blockNumber"`
	TxHash      string        `json:"txHash"`
	LogIndex    uint          `json:"logIndex"`
}

// Notification is emitted after the ledger commits.
type Notification struct {
	Type    Type          `json:"type"`
	Cursor  ledger.Cursor `json:"cursor"`
	Changes []Change      `json:"changes,omitempty"`
}

// Output defines the interface for a change feed destination
type Output interface {
	Name() string
	Send(ctx context.Context, n Notification) error
	Close() error
}

// Dispatcher delivers notifications to every output. Delivery is best effort:
// failures are logged and counted, never returned to the indexing loop.
type Dispatcher struct {
	outputs []Output
	metrics *metrics.Metrics
}

func NewDispatcher(m *metrics.Metrics, outputs ...Output) *Dispatcher {
	if m == nil {
		m = metrics.Nop()
	}
	return &Dispatcher{outputs: outputs, metrics: m}
}

// Len reports how many outputs are attached.
func (d *Dispatcher) Len() int {
	return len(d.outputs)
}

func (d *Dispatcher) Publish(ctx context.Context, n Notification) {
	var wg sync.WaitGroup
	for _, out := range d.outputs {
		wg.Add(1)
		go func(o Output) {
			defer wg.Done()
			if err := o.Send(ctx, n); err != nil {
				d.metrics.NotifyFailures.WithLabelValues(o.Name()).Inc()
				log.Warn("Change notification failed", "output", o.Name(), "type", n.Type, "height", n.Cursor.Height, "err", err)
			}
		}(out)
	}
	wg.Wait()
}

func (d *Dispatcher) Close() error {
	var first error
	for _, o := range d.outputs {
		if err := o.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
