package decoder

import (
	"fmt"

	"github.com/84hero/escrow-indexer/pkg/escrow"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Encode builds the log body (topics and data) the contract would emit for ev.
// It is the inverse of Decode and is used to replay fixtures and by simulators.
func (d *Decoder) Encode(ev escrow.Event) (types.Log, error) {
	event, ok := d.parsedABI.Events[ev.Kind().String()]
	if !ok {
		return types.Log{}, fmt.Errorf("%w: %s", ErrUnknownEvent, ev.Kind())
	}

	var indexed []common.Hash
	var values []interface{}
	switch e := ev.(type) {
	case escrow.Created:
		indexed = []common.Hash{e.ID, common.BytesToHash(e.Buyer.Bytes()), common.BytesToHash(e.Seller.Bytes())}
		values = []interface{}{e.Amount, e.Deadline}
	case escrow.Funded:
		indexed = []common.Hash{e.ID}
		values = []interface{}{e.Timestamp}
	case escrow.DocumentsUploaded:
		indexed = []common.Hash{e.ID}
		values = []interface{}{[32]byte(e.DocumentHash), e.Timestamp}
	case escrow.DeliveryConfirmed:
		indexed = []common.Hash{e.ID}
		values = []interface{}{e.Timestamp}
	case escrow.Cancelled:
		indexed = []common.Hash{e.ID}
	case escrow.DisputeInitiated:
		indexed = []common.Hash{e.ID}
		values = []interface{}{e.Initiator, e.Reason}
	case escrow.PaymentReleased:
		indexed = []common.Hash{e.ID}
		values = []interface{}{e.Recipient, e.Amount}
	default:
		return types.Log{}, fmt.Errorf("%w: %T", ErrUnknownEvent, ev)
	}

	data, err := event.Inputs.NonIndexed().Pack(values...)
	if err != nil {
		return types.Log{}, fmt.Errorf("pack %s: %w", event.Name, err)
	}
	return types.Log{
		Topics: append([]common.Hash{event.ID}, indexed...),
		Data:   data,
	}, nil
}
