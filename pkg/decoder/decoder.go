package decoder

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/84hero/escrow-indexer/pkg/escrow"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	// ErrUnknownEvent is returned for logs whose signature is not part of the contract interface.
	ErrUnknownEvent = errors.New("unknown event signature")
	// ErrMalformedLog is returned when a known event cannot be unpacked.
	ErrMalformedLog = errors.New("malformed event log")
)

// Decoder turns raw escrow contract logs into typed domain events.
// It is immutable after construction and safe for concurrent use.
type Decoder struct {
	parsedABI abi.ABI
	kinds     map[common.Hash]escrow.Kind
}

// New creates a decoder for the built-in escrow contract interface.
func New() (*Decoder, error) {
	return NewFromJSON(EscrowABI)
}

// NewFromJSON creates a decoder from a JSON ABI string.
// Every state-changing escrow event must be present; PaymentReleased is optional.
func NewFromJSON(jsonStr string) (*Decoder, error) {
	parsed, err := abi.JSON(strings.NewReader(jsonStr))
	if err != nil {
		return nil, err
	}

	d := &Decoder{
		parsedABI: parsed,
		kinds:     make(map[common.Hash]escrow.Kind),
	}
	for _, k := range escrow.Kinds {
		event, ok := parsed.Events[k.String()]
		if !ok {
			if k == escrow.KindPaymentReleased {
				continue
			}
			return nil, fmt.Errorf("abi is missing event %s", k)
		}
		d.kinds[event.ID] = k
	}
	return d, nil
}

// Topics returns the signature hashes of every known event, in kind order.
func (d *Decoder) Topics() []common.Hash {
	type entry struct {
		topic common.Hash
		kind  escrow.Kind
	}
	entries := make([]entry, 0, len(d.kinds))
	for topic, k := range d.kinds {
		entries = append(entries, entry{topic, k})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].kind < entries[j].kind })

	topics := make([]common.Hash, len(entries))
	for i, e := range entries {
		topics[i] = e.topic
	}
	return topics
}

// KindOf resolves a topic0 signature hash.
func (d *Decoder) KindOf(topic common.Hash) escrow.Kind {
	return d.kinds[topic]
}

// Decode parses a single log into a typed event.
func (d *Decoder) Decode(log types.Log) (escrow.Event, error) {
	if len(log.Topics) == 0 {
		return nil, fmt.Errorf("%w: log has no topics", ErrUnknownEvent)
	}

	// 1. Resolve the event by its signature (Topic[0])
	kind, ok := d.kinds[log.Topics[0]]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, log.Topics[0].Hex())
	}
	event := d.parsedABI.Events[kind.String()]

	inputs := make(map[string]interface{})

	// 2. Non-indexed parameters live in Data
	if len(log.Data) > 0 {
		if err := d.parsedABI.UnpackIntoMap(inputs, event.Name, log.Data); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedLog, event.Name, err)
		}
	}

	// 3. Indexed parameters live in Topics[1:]
	var indexedArgs abi.Arguments
	for _, arg := range event.Inputs {
		if arg.Indexed {
			indexedArgs = append(indexedArgs, arg)
		}
	}
	if len(log.Topics)-1 != len(indexedArgs) {
		return nil, fmt.Errorf("%w: %s: topic count mismatch: expected %d, got %d",
			ErrMalformedLog, event.Name, len(indexedArgs), len(log.Topics)-1)
	}
	if err := abi.ParseTopicsIntoMap(inputs, indexedArgs, log.Topics[1:]); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedLog, event.Name, err)
	}

	a := args{name: event.Name, m: inputs}
	id := a.hash("escrowId")

	var ev escrow.Event
	switch kind {
	case escrow.KindCreated:
		ev = escrow.Created{
			ID:       id,
			Buyer:    a.address("buyer"),
			Seller:   a.address("seller"),
			Amount:   a.uint("amount"),
			Deadline: a.uint("deliveryDeadline"),
		}
	case escrow.KindFunded:
		ev = escrow.Funded{ID: id, Timestamp: a.uint("timestamp")}
	case escrow.KindDocumentsUploaded:
		ev = escrow.DocumentsUploaded{ID: id, DocumentHash: a.hash("documentHash"), Timestamp: a.uint("timestamp")}
	case escrow.KindDeliveryConfirmed:
		ev = escrow.DeliveryConfirmed{ID: id, Timestamp: a.uint("timestamp")}
	case escrow.KindCancelled:
		ev = escrow.Cancelled{ID: id}
	case escrow.KindDisputeInitiated:
		ev = escrow.DisputeInitiated{ID: id, Initiator: a.address("initiator"), Reason: a.text("reason")}
	case escrow.KindPaymentReleased:
		ev = escrow.PaymentReleased{ID: id, Recipient: a.address("recipient"), Amount: a.uint("amount")}
	}
	if a.err != nil {
		return nil, a.err
	}
	return ev, nil
}

// args extracts typed values from an unpacked argument map, keeping the first error.
type args struct {
	name string
	m    map[string]interface{}
	err  error
}

func (a *args) fail(field, want string) {
	if a.err == nil {
		a.err = fmt.Errorf("%w: %s: field %q is not %s", ErrMalformedLog, a.name, field, want)
	}
}

func (a *args) hash(field string) common.Hash {
	switch v := a.m[field].(type) {
	case [32]byte:
		return common.Hash(v)
	case common.Hash:
		return v
	}
	a.fail(field, "bytes32")
	return common.Hash{}
}

func (a *args) address(field string) common.Address {
	if v, ok := a.m[field].(common.Address); ok {
		return v
	}
	a.fail(field, "address")
	return common.Address{}
}

func (a *args) uint(field string) *big.Int {
	if v, ok := a.m[field].(*big.Int); ok && v != nil {
		return v
	}
	a.fail(field, "uint256")
	return nil
}

func (a *args) text(field string) string {
	if v, ok := a.m[field].(string); ok {
		return v
	}
	a.fail(field, "string")
	return ""
}
