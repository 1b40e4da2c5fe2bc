package escrow

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Kind enumerates the contract events the indexer understands.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindCreated
	KindFunded
	KindDocumentsUploaded
	KindDeliveryConfirmed
	KindCancelled
	KindDisputeInitiated
	KindPaymentReleased
)

// Kinds lists every known kind.
var Kinds = []Kind{
	KindCreated,
	KindFunded,
	KindDocumentsUploaded,
	KindDeliveryConfirmed,
	KindCancelled,
	KindDisputeInitiated,
	KindPaymentReleased,
}

var kindNames = map[Kind]string{
	KindCreated:           "EscrowCreated",
	KindFunded:            "EscrowFunded",
	KindDocumentsUploaded: "DocumentsUploaded",
	KindDeliveryConfirmed: "DeliveryConfirmed",
	KindCancelled:         "EscrowCancelled",
	KindDisputeInitiated:  "DisputeInitiated",
	KindPaymentReleased:   "PaymentReleased",
}

var kindTargets = map[Kind]Status{
	KindCreated:           StatusCreated,
	KindFunded:            StatusFunded,
	KindDocumentsUploaded: StatusDocumentsPending,
	KindDeliveryConfirmed: StatusSettled,
	KindCancelled:         StatusCancelled,
	KindDisputeInitiated:  StatusDisputed,
}

// String returns the contract event name (e.g. EscrowCreated).
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "Unknown"
}

// Target returns the status an event of this kind moves a record into.
// PaymentReleased is informational and has no target.
func (k Kind) Target() (Status, bool) {
	s, ok := kindTargets[k]
	return s, ok
}

// KindByName resolves a contract event name.
func KindByName(name string) Kind {
	for k, n := range kindNames {
		if n == name {
			return k
		}
	}
	return KindUnknown
}

// Event is a decoded contract event.
type Event interface {
	EscrowID() ID
	Kind() Kind
}

type Created struct {
	ID       ID
	Buyer    common.Address
	Seller   common.Address
	Amount   *big.Int
	Deadline *big.Int
}

type Funded struct {
	ID        ID
	Timestamp *big.Int
}

type DocumentsUploaded struct {
	ID           ID
	DocumentHash common.Hash
	Timestamp    *big.Int
}

type DeliveryConfirmed struct {
	ID        ID
	Timestamp *big.Int
}

type Cancelled struct {
	ID ID
}

type DisputeInitiated struct {
	ID        ID
	Initiator common.Address
	Reason    string
}

// PaymentReleased is emitted alongside settlement; it does not move the status.
type PaymentReleased struct {
	ID        ID
	Recipient common.Address
	Amount    *big.Int
}

func (e Created) EscrowID() ID           { return e.ID }
func (e Funded) EscrowID() ID            { return e.ID }
func (e DocumentsUploaded) EscrowID() ID { return e.ID }
func (e DeliveryConfirmed) EscrowID() ID { return e.ID }
func (e Cancelled) EscrowID() ID         { return e.ID }
func (e DisputeInitiated) EscrowID() ID  { return e.ID }
func (e PaymentReleased) EscrowID() ID   { return e.ID }

func (Created) Kind() Kind           { return KindCreated }
func (Funded) Kind() Kind            { return KindFunded }
func (DocumentsUploaded) Kind() Kind { return KindDocumentsUploaded }
func (DeliveryConfirmed) Kind() Kind { return KindDeliveryConfirmed }
func (Cancelled) Kind() Kind         { return KindCancelled }
func (DisputeInitiated) Kind() Kind  { return KindDisputeInitiated }
func (PaymentReleased) Kind() Kind   { return KindPaymentReleased }
