// Package escrow holds the domain model mirrored from the escrow contract:
// record shape, status machine and the typed events the contract emits.
package escrow

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ID is the 32-byte escrow identifier assigned by the contract at creation.
type ID = common.Hash

var (
	ErrInvalidID      = errors.New("invalid escrow id")
	ErrInvalidStatus  = errors.New("invalid escrow status")
	ErrInvalidAddress = errors.New("invalid address")
)

// ParseID parses a 0x-prefixed 32-byte hex identifier.
func ParseID(s string) (ID, error) {
	b, err := hexutil.Decode(strings.TrimSpace(s))
	if err != nil || len(b) != common.HashLength {
		return ID{}, fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
	return common.BytesToHash(b), nil
}

// ParseAddress parses a 20-byte hex account address.
func ParseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return common.HexToAddress(s), nil
}

// FormatAddress renders an address in lowercase hex, the form used for storage and filtering.
func FormatAddress(a common.Address) string {
	return hexutil.Encode(a.Bytes())
}

// CompareID orders identifiers bytewise.
func CompareID(a, b ID) int {
	return bytes.Compare(a[:], b[:])
}

// Record is the current state of one escrow, derived from the event stream.
type Record struct {
	ID     ID
	Buyer  common.Address
	Seller common.Address
	Amount *big.Int
	// Deadline is the delivery deadline (unix seconds) set at creation.
	Deadline *big.Int
	Status   Status

	DocumentHash     common.Hash
	DisputeInitiator common.Address
	DisputeReason    string

	CreatedAt time.Time
	FundedAt  *time.Time
	UpdatedAt time.Time

	CreatedBlock uint64
	UpdatedBlock uint64
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.Amount != nil {
		c.Amount = new(big.Int).Set(r.Amount)
	}
	if r.Deadline != nil {
		c.Deadline = new(big.Int).Set(r.Deadline)
	}
	if r.FundedAt != nil {
		t := *r.FundedAt
		c.FundedAt = &t
	}
	return &c
}

type recordJSON struct {
	ID               string `json:"id"`
	Buyer            string `json:"buyer"`
	Seller           string `json:"seller"`
	Amount           string `json:"amount"`
	Deadline         string `json:"deliveryDeadline,omitempty"`
	Status           Status `json:"status"`
	DocumentHash     string `json:"documentHash,omitempty"`
	DisputeInitiator string `json:"disputeInitiator,omitempty"`
	DisputeReason    string `json:"disputeReason,omitempty"`
	CreatedAt        int64  `json:"createdAt"`
	FundedAt         *int64 `json:"fundedAt"`
	UpdatedAt        int64  `json:"updatedAt"`
	CreatedBlock     uint64 `json:"createdBlock"`
	UpdatedBlock     uint64 `json:"updatedBlock"`
}

// MarshalJSON encodes amounts as decimal strings and timestamps as unix seconds.
func (r Record) MarshalJSON() ([]byte, error) {
	out := recordJSON{
		ID:            r.ID.Hex(),
		Buyer:         FormatAddress(r.Buyer),
		Seller:        FormatAddress(r.Seller),
		Amount:        bigString(r.Amount),
		Status:        r.Status,
		DisputeReason: r.DisputeReason,
		CreatedAt:     r.CreatedAt.Unix(),
		UpdatedAt:     r.UpdatedAt.Unix(),
		CreatedBlock:  r.CreatedBlock,
		UpdatedBlock:  r.UpdatedBlock,
	}
	if r.Deadline != nil {
		out.Deadline = r.Deadline.String()
	}
	if r.DocumentHash != (common.Hash{}) {
		out.DocumentHash = r.DocumentHash.Hex()
	}
	if r.DisputeInitiator != (common.Address{}) {
		out.DisputeInitiator = FormatAddress(r.DisputeInitiator)
	}
	if r.FundedAt != nil {
		ts := r.FundedAt.Unix()
		out.FundedAt = &ts
	}
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (r *Record) UnmarshalJSON(data []byte) error {
	var in recordJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	id, err := ParseID(in.ID)
	if err != nil {
		return err
	}
	amount, ok := new(big.Int).SetString(in.Amount, 10)
	if !ok {
		return fmt.Errorf("invalid amount %q", in.Amount)
	}
	*r = Record{
		ID:            id,
		Buyer:         common.HexToAddress(in.Buyer),
		Seller:        common.HexToAddress(in.Seller),
		Amount:        amount,
		Status:        in.Status,
		DisputeReason: in.DisputeReason,
		CreatedAt:     time.Unix(in.CreatedAt, 0).UTC(),
		UpdatedAt:     time.Unix(in.UpdatedAt, 0).UTC(),
		CreatedBlock:  in.CreatedBlock,
		UpdatedBlock:  in.UpdatedBlock,
	}
	if in.Deadline != "" {
		d, ok := new(big.Int).SetString(in.Deadline, 10)
		if !ok {
			return fmt.Errorf("invalid deadline %q", in.Deadline)
		}
		r.Deadline = d
	}
	if in.DocumentHash != "" {
		r.DocumentHash = common.HexToHash(in.DocumentHash)
	}
	if in.DisputeInitiator != "" {
		r.DisputeInitiator = common.HexToAddress(in.DisputeInitiator)
	}
	if in.FundedAt != nil {
		t := time.Unix(*in.FundedAt, 0).UTC()
		r.FundedAt = &t
	}
	return nil
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
