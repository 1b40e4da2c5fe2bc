package query

import (
	"math/big"
	"time"

	"github.com/84hero/escrow-indexer/pkg/escrow"
	"github.com/84hero/escrow-indexer/pkg/ledger"
	"github.com/ethereum/go-ethereum/common"
)

// FixtureSource serves a fixed set of escrows, for demos and UI development
// without a chain.
type FixtureSource struct {
	*ledger.MemoryStore
}

func NewFixtureSource(records ...*escrow.Record) *FixtureSource {
	if len(records) == 0 {
		records = FixtureRecords()
	}
	store := ledger.NewMemoryStore()
	store.Seed(records...)
	return &FixtureSource{MemoryStore: store}
}

// FixtureAccount is the buyer or seller of every fixture escrow.
var FixtureAccount = common.HexToAddress("0x9c5b79f27548676afe8F0fC3b06E34fe47AE59bE")

// FixtureRecords returns three escrows in FUNDED, DOCUMENTS_PENDING and SETTLED.
func FixtureRecords() []*escrow.Record {
	at := func(unix int64) time.Time { return time.Unix(unix, 0).UTC() }
	ptr := func(t time.Time) *time.Time { return &t }

	return []*escrow.Record{
		{
			ID:        common.HexToHash("0x1234567890123456789012345678901234567890123456789012345678901234"),
			Buyer:     FixtureAccount,
			Seller:    common.HexToAddress("0xA82384B9eF9A4a7399f385a14a51BB692c9D9d96"),
			Amount:    big.NewInt(10000000),
			Deadline:  big.NewInt(1735689600),
			Status:    escrow.StatusFunded,
			CreatedAt: at(1701369600),
			FundedAt:  ptr(at(1701456000)),
			UpdatedAt: at(1701456000),
		},
		{
			ID:           common.HexToHash("0x2345678901234567890123456789012345678901234567890123456789012345"),
			Buyer:        common.HexToAddress("0x1234567890123456789012345678901234567890"),
			Seller:       FixtureAccount,
			Amount:       big.NewInt(25000000),
			Deadline:     big.NewInt(1735776000),
			Status:       escrow.StatusDocumentsPending,
			DocumentHash: common.HexToHash("0xd0c0000000000000000000000000000000000000000000000000000000000002"),
			CreatedAt:    at(1701456000),
			FundedAt:     ptr(at(1701542400)),
			UpdatedAt:    at(1701628800),
		},
		{
			ID:           common.HexToHash("0x3456789012345678901234567890123456789012345678901234567890123456"),
			Buyer:        FixtureAccount,
			Seller:       common.HexToAddress("0x2345678901234567890123456789012345678901"),
			Amount:       big.NewInt(50000000),
			Deadline:     big.NewInt(1704067200),
			Status:       escrow.StatusSettled,
			DocumentHash: common.HexToHash("0xd0c0000000000000000000000000000000000000000000000000000000000003"),
			CreatedAt:    at(1701542400),
			FundedAt:     ptr(at(1701628800)),
			UpdatedAt:    at(1701801600),
		},
	}
}
