package web3

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "github.com/afristrup/chronicler-agentic-audit/internal/errors"
)

// Receipt status values.
const (
	ReceiptSuccess = "success"
	ReceiptFailed  = "failed"
)

// Receipt describes where a digest was anchored.
type Receipt struct {
	Chain       string    `json:"chain"`
	TxHash      string    `json:"tx_hash"`
	BlockNumber uint64    `json:"block_number"`
	GasUsed     uint64    `json:"gas_used"`
	Status      string    `json:"status"`
	AnchoredAt  time.Time `json:"anchored_at"`
}

// ChainSnapshot represents summarized network metadata for reporting.
type ChainSnapshot struct {
	Chain       string `json:"chain"`
	ChainID     string `json:"chain_id"`
	BlockNumber string `json:"block_number"`
	Anchored    uint64 `json:"anchored"`
	Notes       string `json:"notes,omitempty"`
}

// Anchor is implemented by every ledger the audit service can write digests to.
type Anchor interface {
	Anchor(ctx context.Context, digest common.Hash) (Receipt, error)
	Snapshot(ctx context.Context) (ChainSnapshot, error)
	Close()
}

// ErrEmptyDigest is returned when asked to anchor the zero hash.
var ErrEmptyDigest = xerrors.New(xerrors.CodeInvalidArgument, "digest must not be empty")
