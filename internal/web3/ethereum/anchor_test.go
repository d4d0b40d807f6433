package ethereum

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"

	"github.com/afristrup/chronicler-agentic-audit/internal/web3"
)

func TestAnchorWritesDigestOnSimulatedChain(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	backend := simulated.NewBackend(coretypes.GenesisAlloc{
		from: {Balance: new(big.Int).Mul(big.NewInt(1_000_000_000), big.NewInt(1_000_000_000))},
	}, simulated.WithBlockGasLimit(8_000_000))
	t.Cleanup(func() { _ = backend.Close() })

	anchor := New("simulated", backend.Client(), key,
		WithCommit(func() { backend.Commit() }),
		WithPollInterval(10*time.Millisecond),
		WithNotes("simulated backend"),
	)
	defer anchor.Close()

	digest := crypto.Keccak256Hash([]byte(`{"action_id":"act-1"}`))
	receipt, err := anchor.Anchor(ctx, digest)
	if err != nil {
		t.Fatalf("anchor: %v", err)
	}
	if receipt.Status != web3.ReceiptSuccess || receipt.BlockNumber == 0 {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}
	if receipt.GasUsed < web3.IntrinsicGas(nil) {
		t.Fatalf("gas used %d below base transaction cost", receipt.GasUsed)
	}

	tx, _, err := backend.Client().TransactionByHash(ctx, common.HexToHash(receipt.TxHash))
	if err != nil {
		t.Fatalf("lookup tx: %v", err)
	}
	if common.BytesToHash(tx.Data()) != digest {
		t.Fatalf("calldata does not carry digest")
	}

	snap, err := anchor.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.ChainID != "0x539" || snap.Anchored != 1 || snap.BlockNumber == "0x0" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestParseKey(t *testing.T) {
	if _, err := ParseKey(""); err == nil {
		t.Fatalf("expected error for empty key")
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	hexKey := "0x" + common.Bytes2Hex(crypto.FromECDSA(key))
	parsed, err := ParseKey(hexKey)
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}
	if crypto.PubkeyToAddress(parsed.PublicKey) != crypto.PubkeyToAddress(key.PublicKey) {
		t.Fatalf("parsed key differs")
	}
}

func TestAnchorRejectsEmptyDigest(t *testing.T) {
	key, _ := crypto.GenerateKey()
	anchor := New("noop", nil, key)
	if _, err := anchor.Anchor(context.Background(), common.Hash{}); err != web3.ErrEmptyDigest {
		t.Fatalf("expected ErrEmptyDigest, got %v", err)
	}
}
