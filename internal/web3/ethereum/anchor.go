package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	xerrors "github.com/afristrup/chronicler-agentic-audit/internal/errors"
	"github.com/afristrup/chronicler-agentic-audit/internal/web3"
)

// Backend is the subset of the go-ethereum client API the anchor needs. Both
// *ethclient.Client and the simulated backend client satisfy it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg gethcore.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
}

// Config describes how to construct an EVM anchor.
type Config struct {
	Name          string
	RPCURL        string
	PrivateKey    string
	AnchorAddress string
	GasLimit      uint64
	Notes         string
	PollInterval  time.Duration
}

// Anchor writes each digest as the calldata of a signed dynamic-fee
// transaction and waits for it to be mined.
type Anchor struct {
	name     string
	notes    string
	backend  Backend
	commit   func()
	closer   func()
	key      *ecdsa.PrivateKey
	from     common.Address
	to       common.Address
	gasLimit uint64
	poll     time.Duration

	// mu serialises nonce allocation.
	mu       sync.Mutex
	chainID  *big.Int
	anchored uint64
}

// Option customises an Anchor.
type Option func(*Anchor)

// WithCommit registers a hook invoked after every send. Simulated backends use
// it to seal a block.
func WithCommit(commit func()) Option {
	return func(a *Anchor) { a.commit = commit }
}

// WithPollInterval overrides the receipt polling interval.
func WithPollInterval(d time.Duration) Option {
	return func(a *Anchor) {
		if d > 0 {
			a.poll = d
		}
	}
}

// WithAnchorAddress sends anchoring transactions to addr instead of the
// sender's own address.
func WithAnchorAddress(addr common.Address) Option {
	return func(a *Anchor) { a.to = addr }
}

// WithNotes attaches free-form notes reported by Snapshot.
func WithNotes(notes string) Option {
	return func(a *Anchor) { a.notes = notes }
}

// Dial connects to the configured RPC endpoint and returns a ready anchor.
func Dial(ctx context.Context, cfg Config) (*Anchor, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}
	key, err := ParseKey(cfg.PrivateKey)
	if err != nil {
		return nil, err
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "连接以太坊节点失败")
	}

	opts := []Option{WithPollInterval(cfg.PollInterval), WithNotes(cfg.Notes)}
	if cfg.AnchorAddress != "" {
		if !common.IsHexAddress(cfg.AnchorAddress) {
			client.Close()
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "anchor_address 不是合法地址: "+cfg.AnchorAddress)
		}
		opts = append(opts, WithAnchorAddress(common.HexToAddress(cfg.AnchorAddress)))
	}
	a := New(cfg.Name, client, key, opts...)
	a.closer = client.Close
	if cfg.GasLimit > 0 {
		a.gasLimit = cfg.GasLimit
	}
	return a, nil
}

// New wraps an existing backend.
func New(name string, backend Backend, key *ecdsa.PrivateKey, opts ...Option) *Anchor {
	from := crypto.PubkeyToAddress(key.PublicKey)
	a := &Anchor{
		name:    name,
		backend: backend,
		key:     key,
		from:    from,
		to:      from,
		poll:    200 * time.Millisecond,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// ParseKey decodes a hex encoded secp256k1 private key.
func ParseKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未配置上链私钥")
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析上链私钥失败")
	}
	return key, nil
}

// From returns the sender address.
func (a *Anchor) From() common.Address { return a.from }

// Anchor sends the digest transaction and waits for its receipt.
func (a *Anchor) Anchor(ctx context.Context, digest common.Hash) (web3.Receipt, error) {
	if digest == (common.Hash{}) {
		return web3.Receipt{}, web3.ErrEmptyDigest
	}
	tx, err := a.send(ctx, digest.Bytes())
	if err != nil {
		return web3.Receipt{}, err
	}
	receipt, err := a.waitMined(ctx, tx.Hash())
	if err != nil {
		return web3.Receipt{}, err
	}

	status := web3.ReceiptSuccess
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		status = web3.ReceiptFailed
	}
	var block uint64
	if receipt.BlockNumber != nil {
		block = receipt.BlockNumber.Uint64()
	}
	a.mu.Lock()
	a.anchored++
	a.mu.Unlock()
	return web3.Receipt{
		Chain:       a.name,
		TxHash:      tx.Hash().Hex(),
		BlockNumber: block,
		GasUsed:     receipt.GasUsed,
		Status:      status,
		AnchoredAt:  time.Now().UTC(),
	}, nil
}

func (a *Anchor) send(ctx context.Context, data []byte) (*coretypes.Transaction, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	chainID, err := a.chainIDLocked(ctx)
	if err != nil {
		return nil, err
	}
	nonce, err := a.backend.PendingNonceAt(ctx, a.from)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "查询 nonce 失败")
	}
	tip, err := a.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "获取小费建议失败")
	}
	head, err := a.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "获取最新区块失败")
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap = new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	gas := a.gasLimit
	if gas == 0 {
		to := a.to
		gas, err = a.backend.EstimateGas(ctx, gethcore.CallMsg{From: a.from, To: &to, Data: data})
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "估算 gas 失败")
		}
	}

	to := a.to
	tx := coretypes.NewTx(&coretypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Data:      data,
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(chainID), a.key)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "签名交易失败")
	}
	if err := a.backend.SendTransaction(ctx, signed); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "发送交易失败")
	}
	if a.commit != nil {
		a.commit()
	}
	return signed, nil
}

func (a *Anchor) waitMined(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	ticker := time.NewTicker(a.poll)
	defer ticker.Stop()
	for {
		receipt, err := a.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, gethcore.NotFound) {
			return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "查询交易回执失败")
		}
		select {
		case <-ctx.Done():
			return nil, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "等待交易上链超时")
		case <-ticker.C:
			if a.commit != nil {
				a.commit()
			}
		}
	}
}

func (a *Anchor) chainIDLocked(ctx context.Context) (*big.Int, error) {
	if a.chainID != nil {
		return a.chainID, nil
	}
	id, err := a.backend.ChainID(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "获取链 ID 失败")
	}
	a.chainID = id
	return id, nil
}

// Snapshot gathers lightweight metadata from the chain.
func (a *Anchor) Snapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	a.mu.Lock()
	chainID, err := a.chainIDLocked(ctx)
	anchored := a.anchored
	a.mu.Unlock()
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	block, err := a.backend.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, xerrors.Wrap(xerrors.CodeChainFailure, err, "获取最新区块高度失败")
	}
	return web3.ChainSnapshot{
		Chain:       a.name,
		ChainID:     toHexBig(chainID),
		BlockNumber: fmt.Sprintf("0x%x", block),
		Anchored:    anchored,
		Notes:       a.notes,
	}, nil
}

// Close releases the RPC connection when the anchor owns it.
func (a *Anchor) Close() {
	if a.closer != nil {
		a.closer()
		a.closer = nil
	}
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}

var _ web3.Anchor = (*Anchor)(nil)
