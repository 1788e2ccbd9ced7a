// Package web3 sources selection entropy from an EVM chain.
//
// The beacon reads the hash of a block a few confirmations behind the head.
// That hash did not exist before the dispute was opened and cannot be
// chosen by either escrow party, which is what quorum sampling needs.
package web3

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Config describes the chain endpoint used as a randomness beacon.
type Config struct {
	RPCURL        string        `yaml:"rpc_url"`
	Confirmations uint64        `yaml:"confirmations"`
	Timeout       time.Duration `yaml:"timeout"`
}

// HeaderSource is the subset of ethclient.Client the beacon needs.
type HeaderSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
}

// BlockBeacon implements selection.Beacon over block hashes.
type BlockBeacon struct {
	source        HeaderSource
	confirmations uint64
	timeout       time.Duration
	closer        func()
}

// NewBlockBeacon wraps an existing header source.
func NewBlockBeacon(source HeaderSource, confirmations uint64, timeout time.Duration) *BlockBeacon {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &BlockBeacon{source: source, confirmations: confirmations, timeout: timeout}
}

// Dial connects to the configured RPC endpoint.
func Dial(ctx context.Context, cfg Config) (*BlockBeacon, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	b := NewBlockBeacon(client, cfg.Confirmations, cfg.Timeout)
	b.closer = client.Close
	return b, nil
}

// Entropy returns blockHash || blockNumber for the confirmed block.
func (b *BlockBeacon) Entropy(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	head, err := b.source.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("查询最新区块失败: %w", err)
	}
	if head < b.confirmations {
		return nil, fmt.Errorf("链高度 %d 低于确认数 %d", head, b.confirmations)
	}
	number := head - b.confirmations
	header, err := b.source.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return nil, fmt.Errorf("读取区块头失败: %w", err)
	}
	if header == nil {
		return nil, fmt.Errorf("区块 %d 不存在", number)
	}
	hash := header.Hash()
	out := make([]byte, 0, len(hash)+8)
	out = append(out, hash.Bytes()...)
	out = binary.BigEndian.AppendUint64(out, number)
	return out, nil
}

// Close releases the RPC connection when the beacon owns it.
func (b *BlockBeacon) Close() {
	if b != nil && b.closer != nil {
		b.closer()
	}
}
