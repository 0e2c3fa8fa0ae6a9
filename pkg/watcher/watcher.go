// Package watcher feeds the discovery queue from the live chain: new
// contract deployments, whale-sized native transfers, and factory or
// token events that mark freshly created economic contracts.
package watcher

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/op/go-logging"

	"evmrecon/pkg/logger"
)

// Feed is the queue surface the watcher writes to. *queue.Queue
// satisfies it.
type Feed interface {
	Enqueue(addr common.Address)
	EnqueuePriority(addr common.Address)
}

// Source is the chain surface the watcher reads. *chain.Client
// satisfies it.
type Source interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number uint64) (*types.Block, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// factoryTopics are event signatures that mark a factory deploying a
// new economic contract. The created address is usually the first
// data word or an indexed topic; either way the emitting factory's
// children are worth a priority look.
var factoryTopics = []common.Hash{
	crypto.Keccak256Hash([]byte("PairCreated(address,address,address,uint256)")),
	crypto.Keccak256Hash([]byte("PoolCreated(address,address,uint24,int24,address)")),
	crypto.Keccak256Hash([]byte("NewVault(address,address)")),
	crypto.Keccak256Hash([]byte("VaultCreated(address,address)")),
	crypto.Keccak256Hash([]byte("ProxyCreated(address)")),
}

var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

var zeroTopic = common.Hash{}

// Config carries the watcher tunables.
type Config struct {
	PollInterval time.Duration
	// Lag stays this many blocks behind head.
	Lag uint64
	// MaxBatch bounds the range one poll processes.
	MaxBatch uint64
	// BackfillBlocks are scanned once on Run startup.
	BackfillBlocks uint64
	// WhaleThresholdWei marks native transfers for priority analysis.
	WhaleThresholdWei *big.Int
	// LargeTransferWei marks ERC-20 transfers for priority analysis of
	// the token. Zero disables the check.
	LargeTransferWei *big.Int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 3 * time.Second
	}
	if c.MaxBatch == 0 {
		c.MaxBatch = 10
	}
	if c.WhaleThresholdWei == nil {
		c.WhaleThresholdWei = new(big.Int).Mul(big.NewInt(1000), big.NewInt(1e18))
	}
	return c
}

// Watcher polls the chain and routes discovered addresses to the feed.
type Watcher struct {
	log    *logging.Logger
	source Source
	feed   Feed
	cfg    Config

	lastBlock uint64
}

func New(logLevel string, source Source, feed Feed, cfg Config) *Watcher {
	return &Watcher{
		log:    logger.NewLogger(logLevel, "Watcher"),
		source: source,
		feed:   feed,
		cfg:    cfg.withDefaults(),
	}
}

// Run polls until the context is cancelled. Source errors back off and
// retry, at startup as well as inside the loop; they never terminate
// discovery.
func (w *Watcher) Run(ctx context.Context) error {
	var head uint64
	startupBackoff := w.cfg.PollInterval
	for {
		var err error
		head, err = w.source.BlockNumber(ctx)
		if err == nil {
			break
		}
		w.log.Warningf("startup head fetch failed: %v, retrying in %s", err, startupBackoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(startupBackoff):
		}
		if startupBackoff < time.Minute {
			startupBackoff *= 2
		}
	}
	if head > w.cfg.Lag {
		w.lastBlock = head - w.cfg.Lag
	}
	if w.cfg.BackfillBlocks > 0 {
		w.backfill(ctx, w.lastBlock)
	}
	w.log.Noticef("watching from block %d (lag %d)", w.lastBlock, w.cfg.Lag)

	backoff := w.cfg.PollInterval
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.poll(ctx); err != nil {
				w.log.Warningf("poll failed: %v, backing off %s", err, backoff)
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(backoff):
				}
				if backoff < time.Minute {
					backoff *= 2
				}
				continue
			}
			backoff = w.cfg.PollInterval
		}
	}
}

func (w *Watcher) poll(ctx context.Context) error {
	head, err := w.source.BlockNumber(ctx)
	if err != nil {
		return err
	}
	if head <= w.cfg.Lag {
		return nil
	}
	target := head - w.cfg.Lag
	if target <= w.lastBlock {
		return nil
	}
	from := w.lastBlock + 1
	if target-from+1 > w.cfg.MaxBatch {
		target = from + w.cfg.MaxBatch - 1
	}

	for n := from; n <= target; n++ {
		if err := w.processBlock(ctx, n); err != nil {
			return err
		}
		w.lastBlock = n
	}
	return w.scanLogs(ctx, from, target)
}

// backfill walks a historical window once so a fresh scanner start does
// not miss recent deployments.
func (w *Watcher) backfill(ctx context.Context, head uint64) {
	from := uint64(0)
	if head > w.cfg.BackfillBlocks {
		from = head - w.cfg.BackfillBlocks
	}
	w.log.Noticef("backfilling blocks %d..%d", from, head)
	for n := from; n <= head; n++ {
		if ctx.Err() != nil {
			return
		}
		if err := w.processBlock(ctx, n); err != nil {
			w.log.Warningf("backfill block %d failed: %v", n, err)
		}
	}
	if err := w.scanLogs(ctx, from, head); err != nil {
		w.log.Warningf("backfill log scan failed: %v", err)
	}
}

// processBlock routes a block's transactions: contract creations to the
// normal lane, whale transfers to the priority lane.
func (w *Watcher) processBlock(ctx context.Context, number uint64) error {
	block, err := w.source.BlockByNumber(ctx, number)
	if err != nil {
		return err
	}

	for _, tx := range block.Transactions() {
		if tx.To() == nil {
			receipt, err := w.source.TransactionReceipt(ctx, tx.Hash())
			if err != nil || receipt.ContractAddress == (common.Address{}) {
				continue
			}
			w.log.Debugf("new contract %s in block %d", receipt.ContractAddress.Hex(), number)
			w.feed.Enqueue(receipt.ContractAddress)
			continue
		}
		if tx.Value() != nil && tx.Value().Cmp(w.cfg.WhaleThresholdWei) >= 0 {
			w.log.Infof("whale transfer of %s wei to %s", tx.Value(), tx.To().Hex())
			w.feed.EnqueuePriority(*tx.To())
		}
	}
	return nil
}

// scanLogs sweeps a block range for factory events and token activity
// that points at new or hot contracts.
func (w *Watcher) scanLogs(ctx context.Context, from, to uint64) error {
	topics := append([]common.Hash{transferTopic}, factoryTopics...)
	logs, err := w.source.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Topics:    [][]common.Hash{topics},
	})
	if err != nil {
		return err
	}

	for _, lg := range logs {
		if len(lg.Topics) == 0 {
			continue
		}
		if lg.Topics[0] == transferTopic {
			w.routeTransfer(lg)
			continue
		}
		// Factory event: the emitting factory's child is in the data
		// or topics; enqueue both the factory and the created address
		// when it is recoverable.
		w.feed.EnqueuePriority(lg.Address)
		if created, ok := createdAddress(lg); ok {
			w.log.Infof("factory %s created %s", lg.Address.Hex(), created.Hex())
			w.feed.EnqueuePriority(created)
		}
	}
	return nil
}

// routeTransfer prioritizes tokens that just minted (a from topic of
// zero marks supply creation, common right after deployment) or moved
// a large amount.
func (w *Watcher) routeTransfer(lg types.Log) {
	if len(lg.Topics) < 3 {
		return
	}
	if lg.Topics[1] == zeroTopic {
		w.feed.EnqueuePriority(lg.Address)
		return
	}
	if w.cfg.LargeTransferWei != nil && w.cfg.LargeTransferWei.Sign() > 0 {
		value := new(big.Int).SetBytes(lg.Data)
		if value.Cmp(w.cfg.LargeTransferWei) >= 0 {
			w.feed.EnqueuePriority(lg.Address)
		}
	}
}

// createdAddress extracts the deployed-contract address from a factory
// event: the first address-shaped data word (factories emit the child
// address before counters), or the last indexed topic when the data
// carries none.
func createdAddress(lg types.Log) (common.Address, bool) {
	for i := 0; i+32 <= len(lg.Data); i += 32 {
		word := lg.Data[i : i+32]
		if allZero(word[:12]) && !allZero(word[12:]) {
			return common.BytesToAddress(word[12:]), true
		}
	}
	if len(lg.Topics) > 1 {
		last := lg.Topics[len(lg.Topics)-1]
		if allZero(last[:12]) && !allZero(last[12:]) {
			return common.BytesToAddress(last[12:]), true
		}
	}
	return common.Address{}, false
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
