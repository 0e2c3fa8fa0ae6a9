package watcher

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFeed struct {
	normal   []common.Address
	priority []common.Address
}

func (f *fakeFeed) Enqueue(addr common.Address)         { f.normal = append(f.normal, addr) }
func (f *fakeFeed) EnqueuePriority(addr common.Address) { f.priority = append(f.priority, addr) }

type fakeSource struct {
	mu       sync.Mutex
	head     uint64
	headErrs int // BlockNumber failures to serve before succeeding
	blocks   map[uint64]*types.Block
	receipts map[common.Hash]*types.Receipt
	logs     []types.Log

	headCalls  int
	blockCalls []uint64
}

func (s *fakeSource) BlockNumber(context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.headCalls++
	if s.headErrs > 0 {
		s.headErrs--
		return 0, errors.New("backend down")
	}
	return s.head, nil
}

func (s *fakeSource) BlockByNumber(_ context.Context, n uint64) (*types.Block, error) {
	s.blockCalls = append(s.blockCalls, n)
	if b, ok := s.blocks[n]; ok {
		return b, nil
	}
	return emptyBlock(n), nil
}

func (s *fakeSource) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	return s.receipts[h], nil
}

func (s *fakeSource) FilterLogs(context.Context, ethereum.FilterQuery) ([]types.Log, error) {
	return s.logs, nil
}

func emptyBlock(n uint64) *types.Block {
	return types.NewBlockWithHeader(&types.Header{Number: new(big.Int).SetUint64(n)})
}

func blockWithTxs(n uint64, txs ...*types.Transaction) *types.Block {
	return types.NewBlockWithHeader(&types.Header{Number: new(big.Int).SetUint64(n)}).
		WithBody(types.Body{Transactions: txs})
}

var (
	created = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	whale   = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	token   = common.HexToAddress("0x00000000000000000000000000000000000000cc")
)

func eth(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}

func TestProcessBlockRoutesCreationsAndWhales(t *testing.T) {
	creation := types.NewTx(&types.LegacyTx{Gas: 21000})
	whaleTx := types.NewTx(&types.LegacyTx{To: &whale, Value: eth(2000)})
	smallTx := types.NewTx(&types.LegacyTx{To: &token, Value: eth(1)})

	src := &fakeSource{
		head:   10,
		blocks: map[uint64]*types.Block{10: blockWithTxs(10, creation, whaleTx, smallTx)},
		receipts: map[common.Hash]*types.Receipt{
			creation.Hash(): {ContractAddress: created},
		},
	}
	feed := &fakeFeed{}
	w := New("ERROR", src, feed, Config{})

	require.NoError(t, w.processBlock(context.Background(), 10))
	assert.Equal(t, []common.Address{created}, feed.normal)
	assert.Equal(t, []common.Address{whale}, feed.priority)
}

func TestPollHonorsLagAndBatch(t *testing.T) {
	src := &fakeSource{head: 100}
	feed := &fakeFeed{}
	w := New("ERROR", src, feed, Config{Lag: 2, MaxBatch: 3})
	w.lastBlock = 90

	require.NoError(t, w.poll(context.Background()))

	// Head 100, lag 2 gives target 98; batch of 3 stops at 93.
	assert.Equal(t, []uint64{91, 92, 93}, src.blockCalls)
	assert.Equal(t, uint64(93), w.lastBlock)
}

func TestRunRetriesStartupHeadFetch(t *testing.T) {
	src := &fakeSource{head: 10, headErrs: 3}
	w := New("ERROR", src, &fakeFeed{}, Config{PollInterval: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// A transient outage at startup must not kill discovery: the head
	// fetch retries until the source answers, then polling begins.
	assert.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return src.headCalls > 4
	}, 5*time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, uint64(10), w.lastBlock, "cursor must land on the fetched head")
}

func TestPollNoNewBlocks(t *testing.T) {
	src := &fakeSource{head: 100}
	w := New("ERROR", src, &fakeFeed{}, Config{Lag: 2})
	w.lastBlock = 98

	require.NoError(t, w.poll(context.Background()))
	assert.Empty(t, src.blockCalls)
}

func TestRouteTransferMint(t *testing.T) {
	feed := &fakeFeed{}
	w := New("ERROR", &fakeSource{}, feed, Config{})

	w.routeTransfer(types.Log{
		Address: token,
		Topics: []common.Hash{
			transferTopic,
			{}, // from == zero: mint
			common.BytesToHash(whale.Bytes()),
		},
		Data: common.BigToHash(eth(1)).Bytes(),
	})
	assert.Equal(t, []common.Address{token}, feed.priority)
}

func TestRouteTransferLargeValue(t *testing.T) {
	feed := &fakeFeed{}
	w := New("ERROR", &fakeSource{}, feed, Config{LargeTransferWei: eth(100)})

	from := common.BytesToHash(whale.Bytes())
	to := common.BytesToHash(created.Bytes())

	w.routeTransfer(types.Log{
		Address: token,
		Topics:  []common.Hash{transferTopic, from, to},
		Data:    common.BigToHash(eth(50)).Bytes(),
	})
	assert.Empty(t, feed.priority, "below threshold")

	w.routeTransfer(types.Log{
		Address: token,
		Topics:  []common.Hash{transferTopic, from, to},
		Data:    common.BigToHash(eth(500)).Bytes(),
	})
	assert.Equal(t, []common.Address{token}, feed.priority)
}

func TestScanLogsFactoryEvent(t *testing.T) {
	factory := common.HexToAddress("0x00000000000000000000000000000000000000dd")
	pair := common.HexToAddress("0x00000000000000000000000000000000000000ee")

	// PairCreated(token0, token1 indexed; pair, allPairsLength in data).
	data := append(common.BytesToHash(pair.Bytes()).Bytes(), common.BigToHash(big.NewInt(7)).Bytes()...)
	src := &fakeSource{logs: []types.Log{{
		Address: factory,
		Topics: []common.Hash{
			factoryTopics[0],
			common.BytesToHash(token.Bytes()),
			common.BytesToHash(whale.Bytes()),
		},
		Data: data,
	}}}
	feed := &fakeFeed{}
	w := New("ERROR", src, feed, Config{})

	require.NoError(t, w.scanLogs(context.Background(), 1, 2))
	assert.Contains(t, feed.priority, factory)
	assert.Contains(t, feed.priority, pair)
}

func TestCreatedAddressExtraction(t *testing.T) {
	addr := common.HexToAddress("0x1234567890123456789012345678901234567890")

	// Address first, counter after: the first address-shaped word wins.
	data := append(common.BytesToHash(addr.Bytes()).Bytes(), common.BigToHash(big.NewInt(7)).Bytes()...)
	got, ok := createdAddress(types.Log{Data: data})
	require.True(t, ok)
	assert.Equal(t, addr, got)

	_, ok = createdAddress(types.Log{Data: make([]byte, 32)})
	assert.False(t, ok)
}
