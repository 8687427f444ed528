package indexer

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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/protocol-metrics/internal/circuitbreaker"
	"github.com/yourorg/protocol-metrics/internal/model"
	"github.com/yourorg/protocol-metrics/internal/store"
)

var (
	bondA = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	bondB = common.HexToAddress("0x00000000000000000000000000000000000000e2")
	other = common.HexToAddress("0x00000000000000000000000000000000000000ff")

	errRPC = errors.New("rpc unavailable")
)

// blockTime spaces blocks an hour apart starting at day 19675
func blockTime(n uint64) uint64 {
	return 1699920000 + n*3600
}

type fakeSource struct {
	mu      sync.Mutex
	head    uint64
	logs    []types.Log
	queries []ethereum.FilterQuery
	headErr error
	logErr  error
}

func (f *fakeSource) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, f.headErr
}

func (f *fakeSource) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{Number: number, Time: blockTime(number.Uint64())}, nil
}

func (f *fakeSource) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if f.logErr != nil {
		return nil, f.logErr
	}

	from, to := q.FromBlock.Uint64(), q.ToBlock.Uint64()
	watched := make(map[common.Address]bool)
	for _, a := range q.Addresses {
		watched[a] = true
	}

	var out []types.Log
	for _, l := range f.logs {
		if l.BlockNumber >= from && l.BlockNumber <= to && watched[l.Address] {
			out = append(out, l)
		}
	}
	return out, nil
}

// fakeUpdater writes a record per event into a memory store and can fail on chosen blocks
type fakeUpdater struct {
	mu     sync.Mutex
	repo   *store.MemoryRepository
	events []model.Event
	failAt map[uint64]bool
	price  decimal.Decimal
	prices map[uint64]decimal.Decimal
}

func newFakeUpdater() *fakeUpdater {
	return &fakeUpdater{
		repo:   store.NewMemoryRepository(),
		failAt: make(map[uint64]bool),
		price:  decimal.NewFromInt(10),
		prices: make(map[uint64]decimal.Decimal),
	}
}

func (u *fakeUpdater) UpdateProtocolMetrics(ctx context.Context, ev model.Event) (*model.DailyMetric, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.events = append(u.events, ev)
	if u.failAt[ev.BlockNumber] {
		return nil, errRPC
	}

	m, err := u.repo.LoadOrCreate(ctx, model.DayKey(ev.Timestamp))
	if err != nil {
		return nil, err
	}
	m.Timestamp = ev.Timestamp
	m.BlockNumber = ev.BlockNumber
	m.TotalSupply = decimal.NewFromInt(1000)
	m.CirculatingSupply = decimal.NewFromInt(900)
	m.Price = u.price
	if p, ok := u.prices[ev.BlockNumber]; ok {
		m.Price = p
	}
	if err := u.repo.Save(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (u *fakeUpdater) blocks() []uint64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]uint64, len(u.events))
	for i, ev := range u.events {
		out[i] = ev.BlockNumber
	}
	return out
}

type sliceSink struct {
	mu      sync.Mutex
	records []*model.DailyMetric
}

func (s *sliceSink) Add(m *model.DailyMetric) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, m)
}

func logAt(block uint64, addr common.Address) types.Log {
	return types.Log{BlockNumber: block, Address: addr}
}

func TestPoll_ProcessesTriggerBlocksInOrder(t *testing.T) {
	src := &fakeSource{
		head: 100,
		logs: []types.Log{
			logAt(30, bondB),
			logAt(10, bondA),
			logAt(10, bondB), // same block, one invocation
			logAt(20, other), // not a trigger
			{BlockNumber: 40, Address: bondA, Removed: true},
			logAt(55, bondA),
		},
	}
	u := newFakeUpdater()
	sink := &sliceSink{}
	ix := New(src, u, Options{Triggers: []common.Address{bondA, bondB}, MaxBlockRange: 25}, WithSink(sink))

	require.NoError(t, ix.Poll(context.Background()))

	assert.Equal(t, []uint64{10, 30, 55}, u.blocks())
	assert.Len(t, sink.records, 3)

	status := ix.Status()
	assert.Equal(t, uint64(101), status.NextBlock)
	assert.Equal(t, uint64(100), status.Head)
	assert.Equal(t, uint64(55), status.LastBlock)
	assert.Equal(t, 3, status.Processed)

	// 0-24, 25-49, 50-74, 75-99, 100-100
	assert.Len(t, src.queries, 5)
	assert.Equal(t, uint64(100), src.queries[4].FromBlock.Uint64())
	assert.Equal(t, uint64(100), src.queries[4].ToBlock.Uint64())
}

func TestPoll_EventTimestampsFromHeaders(t *testing.T) {
	src := &fakeSource{head: 50, logs: []types.Log{logAt(5, bondA), logAt(30, bondA)}}
	u := newFakeUpdater()
	ix := New(src, u, Options{Triggers: []common.Address{bondA}})

	require.NoError(t, ix.Poll(context.Background()))

	require.Len(t, u.events, 2)
	assert.Equal(t, blockTime(5), u.events[0].Timestamp)
	assert.Equal(t, bondA.Hex(), u.events[0].Source)

	// block 5 is day 0 of the fixture, block 30 is the next day
	assert.Equal(t, 2, u.repo.Len())
}

func TestPoll_Confirmations(t *testing.T) {
	src := &fakeSource{head: 100, logs: []types.Log{logAt(90, bondA), logAt(95, bondA)}}
	u := newFakeUpdater()
	ix := New(src, u, Options{Triggers: []common.Address{bondA}, Confirmations: 8})

	require.NoError(t, ix.Poll(context.Background()))
	assert.Equal(t, []uint64{90}, u.blocks())
	assert.Equal(t, uint64(93), ix.Status().NextBlock)

	src.head = 110
	require.NoError(t, ix.Poll(context.Background()))
	assert.Equal(t, []uint64{90, 95}, u.blocks())
}

func TestPoll_FailureStopsAtBlock(t *testing.T) {
	src := &fakeSource{head: 100, logs: []types.Log{logAt(10, bondA), logAt(20, bondA), logAt(30, bondA)}}
	u := newFakeUpdater()
	u.failAt[20] = true
	ix := New(src, u, Options{Triggers: []common.Address{bondA}})

	err := ix.Poll(context.Background())
	require.ErrorIs(t, err, errRPC)
	assert.Equal(t, []uint64{10, 20}, u.blocks())

	status := ix.Status()
	assert.Equal(t, uint64(11), status.NextBlock, "cursor should not pass the failed block")
	assert.Equal(t, 1, status.Failures)
	assert.Contains(t, status.LastError, "rpc unavailable")

	// recovered RPC retries the failed block and continues
	delete(u.failAt, 20)
	require.NoError(t, ix.Poll(context.Background()))
	assert.Equal(t, []uint64{10, 20, 20, 30}, u.blocks())
	assert.Equal(t, uint64(101), ix.Status().NextBlock)
	assert.Empty(t, ix.Status().LastError)
}

func TestPoll_CircuitBreakerPauses(t *testing.T) {
	src := &fakeSource{head: 100, headErr: errRPC}
	u := newFakeUpdater()
	cb := circuitbreaker.New(circuitbreaker.Thresholds{MaxConsecutiveFailures: 2}).WithResetDelay(time.Hour)
	ix := New(src, u, Options{Triggers: []common.Address{bondA}}, WithBreaker(cb))

	assert.ErrorIs(t, ix.Poll(context.Background()), errRPC)
	assert.ErrorIs(t, ix.Poll(context.Background()), errRPC)
	assert.Equal(t, circuitbreaker.StateOpen, cb.GetState())

	src.headErr = nil
	assert.ErrorIs(t, ix.Poll(context.Background()), circuitbreaker.ErrOpen)
	assert.Equal(t, "open", ix.Status().CircuitState)

	cb.Reset()
	assert.NoError(t, ix.Poll(context.Background()))
}

func TestPoll_BreakerTripStopsPass(t *testing.T) {
	src := &fakeSource{head: 100, logs: []types.Log{logAt(10, bondA), logAt(20, bondA), logAt(30, bondA)}}
	u := newFakeUpdater()
	u.prices[20] = decimal.NewFromInt(100)
	u.prices[30] = decimal.NewFromInt(12)
	cb := circuitbreaker.New(circuitbreaker.Thresholds{MaxConsecutiveFailures: 3, MaxPriceChange: 0.5}).
		WithResetDelay(time.Hour)
	ix := New(src, u, Options{Triggers: []common.Address{bondA}}, WithBreaker(cb))

	err := ix.Poll(context.Background())
	require.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, circuitbreaker.StateOpen, cb.GetState())
	assert.Equal(t, []uint64{10, 20}, u.blocks())
	assert.Equal(t, uint64(21), ix.Status().NextBlock)

	// paused until the breaker lets it through
	assert.ErrorIs(t, ix.Poll(context.Background()), circuitbreaker.ErrOpen)
	assert.Equal(t, []uint64{10, 20}, u.blocks())

	cb.Reset()
	require.NoError(t, ix.Poll(context.Background()))
	assert.Equal(t, []uint64{10, 20, 30}, u.blocks())
	assert.Equal(t, uint64(101), ix.Status().NextBlock)
}

func TestPoll_LogFilterError(t *testing.T) {
	src := &fakeSource{head: 100, logErr: errRPC}
	ix := New(src, newFakeUpdater(), Options{Triggers: []common.Address{bondA}})

	err := ix.Poll(context.Background())
	assert.ErrorIs(t, err, errRPC)
	assert.Equal(t, uint64(0), ix.Status().NextBlock)
}

func TestResume(t *testing.T) {
	u := newFakeUpdater()
	ctx := context.Background()
	_, err := u.UpdateProtocolMetrics(ctx, model.Event{BlockNumber: 40, Timestamp: blockTime(40)})
	require.NoError(t, err)

	src := &fakeSource{head: 60, logs: []types.Log{logAt(30, bondA), logAt(50, bondA)}}
	ix := New(src, u, Options{Triggers: []common.Address{bondA}, StartBlock: 5}, WithHistory(u.repo))

	require.NoError(t, ix.Resume(ctx))
	assert.Equal(t, uint64(41), ix.Status().NextBlock)

	require.NoError(t, ix.Poll(ctx))
	assert.Equal(t, []uint64{40, 50}, u.blocks())
}

func TestResume_StartBlockWins(t *testing.T) {
	u := newFakeUpdater()
	ctx := context.Background()
	_, err := u.UpdateProtocolMetrics(ctx, model.Event{BlockNumber: 3, Timestamp: blockTime(3)})
	require.NoError(t, err)

	ix := New(&fakeSource{}, u, Options{StartBlock: 100}, WithHistory(u.repo))
	require.NoError(t, ix.Resume(ctx))
	assert.Equal(t, uint64(100), ix.Status().NextBlock)
}

func TestSnapshot(t *testing.T) {
	src := &fakeSource{head: 20}
	u := newFakeUpdater()
	ix := New(src, u, Options{Triggers: []common.Address{bondA}})

	_, err := ix.Snapshot(context.Background())
	assert.Error(t, err, "nothing scanned yet")

	require.NoError(t, ix.Poll(context.Background()))
	m, err := ix.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(20), m.BlockNumber)

	require.Len(t, u.events, 1)
	assert.Equal(t, SourceCron, u.events[0].Source)
}

// gatedUpdater holds the invocation for one block until released
type gatedUpdater struct {
	*fakeUpdater
	block   uint64
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedUpdater) UpdateProtocolMetrics(ctx context.Context, ev model.Event) (*model.DailyMetric, error) {
	if ev.BlockNumber == g.block {
		g.once.Do(func() {
			close(g.entered)
			<-g.release
		})
	}
	return g.fakeUpdater.UpdateProtocolMetrics(ctx, ev)
}

func TestSnapshot_WaitsForInFlightBlock(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{head: 10, logs: []types.Log{logAt(5, bondA), logAt(12, bondA)}}
	g := &gatedUpdater{
		fakeUpdater: newFakeUpdater(),
		block:       12,
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	ix := New(src, g, Options{Triggers: []common.Address{bondA}})
	require.NoError(t, ix.Poll(ctx))

	src.mu.Lock()
	src.head = 12
	src.mu.Unlock()

	pollDone := make(chan error, 1)
	go func() { pollDone <- ix.Poll(ctx) }()
	<-g.entered

	snapDone := make(chan error, 1)
	go func() {
		_, err := ix.Snapshot(ctx)
		snapDone <- err
	}()

	// give the snapshot time to queue behind block 12
	time.Sleep(20 * time.Millisecond)
	close(g.release)
	require.NoError(t, <-pollDone)
	require.NoError(t, <-snapDone)

	blocks := g.blocks()
	require.Len(t, blocks, 3)
	assert.Equal(t, []uint64{5, 12}, blocks[:2])
	assert.GreaterOrEqual(t, blocks[2], uint64(12), "snapshot must not run behind block 12")

	stored, err := g.repo.Get(ctx, model.DayKey(blockTime(12)))
	require.NoError(t, err)
	assert.Equal(t, uint64(12), stored.BlockNumber)
}

func TestProcessBlock_RefusesStaleBlock(t *testing.T) {
	u := newFakeUpdater()
	ix := New(&fakeSource{}, u, Options{})

	_, err := ix.ProcessBlock(context.Background(), 12, "test")
	require.NoError(t, err)
	_, err = ix.ProcessBlock(context.Background(), 11, "test")
	assert.ErrorIs(t, err, ErrStaleBlock)
	assert.Equal(t, []uint64{12}, u.blocks())

	// the same block may be recomputed
	_, err = ix.ProcessBlock(context.Background(), 12, "test")
	assert.NoError(t, err)
}

func TestProcessBlock_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	u := newFakeUpdater()
	u.failAt[7] = true
	ix := New(&fakeSource{}, u, Options{}, WithMetrics(metrics))

	_, err := ix.ProcessBlock(context.Background(), 5, "test")
	require.NoError(t, err)
	_, err = ix.ProcessBlock(context.Background(), 7, "test")
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.invocations.WithLabelValues("test", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.invocations.WithLabelValues("test", "error")))
	assert.Equal(t, 10.0, testutil.ToFloat64(metrics.values.WithLabelValues("price")))
}

func TestProcessBlock_ValidationCounted(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	u := newFakeUpdater()
	u.price = decimal.Zero
	ix := New(&fakeSource{}, u, Options{}, WithMetrics(metrics))

	_, err := ix.ProcessBlock(context.Background(), 5, "test")
	require.NoError(t, err, "validation problems are reported, not fatal")
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.validationErrors))
}

func TestProcessBlock_ValidationDisabled(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	u := newFakeUpdater()
	u.price = decimal.Zero
	ix := New(&fakeSource{}, u, Options{}, WithMetrics(metrics), WithValidation(false))

	_, err := ix.ProcessBlock(context.Background(), 5, "test")
	require.NoError(t, err)
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.validationErrors))
}

func TestRun_StopsOnCancel(t *testing.T) {
	src := &fakeSource{head: 10, logs: []types.Log{logAt(3, bondA)}}
	u := newFakeUpdater()
	ix := New(src, u, Options{Triggers: []common.Address{bondA}, PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ix.Run(ctx) }()

	assert.Eventually(t, func() bool { return ix.Status().NextBlock == 11 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	assert.Equal(t, []uint64{3}, u.blocks())
}

func TestRun_InvalidCron(t *testing.T) {
	ix := New(&fakeSource{}, newFakeUpdater(), Options{SnapshotCron: "not a schedule"})
	err := ix.Run(context.Background())
	assert.Error(t, err)
}
