// Package indexer follows the trigger contracts' logs and invokes the metrics computation once
// per triggering block, serially and in block order.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/protocol-metrics/internal/circuitbreaker"
	"github.com/yourorg/protocol-metrics/internal/model"
	"github.com/yourorg/protocol-metrics/internal/validation"
)

// SourceCron marks invocations started by the snapshot schedule
const SourceCron = "cron"

// ErrStaleBlock is returned by ProcessBlock for a block below the last processed one
var ErrStaleBlock = errors.New("block is behind the last processed block")

// ChainSource is the part of an RPC client the follower needs. *ethclient.Client satisfies it.
type ChainSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// Updater recomputes the day record for an event
type Updater interface {
	UpdateProtocolMetrics(ctx context.Context, ev model.Event) (*model.DailyMetric, error)
}

// History returns the most recently stored records, newest first
type History interface {
	List(ctx context.Context, limit int) ([]*model.DailyMetric, error)
}

// Sink receives every saved record
type Sink interface {
	Add(m *model.DailyMetric)
}

// Options configures the follower
type Options struct {
	Triggers      []common.Address
	StartBlock    uint64
	PollInterval  time.Duration
	MaxBlockRange uint64
	Confirmations uint64

	// Optional cron spec (five fields) for snapshots at the last scanned block
	SnapshotCron string
}

// Status is a point-in-time view of the follower
type Status struct {
	NextBlock    uint64 `json:"next_block"`
	Head         uint64 `json:"head"`
	LastBlock    uint64 `json:"last_block"`
	LastDay      string `json:"last_day,omitempty"`
	LastError    string `json:"last_error,omitempty"`
	Processed    int    `json:"processed"`
	Failures     int    `json:"failures"`
	CircuitState string `json:"circuit_state"`
}

// Indexer drives the metrics computation from chain logs
type Indexer struct {
	src     ChainSource
	updater Updater
	opts    Options

	breaker  *circuitbreaker.CircuitBreaker
	metrics  *Metrics
	history  History
	sinks    []Sink
	validate bool

	// runMu serialises invocations; mu guards the fields below
	runMu sync.Mutex
	mu    sync.RWMutex

	next      uint64
	head      uint64
	lastBlock uint64
	lastDay   string
	lastError string
	processed int
	failures  int
}

// Option configures an Indexer
type Option func(*Indexer)

// WithBreaker pauses processing after repeated failures
func WithBreaker(cb *circuitbreaker.CircuitBreaker) Option {
	return func(ix *Indexer) { ix.breaker = cb }
}

// WithMetrics records Prometheus metrics
func WithMetrics(m *Metrics) Option {
	return func(ix *Indexer) { ix.metrics = m }
}

// WithHistory lets the follower resume after the latest stored block
func WithHistory(h History) Option {
	return func(ix *Indexer) { ix.history = h }
}

// WithSink forwards saved records, e.g. to a webhook exporter
func WithSink(s Sink) Option {
	return func(ix *Indexer) { ix.sinks = append(ix.sinks, s) }
}

// WithValidation runs sanity checks on every saved record
func WithValidation(enabled bool) Option {
	return func(ix *Indexer) { ix.validate = enabled }
}

// New creates an Indexer. Scanning starts at opts.StartBlock unless history says otherwise.
func New(src ChainSource, updater Updater, opts Options, options ...Option) *Indexer {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.MaxBlockRange == 0 {
		opts.MaxBlockRange = 2000
	}

	ix := &Indexer{
		src:      src,
		updater:  updater,
		opts:     opts,
		next:     opts.StartBlock,
		validate: true,
	}
	for _, o := range options {
		o(ix)
	}
	return ix
}

// Resume moves the cursor past the newest stored record
func (ix *Indexer) Resume(ctx context.Context) error {
	if ix.history == nil {
		return nil
	}
	latest, err := ix.history.List(ctx, 1)
	if err != nil {
		return fmt.Errorf("failed to read latest record: %w", err)
	}
	if len(latest) == 0 {
		return nil
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if resume := latest[0].BlockNumber + 1; resume > ix.next {
		ix.next = resume
		ix.lastBlock = latest[0].BlockNumber
		ix.lastDay = latest[0].ID
	}
	logrus.WithFields(logrus.Fields{
		"day":   latest[0].ID,
		"block": latest[0].BlockNumber,
		"next":  ix.next,
	}).Info("Resuming from stored record")
	return nil
}

// Run follows the chain until ctx is cancelled
func (ix *Indexer) Run(ctx context.Context) error {
	if err := ix.Resume(ctx); err != nil {
		return err
	}

	if ix.opts.SnapshotCron != "" {
		c := cron.New()
		if _, err := c.AddFunc(ix.opts.SnapshotCron, func() {
			if _, err := ix.Snapshot(ctx); err != nil {
				logrus.Warnf("Scheduled snapshot failed: %v", err)
			}
		}); err != nil {
			return fmt.Errorf("invalid snapshot schedule %q: %w", ix.opts.SnapshotCron, err)
		}
		c.Start()
		defer c.Stop()
		logrus.Infof("Snapshot schedule enabled: %s", ix.opts.SnapshotCron)
	}

	logrus.WithFields(logrus.Fields{
		"triggers":      len(ix.opts.Triggers),
		"start":         ix.Status().NextBlock,
		"poll_interval": ix.opts.PollInterval,
	}).Info("Indexer started")

	ticker := time.NewTicker(ix.opts.PollInterval)
	defer ticker.Stop()

	for {
		if err := ix.Poll(ctx); err != nil && !errors.Is(err, circuitbreaker.ErrOpen) {
			logrus.Warnf("Poll failed: %v", err)
		}

		select {
		case <-ctx.Done():
			logrus.Info("Indexer stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Poll scans from the cursor up to the confirmed head and processes every triggering block.
// The cursor only moves past a block once it has been processed. A failed block stops the
// pass and the next poll rescans from the cursor. A record that opens the circuit breaker
// also stops the pass, with ErrOpen.
func (ix *Indexer) Poll(ctx context.Context) error {
	if ix.breaker != nil {
		if err := ix.breaker.Allow(); err != nil {
			return err
		}
	}

	latest, err := ix.src.BlockNumber(ctx)
	if err != nil {
		ix.fail(err)
		return fmt.Errorf("failed to read head: %w", err)
	}
	if latest < ix.opts.Confirmations {
		return nil
	}
	head := latest - ix.opts.Confirmations

	ix.mu.Lock()
	ix.head = head
	next := ix.next
	ix.mu.Unlock()
	ix.metrics.observeBlocks(head, next)

	for next <= head {
		to := next + ix.opts.MaxBlockRange - 1
		if to > head {
			to = head
		}

		blocks, err := ix.triggerBlocks(ctx, next, to)
		if err != nil {
			ix.fail(err)
			return err
		}

		for _, b := range blocks {
			_, err := ix.ProcessBlock(ctx, b.number, b.source)
			if err != nil && !errors.Is(err, ErrStaleBlock) {
				return err
			}
			ix.advance(b.number + 1)

			if ix.breaker != nil && ix.breaker.GetState() == circuitbreaker.StateOpen {
				return circuitbreaker.ErrOpen
			}
		}

		next = to + 1
		ix.advance(next)
		ix.metrics.observeBlocks(head, next)
	}
	return nil
}

type triggerBlock struct {
	number uint64
	source string
}

// triggerBlocks returns the distinct blocks in [from, to] holding a trigger log, ascending
func (ix *Indexer) triggerBlocks(ctx context.Context, from, to uint64) ([]triggerBlock, error) {
	if len(ix.opts.Triggers) == 0 {
		return nil, nil
	}

	logs, err := ix.src.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: ix.opts.Triggers,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to filter logs %d-%d: %w", from, to, err)
	}

	seen := make(map[uint64]bool, len(logs))
	blocks := make([]triggerBlock, 0, len(logs))
	for _, l := range logs {
		if l.Removed || seen[l.BlockNumber] {
			continue
		}
		seen[l.BlockNumber] = true
		blocks = append(blocks, triggerBlock{number: l.BlockNumber, source: l.Address.Hex()})
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].number < blocks[j].number })

	logrus.WithFields(logrus.Fields{
		"from":   from,
		"to":     to,
		"logs":   len(logs),
		"blocks": len(blocks),
	}).Debug("Scanned block range")
	return blocks, nil
}

// ProcessBlock runs one metrics computation pinned to blockNumber. Blocks below the last
// processed block are refused with ErrStaleBlock so a day's record never moves back in time.
func (ix *Indexer) ProcessBlock(ctx context.Context, blockNumber uint64, source string) (*model.DailyMetric, error) {
	ix.runMu.Lock()
	defer ix.runMu.Unlock()
	return ix.processBlock(ctx, blockNumber, source)
}

// processBlock must be called with runMu held
func (ix *Indexer) processBlock(ctx context.Context, blockNumber uint64, source string) (*model.DailyMetric, error) {
	ix.mu.RLock()
	last := ix.lastBlock
	ix.mu.RUnlock()
	if blockNumber < last {
		logrus.WithFields(logrus.Fields{"block": blockNumber, "last": last}).Debug("Skipping stale block")
		return nil, ErrStaleBlock
	}

	start := time.Now()
	header, err := ix.src.HeaderByNumber(ctx, new(big.Int).SetUint64(blockNumber))
	if err != nil {
		err = fmt.Errorf("failed to read header %d: %w", blockNumber, err)
		ix.fail(err)
		ix.metrics.observeInvocation(source, "error", time.Since(start).Seconds())
		return nil, err
	}

	ev := model.Event{BlockNumber: blockNumber, Timestamp: header.Time, Source: source}
	m, err := ix.updater.UpdateProtocolMetrics(ctx, ev)
	if err != nil {
		ix.fail(err)
		ix.metrics.observeInvocation(source, "error", time.Since(start).Seconds())
		logrus.WithFields(logrus.Fields{
			"block":  blockNumber,
			"source": source,
		}).Errorf("Metrics update failed: %v", err)
		return nil, err
	}
	ix.metrics.observeInvocation(source, "ok", time.Since(start).Seconds())

	if ix.validate {
		if verr := validation.Validate(m); verr != nil {
			ix.metrics.observeValidationError()
			logrus.WithFields(logrus.Fields{"day": m.ID, "block": blockNumber}).Warnf("Record failed sanity checks: %v", verr)
		}
	}
	if ix.breaker != nil {
		if cerr := ix.breaker.Check(m); cerr != nil {
			logrus.Warnf("Record at block %d tripped the circuit breaker: %v", blockNumber, cerr)
		}
		ix.metrics.observeBreaker(ix.breaker.GetState())
	}

	ix.metrics.observeRecord(m)
	for _, s := range ix.sinks {
		s.Add(m)
	}

	ix.mu.Lock()
	ix.lastBlock = blockNumber
	ix.lastDay = m.ID
	ix.lastError = ""
	ix.processed++
	ix.mu.Unlock()
	return m, nil
}

// Snapshot recomputes the current day at the last fully scanned block, never past the cursor.
func (ix *Indexer) Snapshot(ctx context.Context) (*model.DailyMetric, error) {
	if ix.breaker != nil {
		if err := ix.breaker.Allow(); err != nil {
			return nil, err
		}
	}

	// The cursor is read under runMu so an in-flight block finishes first
	ix.runMu.Lock()
	defer ix.runMu.Unlock()

	ix.mu.RLock()
	next, last := ix.next, ix.lastBlock
	ix.mu.RUnlock()
	if next == 0 || next <= ix.opts.StartBlock {
		return nil, errors.New("nothing scanned yet")
	}

	block := next - 1
	if block < last {
		block = last
	}
	return ix.processBlock(ctx, block, SourceCron)
}

// Status returns the follower's progress
func (ix *Indexer) Status() Status {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	s := Status{
		NextBlock:    ix.next,
		Head:         ix.head,
		LastBlock:    ix.lastBlock,
		LastDay:      ix.lastDay,
		LastError:    ix.lastError,
		Processed:    ix.processed,
		Failures:     ix.failures,
		CircuitState: circuitbreaker.StateClosed.String(),
	}
	if ix.breaker != nil {
		s.CircuitState = ix.breaker.GetState().String()
	}
	return s
}

func (ix *Indexer) advance(next uint64) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if next > ix.next {
		ix.next = next
	}
}

func (ix *Indexer) fail(err error) {
	ix.mu.Lock()
	ix.failures++
	ix.lastError = err.Error()
	ix.mu.Unlock()

	if ix.breaker != nil {
		ix.breaker.RecordFailure(err)
		ix.metrics.observeBreaker(ix.breaker.GetState())
	}
}
