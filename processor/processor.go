// Copyright 2024 Coinbase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package processor

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/coinbase/chainledger/logger"
	"github.com/coinbase/chainledger/parser"
	"github.com/coinbase/chainledger/storage/modules"
	"github.com/coinbase/chainledger/store"
	"github.com/coinbase/chainledger/store/schema"
	"github.com/coinbase/chainledger/types"
)

const (
	// CursorLastSynced keys the store cursor recording the highest block
	// whose processing transaction committed.
	CursorLastSynced = "last_synced"

	// storeFlushEvery is the number of background flush ticks between
	// store writes.
	storeFlushEvery = 4
)

// LastSyncedBlock reads the processing cursor. A missing cursor means
// nothing has been processed yet and reports -1.
func LastSyncedBlock(ctx context.Context, tx store.Txn) (int64, error) {
	value, err := tx.Cursor(ctx, CursorLastSynced)
	if err != nil {
		return 0, fmt.Errorf("unable to read cursor %s: %w", CursorLastSynced, err)
	}
	if value == "" {
		return -1, nil
	}

	block, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("cursor %s holds %q: %w", CursorLastSynced, value, err)
	}

	return block, nil
}

// Config is the processor's static configuration, resolved once at
// construction.
type Config struct {
	// Topic is the record stream this processor consumes.
	Topic string

	// Token is the currency the ledger is denominated in. The caches
	// and generator handed to New must be configured for the same one.
	Token types.TokenType

	// MaxProcessingTime bounds one Process call. Harnesses use it as
	// their redelivery deadline.
	MaxProcessingTime time.Duration

	// FlushInterval is the background flush loop's tick interval. Zero
	// disables the loop.
	FlushInterval time.Duration
}

type state uint8

const (
	stateUninitialised state = iota
	stateInitialising
	stateReady
	stateProcessing
	stateRewinding
	stateResetting
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateUninitialised:
		return "uninitialised"
	case stateInitialising:
		return "initialising"
	case stateReady:
		return "ready"
	case stateProcessing:
		return "processing"
	case stateRewinding:
		return "rewinding"
	case stateResetting:
		return "resetting"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Processor folds block records into the native-currency ledger: it
// derives each record's deltas, persists the trace and delta history,
// feeds both caches, and keeps the processing cursor in step. The
// harness delivers one record at a time; a call arriving while another
// hook still runs gets ErrProcessorNotReady instead of queueing. The
// background flush loop is the only concurrent path and serializes its
// store writes with the hooks through hookMutex.
type Processor struct {
	cfg Config

	store    store.Store
	parser   *parser.Parser
	balances *modules.BalanceCache
	counts   *modules.CountCache

	// mutex guards state transitions only; hooks run outside it and
	// exclude each other through the state machine.
	mutex sync.Mutex
	state state

	// hookMutex serializes hook bodies with the background store
	// writes. A hook arriving mid-write waits it out; a background
	// write arriving mid-hook skips its turn.
	hookMutex sync.Mutex

	// lastProcessed is the highest block the memory tiers may have
	// absorbed, including attempts whose store transaction later rolled
	// back. Only the hook that holds a transient state touches it.
	lastProcessed int64

	closeOnce sync.Once
	closed    chan struct{}
	loopDone  chan struct{}
}

// New returns a new Processor. Initialise must be called before any
// other hook.
func New(
	cfg Config,
	s store.Store,
	gen *parser.Parser,
	balances *modules.BalanceCache,
	counts *modules.CountCache,
) *Processor {
	return &Processor{
		cfg:           cfg,
		store:         s,
		parser:        gen,
		balances:      balances,
		counts:        counts,
		state:         stateUninitialised,
		lastProcessed: -1,
		closed:        make(chan struct{}),
	}
}

// begin moves a ready processor into the transient state owned by one
// hook invocation.
func (p *Processor) begin(next state) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.state != stateReady {
		return fmt.Errorf("%s requested while processor is %s: %w", next, p.state, ErrProcessorNotReady)
	}
	p.state = next

	return nil
}

// finish returns the processor to ready unless Close ran meanwhile.
func (p *Processor) finish() {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.state != stateClosed {
		p.state = stateReady
	}
}

// Initialise prepares both caches against the store's committed state
// and starts the background flush loop. A disk tier that disagrees
// with lastSynced aborts startup; the operator wipes the cache
// directory or runs a full resync.
func (p *Processor) Initialise(
	ctx context.Context,
	tx store.Txn,
	lastSynced int64,
) error {
	p.mutex.Lock()
	if p.state != stateUninitialised {
		current := p.state
		p.mutex.Unlock()
		return fmt.Errorf("initialise requested while processor is %s: %w", current, ErrProcessorNotReady)
	}
	p.state = stateInitialising
	p.mutex.Unlock()

	if err := p.initialise(ctx, tx, lastSynced); err != nil {
		p.mutex.Lock()
		if p.state != stateClosed {
			p.state = stateUninitialised
		}
		p.mutex.Unlock()
		return err
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.state == stateClosed {
		return fmt.Errorf("processor closed during initialise: %w", ErrProcessorNotReady)
	}

	p.state = stateReady
	if p.cfg.FlushInterval > 0 {
		p.loopDone = make(chan struct{})
		go p.flushLoop(ctx)
	}

	return nil
}

func (p *Processor) initialise(
	ctx context.Context,
	tx store.Txn,
	lastSynced int64,
) error {
	if err := p.balances.Initialise(ctx, tx, lastSynced); err != nil {
		return fmt.Errorf("unable to initialise balance cache: %w", err)
	}

	if err := p.counts.Initialise(ctx, tx, lastSynced); err != nil {
		return fmt.Errorf("unable to initialise count cache: %w", err)
	}

	p.lastProcessed = lastSynced

	return nil
}

// Process folds one block record into the ledger. A record at or below
// the processing mark is a replay (harness redelivery or an operator
// re-feed); it is routed through an internal rewind first so running
// the same block twice converges on the same state.
func (p *Processor) Process(
	ctx context.Context,
	tx store.Txn,
	record *types.BlockRecord,
) error {
	if err := p.begin(stateProcessing); err != nil {
		return err
	}
	p.hookMutex.Lock()
	defer p.hookMutex.Unlock()
	defer p.finish()

	blockNumber := record.Block.Index
	if blockNumber < 0 {
		return fmt.Errorf("record %s has a negative height", record.Block.String())
	}

	if blockNumber <= p.lastProcessed {
		if err := p.rewindUntil(ctx, tx, blockNumber); err != nil {
			return fmt.Errorf("unable to rewind for replay of block %d: %w", blockNumber, err)
		}
	}

	deltas, err := p.parser.BlockDeltas(ctx, record)
	if err != nil {
		return fmt.Errorf("unable to derive deltas of block %s: %w", record.Block.String(), err)
	}

	if err := p.persistBlock(ctx, tx, record, deltas); err != nil {
		return err
	}

	// The memory tiers absorb this block next. Moving the mark first
	// routes a failed attempt's redelivery through the rewind above,
	// which sweeps out any half-applied entries.
	p.lastProcessed = blockNumber

	if err := p.balances.Apply(ctx, deltas); err != nil {
		return fmt.Errorf("unable to apply deltas of block %d: %w", blockNumber, err)
	}

	groups := map[int64][]*types.Delta{}
	for _, delta := range deltas {
		groups[delta.BlockNumber] = append(groups[delta.BlockNumber], delta)
	}
	blocks := make([]int64, 0, len(groups))
	for block := range groups {
		blocks = append(blocks, block)
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i] < blocks[j] })
	for _, block := range blocks {
		if err := p.counts.Count(ctx, groups[block], block); err != nil {
			return fmt.Errorf("unable to count deltas of block %d: %w", block, err)
		}
	}

	if err := p.balances.WriteToDb(ctx, tx); err != nil {
		return fmt.Errorf("unable to write balances of block %d: %w", blockNumber, err)
	}
	if err := p.counts.WriteToDb(ctx, tx); err != nil {
		return fmt.Errorf("unable to write counts of block %d: %w", blockNumber, err)
	}

	if err := tx.SetCursor(ctx, CursorLastSynced, strconv.FormatInt(blockNumber, 10)); err != nil {
		return fmt.Errorf("unable to advance cursor past block %d: %w", blockNumber, err)
	}

	metricBlocksProcessed().Add(1)
	metricsHandleDeltas(deltas)

	return nil
}

// persistBlock writes the record's traces and derived deltas to the
// store. Rows from an earlier run of the same block were removed by
// the replay rewind before this runs.
func (p *Processor) persistBlock(
	ctx context.Context,
	tx store.Txn,
	record *types.BlockRecord,
	deltas []*types.Delta,
) error {
	traces := make([]*schema.Trace, len(record.Traces))
	for i, trace := range record.Traces {
		traces[i] = traceRow(record, trace)
	}
	if err := tx.InsertTraces(ctx, traces); err != nil {
		return fmt.Errorf("unable to persist traces of block %d: %w", record.Block.Index, err)
	}

	rows := make([]*schema.BalanceDelta, len(deltas))
	for i, delta := range deltas {
		if err := delta.Type.Valid(); err != nil {
			return fmt.Errorf("%s: %w", err.Error(), ErrUnsupportedDeltaType)
		}
		rows[i] = deltaRow(delta)
	}
	if err := tx.InsertDeltas(ctx, rows); err != nil {
		return fmt.Errorf("unable to persist deltas of block %d: %w", record.Block.Index, err)
	}

	return nil
}

// RewindUntil rolls everything derived from blocks at or after block
// out of the ledger: cache tiers regress against the store's remaining
// history, trace and delta rows are deleted, and the cursor moves to
// block-1. A target beyond the processing mark is a no-op. Idempotent.
func (p *Processor) RewindUntil(
	ctx context.Context,
	tx store.Txn,
	block int64,
) error {
	if err := p.begin(stateRewinding); err != nil {
		return err
	}
	p.hookMutex.Lock()
	defer p.hookMutex.Unlock()
	defer p.finish()

	if block > p.lastProcessed {
		return nil
	}

	return p.rewindUntil(ctx, tx, block)
}

// rewindUntil assumes the caller holds a transient state. The caches
// rewind first because they replay from the delta history this
// afterwards deletes.
func (p *Processor) rewindUntil(ctx context.Context, tx store.Txn, block int64) error {
	if block < 0 {
		block = 0
	}

	if err := p.balances.RewindUntil(ctx, tx, block); err != nil {
		return fmt.Errorf("unable to rewind balance cache to %d: %w", block, err)
	}
	if err := p.counts.RewindUntil(ctx, tx, block); err != nil {
		return fmt.Errorf("unable to rewind count cache to %d: %w", block, err)
	}

	if _, err := tx.DeleteTracesFrom(ctx, block); err != nil {
		return fmt.Errorf("unable to delete traces from %d: %w", block, err)
	}
	if _, err := tx.DeleteDeltasFrom(ctx, block); err != nil {
		return fmt.Errorf("unable to delete deltas from %d: %w", block, err)
	}

	if err := tx.SetCursor(ctx, CursorLastSynced, strconv.FormatInt(block-1, 10)); err != nil {
		return fmt.Errorf("unable to regress cursor to %d: %w", block-1, err)
	}

	p.lastProcessed = block - 1
	metricRewinds().Add(1)

	return nil
}

// Reset drops everything this processor ever derived: the trace and
// delta history, both caches' tiers, and the cursor. The next run
// replays the stream from genesis.
func (p *Processor) Reset(ctx context.Context, tx store.Txn) error {
	if err := p.begin(stateResetting); err != nil {
		return err
	}
	p.hookMutex.Lock()
	defer p.hookMutex.Unlock()
	defer p.finish()

	if _, err := tx.DeleteTracesFrom(ctx, 0); err != nil {
		return fmt.Errorf("unable to truncate traces: %w", err)
	}
	if _, err := tx.DeleteDeltasFrom(ctx, 0); err != nil {
		return fmt.Errorf("unable to truncate deltas: %w", err)
	}

	if err := p.balances.Reset(ctx, tx); err != nil {
		return fmt.Errorf("unable to reset balance cache: %w", err)
	}
	if err := p.counts.Reset(ctx, tx); err != nil {
		return fmt.Errorf("unable to reset count cache: %w", err)
	}

	if err := tx.SetCursor(ctx, CursorLastSynced, "-1"); err != nil {
		return fmt.Errorf("unable to reset cursor: %w", err)
	}

	p.lastProcessed = -1

	return nil
}

// Topic returns the record stream this processor consumes.
func (p *Processor) Topic() string {
	return p.cfg.Topic
}

// BlockHash returns the hash a record claims for itself. Harnesses use
// it for parent-hash continuity checks.
func (p *Processor) BlockHash(record *types.BlockRecord) common.Hash {
	return record.Block.Hash
}

// MaxProcessingTime bounds one Process call.
func (p *Processor) MaxProcessingTime() time.Duration {
	return p.cfg.MaxProcessingTime
}

// Close stops the background flush loop and refuses further hooks.
// Safe to call more than once.
func (p *Processor) Close() {
	p.closeOnce.Do(func() {
		p.mutex.Lock()
		p.state = stateClosed
		loopDone := p.loopDone
		p.mutex.Unlock()

		close(p.closed)
		if loopDone != nil {
			<-loopDone
		}
	})
}

// flushLoop periodically moves dirty memory entries to the disk tier
// and, every storeFlushEvery ticks, pushes the disk tier's backlog to
// the store in its own transaction. Flush failures are logged and
// retried on the next tick; the dirty sets survive a failed attempt.
func (p *Processor) flushLoop(ctx context.Context) {
	defer close(p.loopDone)

	timer := time.NewTimer(p.cfg.FlushInterval)
	defer timer.Stop()

	for tick := 0; ; tick++ {
		select {
		case <-p.closed:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
			if err := p.flushTick(ctx, tick); err != nil {
				logger.WarnCtx(ctx, "background flush failed", zap.Error(err))
			}
			timer.Reset(p.cfg.FlushInterval)
		}
	}
}

func (p *Processor) flushTick(ctx context.Context, tick int) error {
	started := time.Now()
	defer func() {
		metricFlushDuration().Observe(time.Since(started).Milliseconds())
	}()

	if err := p.balances.Flush(ctx); err != nil {
		return fmt.Errorf("unable to flush balance cache: %w", err)
	}
	if err := p.counts.Flush(ctx); err != nil {
		return fmt.Errorf("unable to flush count cache: %w", err)
	}

	metricCacheEntries().SetWithLabel(int64(p.balances.Size()), map[string]string{"cache": "balance"})
	metricCacheEntries().SetWithLabel(int64(p.counts.Size()), map[string]string{"cache": "count"})

	if (tick+1)%storeFlushEvery != 0 {
		return nil
	}

	p.hookMutex.Lock()
	defer p.hookMutex.Unlock()

	// A hook that grabbed the transient state but is still waiting on
	// the mutex above gets priority; its own WriteToDb carries the
	// backlog and the next store tick catches anything left.
	p.mutex.Lock()
	ready := p.state == stateReady
	p.mutex.Unlock()
	if !ready {
		return nil
	}

	return p.store.Transaction(ctx, func(txn store.Txn) error {
		if err := p.balances.WriteToDb(ctx, txn); err != nil {
			return fmt.Errorf("unable to write balance backlog: %w", err)
		}
		if err := p.counts.WriteToDb(ctx, txn); err != nil {
			return fmt.Errorf("unable to write count backlog: %w", err)
		}
		return nil
	})
}

func traceRow(record *types.BlockRecord, trace *types.Trace) *schema.Trace {
	row := &schema.Trace{
		BlockNumber:  record.Block.Index,
		BlockHash:    record.Block.Hash.Hex(),
		TraceIndex:   trace.Index,
		Kind:         trace.Kind,
		CallKind:     trace.CallKind,
		RewardKind:   trace.RewardKind,
		TraceAddress: traceAddressPath(trace.TraceAddress),
		FromAddress:  types.LowerHex(trace.From),
		Value:        trace.Value,
		Timestamp:    record.Timestamp,
	}

	if trace.TransactionHash != nil {
		hash := trace.TransactionHash.Hex()
		row.TransactionHash = &hash
	}
	if trace.TransactionIndex != nil {
		index := *trace.TransactionIndex
		row.TransactionIndex = &index
	}
	if trace.To != nil {
		to := types.LowerHex(*trace.To)
		row.ToAddress = &to
	}
	if trace.Error != "" {
		reason := trace.Error
		row.Error = &reason
	}

	return row
}

func traceAddressPath(path []int64) string {
	if len(path) == 0 {
		return ""
	}

	parts := make([]string, len(path))
	for i, hop := range path {
		parts[i] = strconv.FormatInt(hop, 10)
	}

	return strings.Join(parts, ".")
}

func deltaRow(delta *types.Delta) *schema.BalanceDelta {
	row := &schema.BalanceDelta{
		Address:     types.LowerHex(delta.Address),
		BlockNumber: delta.BlockNumber,
		BlockHash:   delta.BlockHash.Hex(),
		Type:        delta.Type,
		TokenType:   delta.TokenType,
		Amount:      delta.Amount,
		IsReceiving: delta.IsReceiving,
		Timestamp:   delta.Timestamp,
	}

	if delta.CounterpartAddress != nil {
		counterpart := types.LowerHex(*delta.CounterpartAddress)
		row.CounterpartAddress = &counterpart
	}

	return row
}
