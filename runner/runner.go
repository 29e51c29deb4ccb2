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

// Package runner feeds a processor from a NATS JetStream block stream.
//
// The runner binds a durable consumer with explicit acks and folds one
// record at a time in stream order. A record is acked only after the
// store transaction that folded it commits, so a crash between delivery
// and commit redelivers instead of losing the block. Chain
// reorganizations are detected by comparing each record's parent hash
// against the committed history; a replacement block rewinds the
// processor to its height before folding.
package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/coinbase/chainledger/logger"
	"github.com/coinbase/chainledger/processor"
	"github.com/coinbase/chainledger/storage/encoder"
	"github.com/coinbase/chainledger/store"
	"github.com/coinbase/chainledger/types"
)

const (
	// recentHashCap bounds the reorg window the runner can verify from
	// memory. Deeper heights fall back to the store's row history.
	recentHashCap = 1024

	// recordBuffer absorbs delivery bursts while a block is being
	// folded.
	recordBuffer = 100

	// connectMaxElapsed bounds the initial connection retry loop.
	connectMaxElapsed = time.Minute
)

// Config holds the stream-facing settings of a Runner. The ack wait and
// the consumed subject come from the processor itself.
type Config struct {
	// URL is the NATS server to connect to.
	URL string

	// StreamName is the JetStream stream carrying block records.
	StreamName string

	// ConsumerName is the durable consumer the runner binds. Restarts
	// under the same name resume from the last acked record.
	ConsumerName string

	// ConnectionName labels the connection on the server. When empty, a
	// unique name is generated.
	ConnectionName string

	// MaxReconnects and ReconnectWait are passed through to the NATS
	// client.
	MaxReconnects int
	ReconnectWait time.Duration

	// MaxDeliver caps redeliveries of a record the processor keeps
	// failing on.
	MaxDeliver int
}

// Runner drives a processor from a durable JetStream consumer. It owns
// the connection lifecycle, the per-record routing (duplicate, gap,
// replacement), and the transaction each record is folded in.
type Runner struct {
	cfg   Config
	store store.Store
	proc  *processor.Processor
	enc   *encoder.Encoder

	nc *nats.Conn
	js jetstream.JetStream

	// head is the highest committed block. It is owned by the pump
	// goroutine once Run starts.
	head int64

	// recentHashes maps committed heights to their block hashes for
	// duplicate and replacement checks. After a rewind, the stale
	// entries above head stay unreachable behind the gap check until
	// reprocessing overwrites them.
	recentHashes *lru.Cache
}

// New connects to NATS, retrying with exponential backoff, and returns a
// Runner ready to Run. The Runner owns the processor's shutdown.
func New(ctx context.Context, cfg Config, s store.Store, proc *processor.Processor) (*Runner, error) {
	r, err := newRunner(cfg, s, proc)
	if err != nil {
		return nil, err
	}

	if err := r.connect(ctx); err != nil {
		return nil, err
	}

	return r, nil
}

func newRunner(cfg Config, s store.Store, proc *processor.Processor) (*Runner, error) {
	// Wire records are plain msgpack, so the codec carries no
	// dictionaries and leaves compression off.
	enc, err := encoder.NewEncoder(nil, encoder.NewBufferPool(), false)
	if err != nil {
		return nil, fmt.Errorf("unable to construct record codec: %w", err)
	}

	recentHashes, err := lru.New(recentHashCap)
	if err != nil {
		return nil, fmt.Errorf("unable to construct recent hash cache: %w", err)
	}

	return &Runner{
		cfg:          cfg,
		store:        s,
		proc:         proc,
		enc:          enc,
		head:         -1,
		recentHashes: recentHashes,
	}, nil
}

func (r *Runner) connect(ctx context.Context) error {
	name := r.cfg.ConnectionName
	if name == "" {
		name = fmt.Sprintf("chainledger-%s", uuid.NewString())
	}

	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(r.cfg.MaxReconnects),
		nats.ReconnectWait(r.cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("disconnected from NATS", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected to NATS", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
	}

	connectBackoff := backoff.NewExponentialBackOff()
	connectBackoff.MaxElapsedTime = connectMaxElapsed

	operation := func() error {
		nc, err := nats.Connect(r.cfg.URL, opts...)
		if err != nil {
			return err
		}

		r.nc = nc
		return nil
	}
	notify := func(err error, next time.Duration) {
		logger.Warn(
			"unable to connect to NATS, retrying",
			zap.Error(err),
			zap.Duration("next_attempt_in", next),
		)
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(connectBackoff, ctx), notify); err != nil {
		return fmt.Errorf("unable to connect to NATS at %s: %w", r.cfg.URL, err)
	}

	js, err := jetstream.New(r.nc)
	if err != nil {
		r.nc.Close()
		return fmt.Errorf("unable to create JetStream context: %w", err)
	}
	r.js = js

	return nil
}

// initialise primes the processor and the runner's head from the
// committed cursor.
func (r *Runner) initialise(ctx context.Context) error {
	return r.store.Transaction(ctx, func(tx store.Txn) error {
		lastSynced, err := processor.LastSyncedBlock(ctx, tx)
		if err != nil {
			return err
		}

		if err := r.proc.Initialise(ctx, tx, lastSynced); err != nil {
			return err
		}

		r.head = lastSynced
		return nil
	})
}

// Run initialises the processor from the committed cursor, binds the
// durable consumer, and folds records until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.initialise(ctx); err != nil {
		return fmt.Errorf("unable to initialise processor: %w", err)
	}

	logger.InfoCtx(
		ctx,
		"starting runner",
		zap.String("stream", r.cfg.StreamName),
		zap.String("consumer", r.cfg.ConsumerName),
		zap.String("topic", r.proc.Topic()),
		zap.Int64("head", r.head),
	)

	consumer, err := r.js.CreateOrUpdateConsumer(ctx, r.cfg.StreamName, jetstream.ConsumerConfig{
		Durable:       r.cfg.ConsumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       r.proc.MaxProcessingTime(),
		MaxDeliver:    r.cfg.MaxDeliver,
		FilterSubject: r.proc.Topic(),
	})
	if err != nil {
		return fmt.Errorf(
			"unable to bind consumer %s on stream %s: %w",
			r.cfg.ConsumerName,
			r.cfg.StreamName,
			err,
		)
	}

	// Records must fold in stream order, so deliveries are pumped into
	// a channel and handled one at a time.
	records := make(chan jetstream.Msg, recordBuffer)
	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		records <- msg
	})
	if err != nil {
		return fmt.Errorf("unable to consume stream %s: %w", r.cfg.StreamName, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		cc.Stop()

		return gctx.Err()
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case msg := <-records:
				r.handleMessage(gctx, msg)
			}
		}
	})

	return g.Wait()
}

// message is the slice of jetstream.Msg the runner touches.
type message interface {
	Data() []byte
	Metadata() (*jetstream.MsgMetadata, error)
	Ack() error
	Nak() error
	Term() error
}

// handleMessage routes one delivery. Every path settles the message: a
// committed or duplicate record acks, a retryable failure naks, a
// poisoned payload terminates.
func (r *Runner) handleMessage(ctx context.Context, msg message) {
	record := &types.BlockRecord{}
	if err := r.enc.Decode("", msg.Data(), record, false); err != nil {
		logger.ErrorCtx(ctx, fmt.Errorf("unable to decode block record: %w", err))
		r.term(ctx, msg)
		recordOutcome("decode_error")

		return
	}

	var deliveries uint64
	if metadata, err := msg.Metadata(); err == nil && metadata != nil {
		deliveries = metadata.NumDelivered
	}
	logger.DebugCtx(
		ctx,
		"received block record",
		zap.Int64("block", record.Block.Index),
		zap.String("hash", r.proc.BlockHash(record).Hex()),
		zap.Uint64("deliveries", deliveries),
	)

	blockNumber := record.Block.Index
	switch {
	case blockNumber < 0:
		logger.WarnCtx(ctx, "record has a negative height", zap.Int64("block", blockNumber))
		r.term(ctx, msg)
		recordOutcome("invalid")

	case blockNumber > r.head+1:
		// The stream skipped a height. Redelivery cannot repair a hole
		// upstream never filled, but naking keeps the record alive
		// until MaxDeliver while the publisher catches up.
		logger.WarnCtx(
			ctx,
			"record leaves a gap",
			zap.Int64("block", blockNumber),
			zap.Int64("head", r.head),
		)
		r.nak(ctx, msg)
		recordOutcome("gap")

	case blockNumber == r.head+1:
		r.processNext(ctx, msg, record)

	default:
		r.processReplacement(ctx, msg, record)
	}
}

// processNext folds the next expected block after verifying it extends
// the committed head.
func (r *Runner) processNext(ctx context.Context, msg message, record *types.BlockRecord) {
	if record.Block.Index > 0 {
		parent, err := r.blockHashAt(ctx, record.Block.Index-1)
		if err != nil {
			logger.ErrorCtx(ctx, err)
			r.nak(ctx, msg)
			recordOutcome("failed")

			return
		}

		if parent != (common.Hash{}) && parent != record.ParentHash {
			// The record builds on a head we never committed. Its
			// replacement for our head should arrive next; until then
			// this record cannot be folded.
			logger.WarnCtx(
				ctx,
				"record does not extend the committed head",
				zap.Int64("block", record.Block.Index),
				zap.String("parent_hash", record.ParentHash.Hex()),
				zap.String("head_hash", parent.Hex()),
			)
			r.nak(ctx, msg)
			recordOutcome("parent_mismatch")

			return
		}
	}

	r.process(ctx, msg, record)
}

// processReplacement handles a record at or below the committed head: a
// duplicate redelivery when its hash matches the committed one, a reorg
// replacement otherwise.
func (r *Runner) processReplacement(ctx context.Context, msg message, record *types.BlockRecord) {
	blockNumber := record.Block.Index

	committed, err := r.blockHashAt(ctx, blockNumber)
	if err != nil {
		logger.ErrorCtx(ctx, err)
		r.nak(ctx, msg)
		recordOutcome("failed")

		return
	}

	if committed == r.proc.BlockHash(record) {
		// Already folded and acked; the ack must have been lost.
		logger.InfoCtx(
			ctx,
			"dropping duplicate record",
			zap.Int64("block", blockNumber),
			zap.String("hash", committed.Hex()),
		)
		r.ack(ctx, msg)
		recordOutcome("duplicate")

		return
	}

	if committed == (common.Hash{}) {
		// No committed hash survives at this height, so the record
		// cannot be told apart from a very late duplicate. Treating it
		// as a replacement would wipe the ledger back to this height
		// on every lost ack, so drop it; a real divergence resurfaces
		// as a parent mismatch on the next record.
		logger.WarnCtx(
			ctx,
			"dropping record below the verifiable window",
			zap.Int64("block", blockNumber),
			zap.Int64("head", r.head),
			zap.String("hash", r.proc.BlockHash(record).Hex()),
		)
		r.ack(ctx, msg)
		recordOutcome("duplicate")

		return
	}

	logger.InfoCtx(
		ctx,
		"rewinding to replacement block",
		zap.Int64("block", blockNumber),
		zap.Int64("head", r.head),
		zap.String("committed_hash", committed.Hex()),
		zap.String("replacement_hash", r.proc.BlockHash(record).Hex()),
	)
	metricReorgs().Add(1)

	// The rewind commits on its own so the displaced suffix stays gone
	// even if folding the replacement fails and redelivers.
	if err := r.store.Transaction(ctx, func(tx store.Txn) error {
		return r.proc.RewindUntil(ctx, tx, blockNumber)
	}); err != nil {
		logger.ErrorCtx(ctx, err, zap.Int64("block", blockNumber))
		r.nak(ctx, msg)
		recordOutcome("failed")

		return
	}
	r.head = blockNumber - 1

	r.processNext(ctx, msg, record)
}

// process folds the record inside one store transaction and settles the
// message by the commit outcome.
func (r *Runner) process(ctx context.Context, msg message, record *types.BlockRecord) {
	err := r.store.Transaction(ctx, func(tx store.Txn) error {
		return r.proc.Process(ctx, tx, record)
	})
	if err != nil {
		logger.ErrorCtx(ctx, err, zap.Int64("block", record.Block.Index))
		r.nak(ctx, msg)
		recordOutcome("failed")

		return
	}

	r.head = record.Block.Index
	r.recentHashes.Add(record.Block.Index, r.proc.BlockHash(record))
	r.ack(ctx, msg)
	recordOutcome("processed")
}

// blockHashAt reports the committed hash at a height, zero when the
// height is outside the recent window and the store keeps no rows for
// it.
func (r *Runner) blockHashAt(ctx context.Context, blockNumber int64) (common.Hash, error) {
	if cached, ok := r.recentHashes.Get(blockNumber); ok {
		return cached.(common.Hash), nil
	}

	hex, err := r.store.BlockHashAt(ctx, blockNumber)
	if err != nil {
		return common.Hash{}, fmt.Errorf("unable to look up hash of block %d: %w", blockNumber, err)
	}
	if hex == "" {
		return common.Hash{}, nil
	}

	hash := common.HexToHash(hex)
	r.recentHashes.Add(blockNumber, hash)

	return hash, nil
}

func (r *Runner) ack(ctx context.Context, msg message) {
	if err := msg.Ack(); err != nil {
		logger.WarnCtx(ctx, "unable to ack record", zap.Error(err))
	}
}

func (r *Runner) nak(ctx context.Context, msg message) {
	if err := msg.Nak(); err != nil {
		logger.WarnCtx(ctx, "unable to nak record", zap.Error(err))
	}
}

func (r *Runner) term(ctx context.Context, msg message) {
	if err := msg.Term(); err != nil {
		logger.WarnCtx(ctx, "unable to terminate record", zap.Error(err))
	}
}

// Close releases the NATS connection and shuts the processor down. It is
// safe to call after a failed New.
func (r *Runner) Close() {
	if r.nc != nil {
		r.nc.Close()
	}

	r.proc.Close()
}
