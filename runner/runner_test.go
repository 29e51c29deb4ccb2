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

package runner

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/coinbase/chainledger/parser"
	"github.com/coinbase/chainledger/processor"
	"github.com/coinbase/chainledger/storage/database"
	"github.com/coinbase/chainledger/storage/modules"
	"github.com/coinbase/chainledger/store"
	"github.com/coinbase/chainledger/types"
)

var (
	addrA = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	addrB = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	addrC = common.HexToAddress("0x00000000000000000000000000000000000000cc")
)

// fakeMsg stands in for a JetStream delivery and records how the runner
// settled it.
type fakeMsg struct {
	data   []byte
	acked  int
	naked  int
	termed int
}

func (m *fakeMsg) Data() []byte { return m.data }

func (m *fakeMsg) Metadata() (*jetstream.MsgMetadata, error) {
	return &jetstream.MsgMetadata{NumDelivered: 1}, nil
}

func (m *fakeMsg) Ack() error {
	m.acked++
	return nil
}

func (m *fakeMsg) Nak() error {
	m.naked++
	return nil
}

func (m *fakeMsg) Term() error {
	m.termed++
	return nil
}

func newTestStore(t *testing.T) store.Store {
	db, err := gorm.Open(
		sqlite.Open(filepath.Join(t.TempDir(), "test.db")),
		&gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)},
	)
	require.NoError(t, err)

	s := store.NewPGStore(db)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
	})

	return s
}

func newTestDatabase(ctx context.Context, t *testing.T) database.Database {
	db, err := database.NewBadgerDatabase(
		ctx,
		t.TempDir(),
		database.WithIndexCacheSize(database.TinyIndexCacheSize),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close(ctx)
	})

	return db
}

// buildRunner wires a runner over the given tiers without connecting to
// NATS; tests feed it through handleMessage directly.
func buildRunner(t *testing.T, s store.Store, db database.Database) *Runner {
	gen := parser.New(&types.Genesis{
		Timestamp: 1438269973,
		Allocations: []*types.GenesisAllocation{
			{Address: addrA, Amount: "100"},
		},
	}, nil, types.NativeToken)

	proc := processor.New(processor.Config{
		Topic:             "ingest.blocks",
		Token:             types.NativeToken,
		MaxProcessingTime: time.Minute,
	}, s, gen, modules.NewBalanceCache(db, types.NativeToken), modules.NewCountCache(db))

	r, err := newRunner(Config{
		URL:          "nats://127.0.0.1:4222",
		StreamName:   "BLOCKS",
		ConsumerName: "chainledger",
		MaxDeliver:   5,
	}, s, proc)
	require.NoError(t, err)
	t.Cleanup(r.Close)

	return r
}

func newTestRunner(ctx context.Context, t *testing.T) (*Runner, store.Store) {
	s := newTestStore(t)
	db := newTestDatabase(ctx, t)

	r := buildRunner(t, s, db)
	require.NoError(t, r.initialise(ctx))

	return r, s
}

func testHash(index int64) common.Hash {
	return common.HexToHash(fmt.Sprintf("0x%02x", index+1))
}

func newRecord(index int64, traces ...*types.Trace) *types.BlockRecord {
	return &types.BlockRecord{
		Block: types.BlockIdentifier{
			Index: index,
			Hash:  testHash(index),
		},
		ParentHash: testHash(index - 1),
		Timestamp:  1600000000 + index,
		Traces:     traces,
	}
}

func callTrace(index int64, from, to common.Address, value string) *types.Trace {
	return &types.Trace{
		Kind:     types.CallTrace,
		CallKind: types.CallKindCall,
		Index:    index,
		From:     from,
		To:       &to,
		Value:    value,
	}
}

// deliver encodes the record the way a publisher would and feeds it to
// the runner as a single delivery.
func deliver(ctx context.Context, t *testing.T, r *Runner, record *types.BlockRecord) *fakeMsg {
	data, err := r.enc.Encode("", record)
	require.NoError(t, err)

	msg := &fakeMsg{data: data}
	r.handleMessage(ctx, msg)

	return msg
}

func requireBalance(
	ctx context.Context,
	t *testing.T,
	s store.Store,
	address common.Address,
	amount string,
	lastBlock int64,
) {
	row, err := s.Balance(ctx, types.LowerHex(address))
	require.NoError(t, err)
	require.NotNil(t, row, "expected a balance row for %s", address.Hex())
	assert.Equal(t, amount, row.Amount)
	assert.Equal(t, lastBlock, row.LastBlock)
}

func requireNoBalance(
	ctx context.Context,
	t *testing.T,
	s store.Store,
	address common.Address,
) {
	row, err := s.Balance(ctx, types.LowerHex(address))
	require.NoError(t, err)
	assert.Nil(t, row)
}

func requireLastSynced(ctx context.Context, t *testing.T, s store.Store, block int64) {
	lastSynced, err := processor.LastSyncedBlock(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, block, lastSynced)
}

func TestRunnerFoldsStream(t *testing.T) {
	ctx := context.Background()

	r, s := newTestRunner(ctx, t)
	require.Equal(t, int64(-1), r.head)

	genesis := deliver(ctx, t, r, newRecord(0))
	transfer := deliver(ctx, t, r, newRecord(1, callTrace(0, addrA, addrB, "30")))

	assert.Equal(t, 1, genesis.acked)
	assert.Equal(t, 1, transfer.acked)
	assert.Equal(t, int64(1), r.head)

	requireBalance(ctx, t, s, addrA, "70", 1)
	requireBalance(ctx, t, s, addrB, "30", 1)
	requireLastSynced(ctx, t, s, 1)

	hash, err := r.blockHashAt(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, testHash(1), hash)
}

func TestRunnerDuplicateRedelivery(t *testing.T) {
	ctx := context.Background()

	r, s := newTestRunner(ctx, t)
	deliver(ctx, t, r, newRecord(0))
	deliver(ctx, t, r, newRecord(1, callTrace(0, addrA, addrB, "30")))

	// The same record again, as a redelivery after a lost ack.
	dup := deliver(ctx, t, r, newRecord(1, callTrace(0, addrA, addrB, "30")))

	assert.Equal(t, 1, dup.acked)
	assert.Equal(t, 0, dup.naked)
	assert.Equal(t, int64(1), r.head)

	requireBalance(ctx, t, s, addrA, "70", 1)
	requireBalance(ctx, t, s, addrB, "30", 1)

	traces, err := s.TracesForBlock(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, traces, 1)
}

func TestRunnerReplacementBlock(t *testing.T) {
	ctx := context.Background()

	r, s := newTestRunner(ctx, t)
	deliver(ctx, t, r, newRecord(0))
	deliver(ctx, t, r, newRecord(1, callTrace(0, addrA, addrB, "30")))

	replacement := &types.BlockRecord{
		Block: types.BlockIdentifier{
			Index: 1,
			Hash:  common.HexToHash("0xff"),
		},
		ParentHash: testHash(0),
		Timestamp:  1600000001,
		Traces:     []*types.Trace{callTrace(0, addrA, addrC, "40")},
	}
	msg := deliver(ctx, t, r, replacement)

	assert.Equal(t, 1, msg.acked)
	assert.Equal(t, int64(1), r.head)

	requireBalance(ctx, t, s, addrA, "60", 1)
	requireBalance(ctx, t, s, addrC, "40", 1)
	requireNoBalance(ctx, t, s, addrB)
	requireLastSynced(ctx, t, s, 1)

	hash, err := r.blockHashAt(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, common.HexToHash("0xff"), hash)
}

func TestRunnerDeepReplacement(t *testing.T) {
	ctx := context.Background()

	r, s := newTestRunner(ctx, t)
	deliver(ctx, t, r, newRecord(0))
	deliver(ctx, t, r, newRecord(1, callTrace(0, addrA, addrB, "30")))
	deliver(ctx, t, r, newRecord(2, callTrace(0, addrB, addrC, "10")))

	// A replacement two blocks below the head drops everything it
	// displaced, not just the head.
	replacement := &types.BlockRecord{
		Block: types.BlockIdentifier{
			Index: 1,
			Hash:  common.HexToHash("0xf1"),
		},
		ParentHash: testHash(0),
		Timestamp:  1600000001,
		Traces:     []*types.Trace{callTrace(0, addrA, addrC, "40")},
	}
	msg := deliver(ctx, t, r, replacement)

	assert.Equal(t, 1, msg.acked)
	assert.Equal(t, int64(1), r.head)

	requireBalance(ctx, t, s, addrA, "60", 1)
	requireBalance(ctx, t, s, addrC, "40", 1)
	requireNoBalance(ctx, t, s, addrB)
	requireLastSynced(ctx, t, s, 1)
}

func TestRunnerRejectsGap(t *testing.T) {
	ctx := context.Background()

	r, s := newTestRunner(ctx, t)
	deliver(ctx, t, r, newRecord(0))
	deliver(ctx, t, r, newRecord(1, callTrace(0, addrA, addrB, "30")))

	skipped := newRecord(3, callTrace(0, addrB, addrC, "5"))
	gap := deliver(ctx, t, r, skipped)

	assert.Equal(t, 1, gap.naked)
	assert.Equal(t, 0, gap.acked)
	assert.Equal(t, int64(1), r.head)
	requireLastSynced(ctx, t, s, 1)

	// Once the missing block arrives, the redelivered record folds.
	deliver(ctx, t, r, newRecord(2))
	redelivered := deliver(ctx, t, r, skipped)

	assert.Equal(t, 1, redelivered.acked)
	assert.Equal(t, int64(3), r.head)
	requireBalance(ctx, t, s, addrB, "25", 3)
	requireBalance(ctx, t, s, addrC, "5", 3)
}

func TestRunnerRejectsParentMismatch(t *testing.T) {
	ctx := context.Background()

	r, s := newTestRunner(ctx, t)
	deliver(ctx, t, r, newRecord(0))
	deliver(ctx, t, r, newRecord(1, callTrace(0, addrA, addrB, "30")))

	// Extends a head we never committed: its parent's replacement has
	// not arrived yet.
	stranger := &types.BlockRecord{
		Block: types.BlockIdentifier{
			Index: 2,
			Hash:  testHash(2),
		},
		ParentHash: common.HexToHash("0xdead"),
		Timestamp:  1600000002,
	}
	msg := deliver(ctx, t, r, stranger)

	assert.Equal(t, 1, msg.naked)
	assert.Equal(t, 0, msg.acked)
	assert.Equal(t, int64(1), r.head)

	requireBalance(ctx, t, s, addrA, "70", 1)
	requireBalance(ctx, t, s, addrB, "30", 1)
	requireLastSynced(ctx, t, s, 1)
}

func TestRunnerTerminatesPoisonRecords(t *testing.T) {
	ctx := context.Background()

	r, _ := newTestRunner(ctx, t)

	undecodable := &fakeMsg{data: []byte("not a block record")}
	r.handleMessage(ctx, undecodable)
	assert.Equal(t, 1, undecodable.termed)

	negative := deliver(ctx, t, r, newRecord(-1))
	assert.Equal(t, 1, negative.termed)
	assert.Equal(t, int64(-1), r.head)
}

func TestRunnerDropsUnverifiableReplacement(t *testing.T) {
	ctx := context.Background()

	r, s := newTestRunner(ctx, t)
	deliver(ctx, t, r, newRecord(0))
	// An empty block leaves no rows, so nothing in the store remembers
	// its hash.
	deliver(ctx, t, r, newRecord(1))
	deliver(ctx, t, r, newRecord(2, callTrace(0, addrA, addrB, "30")))

	// A restart empties the in-memory window.
	r.recentHashes.Purge()

	unverifiable := &types.BlockRecord{
		Block: types.BlockIdentifier{
			Index: 1,
			Hash:  common.HexToHash("0xff"),
		},
		ParentHash: testHash(0),
		Timestamp:  1600000001,
	}
	msg := deliver(ctx, t, r, unverifiable)

	assert.Equal(t, 1, msg.acked)
	assert.Equal(t, 0, msg.naked)
	assert.Equal(t, int64(2), r.head)

	requireBalance(ctx, t, s, addrA, "70", 2)
	requireBalance(ctx, t, s, addrB, "30", 2)
	requireLastSynced(ctx, t, s, 2)
}

func TestRunnerResumesFromCursor(t *testing.T) {
	ctx := context.Background()

	s := newTestStore(t)
	db := newTestDatabase(ctx, t)

	first := buildRunner(t, s, db)
	require.NoError(t, first.initialise(ctx))
	deliver(ctx, t, first, newRecord(0))
	deliver(ctx, t, first, newRecord(1, callTrace(0, addrA, addrB, "30")))
	first.Close()

	second := buildRunner(t, s, db)
	require.NoError(t, second.initialise(ctx))
	assert.Equal(t, int64(1), second.head)

	// The fresh instance's hash window is empty, so the head check
	// reads the store's row history.
	next := deliver(ctx, t, second, newRecord(2, callTrace(0, addrB, addrC, "10")))

	assert.Equal(t, 1, next.acked)
	assert.Equal(t, int64(2), second.head)

	requireBalance(ctx, t, s, addrB, "20", 2)
	requireBalance(ctx, t, s, addrC, "10", 2)
	requireLastSynced(ctx, t, s, 2)
}
