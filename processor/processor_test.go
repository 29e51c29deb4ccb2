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
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/coinbase/chainledger/parser"
	"github.com/coinbase/chainledger/storage/database"
	storageErrs "github.com/coinbase/chainledger/storage/errors"
	"github.com/coinbase/chainledger/storage/modules"
	"github.com/coinbase/chainledger/store"
	"github.com/coinbase/chainledger/types"
)

var (
	addrA = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	addrB = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	addrC = common.HexToAddress("0x00000000000000000000000000000000000000cc")
	addrD = common.HexToAddress("0x00000000000000000000000000000000000000dd")
	addrM = common.HexToAddress("0x00000000000000000000000000000000000000ee")
)

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

func newTestProcessor(
	ctx context.Context,
	t *testing.T,
	gen *parser.Parser,
	flushInterval time.Duration,
) (*Processor, store.Store, *modules.BalanceCache, *modules.CountCache) {
	s := newTestStore(t)
	db := newTestDatabase(ctx, t)
	balances := modules.NewBalanceCache(db, types.NativeToken)
	counts := modules.NewCountCache(db)

	p := New(Config{
		Topic:             "ingest.blocks",
		Token:             types.NativeToken,
		MaxProcessingTime: time.Minute,
		FlushInterval:     flushInterval,
	}, s, gen, balances, counts)
	t.Cleanup(p.Close)

	return p, s, balances, counts
}

func newParser(allocations ...*types.GenesisAllocation) *parser.Parser {
	return parser.New(&types.Genesis{
		Timestamp:   1438269973,
		Allocations: allocations,
	}, nil, types.NativeToken)
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

func initialiseProcessor(ctx context.Context, t *testing.T, p *Processor, s store.Store) {
	require.NoError(t, s.Transaction(ctx, func(txn store.Txn) error {
		lastSynced, err := LastSyncedBlock(ctx, txn)
		if err != nil {
			return err
		}
		return p.Initialise(ctx, txn, lastSynced)
	}))
}

func processBlock(
	ctx context.Context,
	t *testing.T,
	p *Processor,
	s store.Store,
	record *types.BlockRecord,
) {
	require.NoError(t, s.Transaction(ctx, func(txn store.Txn) error {
		return p.Process(ctx, txn, record)
	}))
}

func rewindProcessor(
	ctx context.Context,
	t *testing.T,
	p *Processor,
	s store.Store,
	block int64,
) {
	require.NoError(t, s.Transaction(ctx, func(txn store.Txn) error {
		return p.RewindUntil(ctx, txn, block)
	}))
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

func requireCount(
	ctx context.Context,
	t *testing.T,
	s store.Store,
	address common.Address,
	blockNumber int64,
	count int64,
) {
	row, err := s.Count(ctx, types.LowerHex(address), blockNumber)
	require.NoError(t, err)
	require.NotNil(t, row, "expected a count row for %s at %d", address.Hex(), blockNumber)
	assert.Equal(t, count, row.Count)
}

func requireNoCount(
	ctx context.Context,
	t *testing.T,
	s store.Store,
	address common.Address,
	blockNumber int64,
) {
	row, err := s.Count(ctx, types.LowerHex(address), blockNumber)
	require.NoError(t, err)
	assert.Nil(t, row)
}

func requireLastSynced(ctx context.Context, t *testing.T, s store.Store, block int64) {
	lastSynced, err := LastSyncedBlock(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, block, lastSynced)
}

func TestProcessorGenesisAllocation(t *testing.T) {
	ctx := context.Background()

	gen := newParser(&types.GenesisAllocation{Address: addrA, Amount: "100"})
	p, s, balances, _ := newTestProcessor(ctx, t, gen, 0)

	requireLastSynced(ctx, t, s, -1)
	initialiseProcessor(ctx, t, p, s)

	processBlock(ctx, t, p, s, newRecord(0))

	requireBalance(ctx, t, s, addrA, "100", 0)
	requireCount(ctx, t, s, addrA, 0, 1)
	requireLastSynced(ctx, t, s, 0)

	entry, err := balances.Get(ctx, addrA)
	require.NoError(t, err)
	assert.Equal(t, "100", entry.Amount)
	assert.Equal(t, int64(0), entry.LastBlock)
}

func TestProcessorTransfer(t *testing.T) {
	ctx := context.Background()

	gen := newParser(&types.GenesisAllocation{Address: addrA, Amount: "100"})
	p, s, balances, counts := newTestProcessor(ctx, t, gen, 0)
	initialiseProcessor(ctx, t, p, s)

	processBlock(ctx, t, p, s, newRecord(0))
	processBlock(ctx, t, p, s, newRecord(1, callTrace(0, addrA, addrB, "30")))

	requireBalance(ctx, t, s, addrA, "70", 1)
	requireBalance(ctx, t, s, addrB, "30", 1)
	requireCount(ctx, t, s, addrA, 1, 1)
	requireCount(ctx, t, s, addrB, 1, 1)
	requireLastSynced(ctx, t, s, 1)

	entry, err := balances.Get(ctx, addrB)
	require.NoError(t, err)
	assert.Equal(t, "30", entry.Amount)

	countEntry, err := counts.Get(ctx, addrA, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), countEntry.Count)

	traces, err := s.TracesForBlock(ctx, 1)
	require.NoError(t, err)
	require.Len(t, traces, 1)
	assert.Equal(t, types.LowerHex(addrA), traces[0].FromAddress)
	require.NotNil(t, traces[0].ToAddress)
	assert.Equal(t, types.LowerHex(addrB), *traces[0].ToAddress)
	assert.Equal(t, "30", traces[0].Value)
}

func TestProcessorRedelivery(t *testing.T) {
	ctx := context.Background()

	gen := newParser(&types.GenesisAllocation{Address: addrA, Amount: "100"})
	p, s, balances, _ := newTestProcessor(ctx, t, gen, 0)
	initialiseProcessor(ctx, t, p, s)

	record := newRecord(1, callTrace(0, addrA, addrB, "30"))
	processBlock(ctx, t, p, s, newRecord(0))
	processBlock(ctx, t, p, s, record)

	// A redelivered record converges on the same state instead of
	// double-applying.
	processBlock(ctx, t, p, s, record)

	requireBalance(ctx, t, s, addrA, "70", 1)
	requireBalance(ctx, t, s, addrB, "30", 1)
	requireCount(ctx, t, s, addrA, 1, 1)
	requireCount(ctx, t, s, addrB, 1, 1)
	requireLastSynced(ctx, t, s, 1)

	traces, err := s.TracesForBlock(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, traces, 1)

	entry, err := balances.Get(ctx, addrA)
	require.NoError(t, err)
	assert.Equal(t, "70", entry.Amount)
}

func TestProcessorReplacementBlock(t *testing.T) {
	ctx := context.Background()

	gen := newParser(&types.GenesisAllocation{Address: addrA, Amount: "100"})
	p, s, _, _ := newTestProcessor(ctx, t, gen, 0)
	initialiseProcessor(ctx, t, p, s)

	processBlock(ctx, t, p, s, newRecord(0))
	processBlock(ctx, t, p, s, newRecord(1, callTrace(0, addrA, addrB, "30")))

	// The same height arrives again carrying different contents, as
	// after a reorg. The first version's effects must vanish entirely.
	replacement := newRecord(1, callTrace(0, addrA, addrC, "40"))
	replacement.Block.Hash = common.HexToHash("0xff")
	processBlock(ctx, t, p, s, replacement)

	requireBalance(ctx, t, s, addrA, "60", 1)
	requireBalance(ctx, t, s, addrC, "40", 1)
	requireNoBalance(ctx, t, s, addrB)
	requireCount(ctx, t, s, addrC, 1, 1)
	requireNoCount(ctx, t, s, addrB, 1)
	requireLastSynced(ctx, t, s, 1)

	traces, err := s.TracesForBlock(ctx, 1)
	require.NoError(t, err)
	require.Len(t, traces, 1)
	require.NotNil(t, traces[0].ToAddress)
	assert.Equal(t, types.LowerHex(addrC), *traces[0].ToAddress)
}

func rewindFixture() []*types.BlockRecord {
	subcall := callTrace(0, addrB, addrC, "10")
	subcall.TraceAddress = []int64{0}

	sweepTo := addrA
	return []*types.BlockRecord{
		newRecord(0),
		newRecord(
			1,
			callTrace(0, addrA, addrB, "30"),
			&types.Trace{
				Kind:  types.FeeTrace,
				Index: 1,
				From:  addrA,
				To:    &addrM,
				Value: "1",
			},
		),
		newRecord(2, subcall),
		newRecord(3, &types.Trace{
			Kind:  types.SelfDestructTrace,
			Index: 0,
			From:  addrC,
			To:    &sweepTo,
			Value: "10",
		}),
	}
}

func TestProcessorRewindAndReprocess(t *testing.T) {
	ctx := context.Background()

	gen := newParser(&types.GenesisAllocation{Address: addrA, Amount: "100"})
	p, s, _, _ := newTestProcessor(ctx, t, gen, 0)
	initialiseProcessor(ctx, t, p, s)

	records := rewindFixture()
	for _, record := range records {
		processBlock(ctx, t, p, s, record)
	}

	requireBalance(ctx, t, s, addrA, "79", 3)
	requireBalance(ctx, t, s, addrB, "20", 2)
	requireBalance(ctx, t, s, addrC, "0", 3)
	requireBalance(ctx, t, s, addrM, "1", 1)
	requireCount(ctx, t, s, addrA, 1, 2)
	requireCount(ctx, t, s, addrC, 3, 1)

	rewindProcessor(ctx, t, p, s, 2)

	requireBalance(ctx, t, s, addrA, "69", 1)
	requireBalance(ctx, t, s, addrB, "30", 1)
	requireBalance(ctx, t, s, addrM, "1", 1)
	requireNoBalance(ctx, t, s, addrC)
	requireNoCount(ctx, t, s, addrB, 2)
	requireNoCount(ctx, t, s, addrC, 3)
	requireLastSynced(ctx, t, s, 1)

	traces, err := s.TracesForBlock(ctx, 2)
	require.NoError(t, err)
	assert.Empty(t, traces)

	// A second rewind to the same target and one beyond the processing
	// mark are both safe no-ops.
	rewindProcessor(ctx, t, p, s, 2)
	rewindProcessor(ctx, t, p, s, 100)
	requireBalance(ctx, t, s, addrA, "69", 1)
	requireLastSynced(ctx, t, s, 1)

	// Reprocessing the rewound suffix lands on the uninterrupted result.
	processBlock(ctx, t, p, s, records[2])
	processBlock(ctx, t, p, s, records[3])

	requireBalance(ctx, t, s, addrA, "79", 3)
	requireBalance(ctx, t, s, addrB, "20", 2)
	requireBalance(ctx, t, s, addrC, "0", 3)
	requireBalance(ctx, t, s, addrM, "1", 1)
	requireCount(ctx, t, s, addrB, 2, 1)
	requireCount(ctx, t, s, addrC, 3, 1)
	requireLastSynced(ctx, t, s, 3)
}

func TestProcessorReset(t *testing.T) {
	ctx := context.Background()

	gen := newParser(&types.GenesisAllocation{Address: addrA, Amount: "100"})
	p, s, _, _ := newTestProcessor(ctx, t, gen, 0)
	initialiseProcessor(ctx, t, p, s)

	processBlock(ctx, t, p, s, newRecord(0))
	processBlock(ctx, t, p, s, newRecord(1, callTrace(0, addrA, addrB, "30")))

	require.NoError(t, s.Transaction(ctx, func(txn store.Txn) error {
		return p.Reset(ctx, txn)
	}))

	requireNoBalance(ctx, t, s, addrA)
	requireNoBalance(ctx, t, s, addrB)
	requireNoCount(ctx, t, s, addrA, 0)
	requireLastSynced(ctx, t, s, -1)

	traces, err := s.TracesForBlock(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, traces)

	// The stream replays from genesis after a reset.
	processBlock(ctx, t, p, s, newRecord(0))
	requireBalance(ctx, t, s, addrA, "100", 0)
	requireLastSynced(ctx, t, s, 0)
}

func TestProcessorStateMachine(t *testing.T) {
	ctx := context.Background()

	gen := newParser(&types.GenesisAllocation{Address: addrA, Amount: "100"})
	p, s, _, _ := newTestProcessor(ctx, t, gen, 0)

	record := newRecord(0)
	err := s.Transaction(ctx, func(txn store.Txn) error {
		return p.Process(ctx, txn, record)
	})
	assert.ErrorIs(t, err, ErrProcessorNotReady)

	initialiseProcessor(ctx, t, p, s)

	err = s.Transaction(ctx, func(txn store.Txn) error {
		return p.Initialise(ctx, txn, -1)
	})
	assert.ErrorIs(t, err, ErrProcessorNotReady)

	assert.Equal(t, "ingest.blocks", p.Topic())
	assert.Equal(t, time.Minute, p.MaxProcessingTime())
	assert.Equal(t, record.Block.Hash, p.BlockHash(record))

	p.Close()
	p.Close()

	err = s.Transaction(ctx, func(txn store.Txn) error {
		return p.Process(ctx, txn, record)
	})
	assert.ErrorIs(t, err, ErrProcessorNotReady)

	err = s.Transaction(ctx, func(txn store.Txn) error {
		return p.RewindUntil(ctx, txn, 0)
	})
	assert.ErrorIs(t, err, ErrProcessorNotReady)

	err = s.Transaction(ctx, func(txn store.Txn) error {
		return p.Reset(ctx, txn)
	})
	assert.ErrorIs(t, err, ErrProcessorNotReady)
}

func TestProcessorNonNativeGenerator(t *testing.T) {
	ctx := context.Background()

	gen := parser.New(nil, nil, types.ERC20Token)
	p, s, _, _ := newTestProcessor(ctx, t, gen, 0)
	initialiseProcessor(ctx, t, p, s)

	err := s.Transaction(ctx, func(txn store.Txn) error {
		return p.Process(ctx, txn, newRecord(0))
	})
	assert.ErrorIs(t, err, storageErrs.ErrUnsupportedTokenType)
}

func TestProcessorFlushLoop(t *testing.T) {
	ctx := context.Background()

	gen := newParser(&types.GenesisAllocation{Address: addrA, Amount: "100"})
	p, s, balances, _ := newTestProcessor(ctx, t, gen, 5*time.Millisecond)
	initialiseProcessor(ctx, t, p, s)

	processBlock(ctx, t, p, s, newRecord(0))

	// Dirty the memory tier outside Process; only the background loop
	// can move this to the disk tier and then to the store.
	require.NoError(t, balances.Apply(ctx, []*types.Delta{{
		Address:     addrD,
		BlockNumber: 1,
		BlockHash:   testHash(1),
		Type:        types.Transaction,
		TokenType:   types.NativeToken,
		Amount:      "5",
		IsReceiving: true,
		Timestamp:   1600000001,
	}}))

	require.Eventually(t, func() bool {
		return balances.Head() == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		row, err := s.Balance(ctx, types.LowerHex(addrD))
		return err == nil && row != nil && row.Amount == "5"
	}, 3*time.Second, 10*time.Millisecond)

	p.Close()

	err := s.Transaction(ctx, func(txn store.Txn) error {
		return p.Process(ctx, txn, newRecord(1))
	})
	assert.ErrorIs(t, err, ErrProcessorNotReady)
}

func TestLastSyncedBlock(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	lastSynced, err := LastSyncedBlock(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), lastSynced)

	require.NoError(t, s.SetCursor(ctx, CursorLastSynced, "7"))
	lastSynced, err = LastSyncedBlock(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, int64(7), lastSynced)

	require.NoError(t, s.SetCursor(ctx, CursorLastSynced, "not-a-block"))
	_, err = LastSyncedBlock(ctx, s)
	assert.Error(t, err)
}
