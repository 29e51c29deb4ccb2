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

package modules

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/coinbase/chainledger/storage/database"
	storageErrs "github.com/coinbase/chainledger/storage/errors"
	"github.com/coinbase/chainledger/store"
	"github.com/coinbase/chainledger/store/schema"
	"github.com/coinbase/chainledger/types"
)

const (
	// countNamespace is prepended to any stored count entry. Keys are
	// block-major so a rewind is a single forward range scan.
	countNamespace = "itxc"

	// countMetaNamespace is prepended to count cache metadata.
	countMetaNamespace = "itxc-meta"

	// warmCountWindow is how many trailing blocks of count rows are
	// pulled back into the tiers when warming an empty cache. Count
	// entries are independent per block, so an absent older entry is
	// merely uncached, never wrong; history beyond the window is
	// answered by the store.
	warmCountWindow = 128

	// warmCountBatchSize is the number of count rows pulled from the
	// store per batch when warming an empty cache.
	warmCountBatchSize = 10000
)

/*
  Key Construction
*/

// GetCountKey returns the disk tier key for an address's count at a
// block.
func GetCountKey(blockNumber int64, address common.Address) []byte {
	return []byte(fmt.Sprintf(
		"%s/%020d/%s",
		countNamespace,
		blockNumber,
		types.LowerHex(address),
	))
}

func getCountKeyRaw(blockNumber int64, address string) []byte {
	return []byte(fmt.Sprintf("%s/%020d/%s", countNamespace, blockNumber, address))
}

func getCountSeekKey(blockNumber int64) []byte {
	return []byte(fmt.Sprintf("%s/%020d", countNamespace, blockNumber))
}

func countMemKey(address string, blockNumber int64) string {
	return fmt.Sprintf("%s/%d", address, blockNumber)
}

// CountCache maintains per-address per-block counts of delta-producing
// events across the same three tiers as BalanceCache. Counts are
// independent per block, which keeps the contract simpler than the
// balance ledger's: an entry is exact or absent, never a partial fold.
type CountCache struct {
	db database.Database

	// entries maps "address/block" to its count entry. Values are
	// replaced, never mutated, so readers need no copy discipline.
	entries *xsync.Map[string, *types.CountEntry]

	// Dirty keys map to their block number (two generations, as in
	// BalanceCache) so a rewind can purge markers without consulting
	// the entries they point at.
	dirtyMutex sync.Mutex
	memDirty   map[string]int64
	storeDirty map[string]int64

	head      int64
	applied   int64
	storeHead int64

	initialised bool
}

// NewCountCache returns a new CountCache. Initialise must be called
// before any other method.
func NewCountCache(db database.Database) *CountCache {
	return &CountCache{
		db:         db,
		entries:    xsync.NewMap[string, *types.CountEntry](),
		memDirty:   map[string]int64{},
		storeDirty: map[string]int64{},
		head:       -1,
		applied:    -1,
		storeHead:  -1,
	}
}

// Initialise prepares the cache for ingestion under the same
// divergence rule as BalanceCache.Initialise: a trailing watermark is
// accepted only when the delta history proves no counts accrued past
// it. Warming first deletes store count rows ahead of lastSynced
// (leftovers of a store write whose owning transaction rolled back)
// and then loads the trailing warmCountWindow blocks into both tiers.
// Idempotent.
func (c *CountCache) Initialise(
	ctx context.Context,
	tx store.Txn,
	lastSynced int64,
) error {
	if c.initialised {
		return nil
	}

	readTx := c.db.ReadTransaction(ctx)
	exists, head, err := readHead(ctx, readTx, countMetaNamespace)
	readTx.Discard(ctx)
	if err != nil {
		return fmt.Errorf("unable to read count cache head: %w", err)
	}

	if exists {
		if head > lastSynced {
			return fmt.Errorf(
				"disk tier at block %d, store at block %d: %w",
				head,
				lastSynced,
				storageErrs.ErrCountCacheDiverged,
			)
		}

		if head < lastSynced {
			changed, err := tx.ChangedAddressesSince(ctx, head+1)
			if err != nil {
				return fmt.Errorf("unable to verify count cache head: %w", err)
			}
			if len(changed) > 0 {
				return fmt.Errorf(
					"disk tier at block %d, store at block %d with deltas in between: %w",
					head,
					lastSynced,
					storageErrs.ErrCountCacheDiverged,
				)
			}

			if err := c.catchUpHead(ctx, lastSynced); err != nil {
				return err
			}
		}

		c.head = lastSynced
		c.applied = lastSynced
		c.storeHead = lastSynced
		c.initialised = true
		return nil
	}

	if err := c.warm(ctx, tx, lastSynced); err != nil {
		return err
	}

	c.head = lastSynced
	c.applied = lastSynced
	c.storeHead = lastSynced
	c.initialised = true
	return nil
}

func (c *CountCache) warm(
	ctx context.Context,
	tx store.Txn,
	lastSynced int64,
) error {
	if _, err := tx.DeleteCountsFrom(ctx, lastSynced+1); err != nil {
		return fmt.Errorf("unable to delete counts ahead of block %d: %w", lastSynced, err)
	}

	from := lastSynced - warmCountWindow + 1
	if from < 0 {
		from = 0
	}

	err := tx.EachCountFrom(ctx, from, warmCountBatchSize, func(rows []*schema.InternalTxCount) error {
		dbTx := c.db.WriteTransaction(ctx, countNamespace, false)
		defer dbTx.Discard(ctx)

		for _, row := range rows {
			entry := &types.CountEntry{
				Address:     common.HexToAddress(row.Address),
				BlockNumber: row.BlockNumber,
				Count:       row.Count,
			}
			c.entries.Store(countMemKey(row.Address, row.BlockNumber), entry)

			if err := dbTx.Set(
				ctx,
				getCountKeyRaw(row.BlockNumber, row.Address),
				big.NewInt(row.Count).Bytes(),
				false,
			); err != nil {
				return fmt.Errorf("unable to set count entry for %s: %w", row.Address, err)
			}
		}

		return dbTx.Commit(ctx)
	})
	if err != nil {
		return fmt.Errorf("unable to warm count cache: %w", err)
	}

	// Watermark last, as in the balance cache warm.
	dbTx := c.db.WriteTransaction(ctx, countNamespace, false)
	defer dbTx.Discard(ctx)
	if err := writeHead(ctx, dbTx, countMetaNamespace, lastSynced); err != nil {
		return fmt.Errorf("unable to write count cache head: %w", err)
	}
	if err := dbTx.Commit(ctx); err != nil {
		return fmt.Errorf("unable to commit count cache head: %w", err)
	}

	return nil
}

// catchUpHead advances the disk tier watermark over trailing blocks
// that produced no counts.
func (c *CountCache) catchUpHead(ctx context.Context, lastSynced int64) error {
	dbTx := c.db.WriteTransaction(ctx, countNamespace, false)
	defer dbTx.Discard(ctx)

	if err := writeHead(ctx, dbTx, countMetaNamespace, lastSynced); err != nil {
		return fmt.Errorf("unable to write count cache head: %w", err)
	}
	if err := dbTx.Commit(ctx); err != nil {
		return fmt.Errorf("unable to commit count cache head: %w", err)
	}

	return nil
}

// Count folds a batch of deltas for one block into the memory tier.
// Each address's entry for blockNumber is incremented by the number of
// deltas attributing activity to it. Deltas denominated in anything
// but the native token are a data-contract violation and abort the
// batch.
func (c *CountCache) Count(
	ctx context.Context,
	deltas []*types.Delta,
	blockNumber int64,
) error {
	increments := map[string]int64{}
	for _, delta := range deltas {
		if delta.TokenType != types.NativeToken {
			return fmt.Errorf(
				"delta for %s at block %d is denominated in %s: %w",
				delta.Address.Hex(),
				delta.BlockNumber,
				delta.TokenType,
				storageErrs.ErrUnsupportedTokenType,
			)
		}

		increments[types.LowerHex(delta.Address)]++
	}

	for address, increment := range increments {
		key := countMemKey(address, blockNumber)
		c.entries.Compute(key, func(old *types.CountEntry, loaded bool) (*types.CountEntry, xsync.ComputeOp) {
			count := increment
			if loaded {
				count += old.Count
			}
			return &types.CountEntry{
				Address:     common.HexToAddress(address),
				BlockNumber: blockNumber,
				Count:       count,
			}, xsync.UpdateOp
		})

		c.dirtyMutex.Lock()
		c.memDirty[key] = blockNumber
		if blockNumber > c.applied {
			c.applied = blockNumber
		}
		c.dirtyMutex.Unlock()
	}

	return nil
}

// Get returns an address's count entry for a block, reading the memory
// tier first and promoting a disk tier hit. A miss on both tiers is a
// zero count, not an error.
func (c *CountCache) Get(
	ctx context.Context,
	address common.Address,
	blockNumber int64,
) (*types.CountEntry, error) {
	key := countMemKey(types.LowerHex(address), blockNumber)
	if entry, ok := c.entries.Load(key); ok {
		copied := *entry
		return &copied, nil
	}

	dbTx := c.db.ReadTransaction(ctx)
	defer dbTx.Discard(ctx)

	exists, count, err := BigIntGet(ctx, GetCountKey(blockNumber, address), dbTx)
	if err != nil {
		return nil, fmt.Errorf("unable to get count entry for %s: %w", address.Hex(), err)
	}
	if !exists {
		return &types.CountEntry{
			Address:     address,
			BlockNumber: blockNumber,
			Count:       0,
		}, nil
	}

	entry := &types.CountEntry{
		Address:     address,
		BlockNumber: blockNumber,
		Count:       count.Int64(),
	}
	promoted, _ := c.entries.LoadOrStore(key, entry)

	copied := *promoted
	return &copied, nil
}

// Flush writes every dirty memory entry to the disk tier in one badger
// transaction, advancing the watermark alongside. Entries are read
// under the namespace write lock (same interleaving rule as the
// balance cache). Safe to call with nothing dirty.
func (c *CountCache) Flush(ctx context.Context) error {
	c.dirtyMutex.Lock()
	if len(c.memDirty) == 0 {
		c.dirtyMutex.Unlock()
		return nil
	}
	dirty := c.memDirty
	c.memDirty = map[string]int64{}
	c.dirtyMutex.Unlock()

	restore := func() {
		c.dirtyMutex.Lock()
		for key, blockNumber := range dirty {
			c.memDirty[key] = blockNumber
		}
		c.dirtyMutex.Unlock()
	}

	dbTx := c.db.WriteTransaction(ctx, countNamespace, false)
	defer dbTx.Discard(ctx)

	written := map[string]int64{}
	watermark := int64(-1)
	for key := range dirty {
		entry, ok := c.entries.Load(key)
		if !ok {
			// Rewound out of the memory tier since it was marked.
			continue
		}

		if err := dbTx.Set(
			ctx,
			getCountKeyRaw(entry.BlockNumber, types.LowerHex(entry.Address)),
			big.NewInt(entry.Count).Bytes(),
			false,
		); err != nil {
			restore()
			return fmt.Errorf("unable to set count entry for %s: %w", key, err)
		}

		written[key] = entry.BlockNumber
		if entry.BlockNumber > watermark {
			watermark = entry.BlockNumber
		}
	}

	if len(written) == 0 {
		return nil
	}

	_, diskHead, err := readHead(ctx, dbTx, countMetaNamespace)
	if err != nil {
		restore()
		return fmt.Errorf("%s: %w", err.Error(), storageErrs.ErrCountFlushFailed)
	}
	if diskHead > watermark {
		watermark = diskHead
	}
	if err := writeHead(ctx, dbTx, countMetaNamespace, watermark); err != nil {
		restore()
		return fmt.Errorf("unable to write count cache head: %w", err)
	}

	if err := dbTx.Commit(ctx); err != nil {
		restore()
		return fmt.Errorf("%s: %w", err.Error(), storageErrs.ErrCountFlushFailed)
	}

	c.dirtyMutex.Lock()
	for key, blockNumber := range written {
		c.storeDirty[key] = blockNumber
	}
	if watermark > c.head {
		c.head = watermark
	}
	c.dirtyMutex.Unlock()

	return nil
}

// WriteToDb flushes the memory tier and then upserts every entry dirty
// since the last store write. Calling it twice without an intervening
// Count writes zero rows.
func (c *CountCache) WriteToDb(ctx context.Context, tx store.Txn) error {
	if err := c.Flush(ctx); err != nil {
		return err
	}

	c.dirtyMutex.Lock()
	dirty := c.storeDirty
	c.storeDirty = map[string]int64{}
	c.dirtyMutex.Unlock()

	if len(dirty) == 0 {
		return nil
	}

	rows := make([]*schema.InternalTxCount, 0, len(dirty))
	watermark := int64(-1)
	for key := range dirty {
		entry, ok := c.entries.Load(key)
		if !ok {
			continue
		}

		rows = append(rows, &schema.InternalTxCount{
			Address:     types.LowerHex(entry.Address),
			BlockNumber: entry.BlockNumber,
			Count:       entry.Count,
		})
		if entry.BlockNumber > watermark {
			watermark = entry.BlockNumber
		}
	}
	if len(rows) == 0 {
		return nil
	}

	if err := tx.UpsertCounts(ctx, rows); err != nil {
		c.dirtyMutex.Lock()
		for key, blockNumber := range dirty {
			c.storeDirty[key] = blockNumber
		}
		c.dirtyMutex.Unlock()
		return fmt.Errorf("%s: %w", err.Error(), storageErrs.ErrCountUpsertFailed)
	}

	c.dirtyMutex.Lock()
	if watermark > c.storeHead {
		c.storeHead = watermark
	}
	c.dirtyMutex.Unlock()

	return nil
}

// RewindUntil deletes every count at or after block from all three
// tiers. Counts are independent per block, so deletion alone restores
// the target state; nothing is replayed. A target nothing has reached
// is a no-op. Idempotent.
func (c *CountCache) RewindUntil(
	ctx context.Context,
	tx store.Txn,
	block int64,
) error {
	if block < 0 {
		block = 0
	}

	c.dirtyMutex.Lock()
	head := c.head
	applied := c.applied
	c.dirtyMutex.Unlock()

	if head >= block || applied >= block {
		c.entries.Range(func(key string, entry *types.CountEntry) bool {
			if entry.BlockNumber >= block {
				c.entries.Delete(key)
			}
			return true
		})

		if err := c.deleteDiskEntriesFrom(ctx, block); err != nil {
			return err
		}

		dbTx := c.db.WriteTransaction(ctx, countNamespace, true)
		defer dbTx.Discard(ctx)
		newHead := head
		if newHead >= block {
			newHead = block - 1
		}
		if err := writeHead(ctx, dbTx, countMetaNamespace, newHead); err != nil {
			return fmt.Errorf("unable to write count cache head: %w", err)
		}
		if err := dbTx.Commit(ctx); err != nil {
			return fmt.Errorf("unable to commit count cache rewind: %w", err)
		}
	}

	if _, err := tx.DeleteCountsFrom(ctx, block); err != nil {
		return fmt.Errorf("unable to delete counts from block %d: %w", block, err)
	}

	c.dirtyMutex.Lock()
	for key, blockNumber := range c.memDirty {
		if blockNumber >= block {
			delete(c.memDirty, key)
		}
	}
	for key, blockNumber := range c.storeDirty {
		if blockNumber >= block {
			delete(c.storeDirty, key)
		}
	}
	if c.head >= block {
		c.head = block - 1
	}
	if c.applied >= block {
		c.applied = block - 1
	}
	if c.storeHead >= block {
		c.storeHead = block - 1
	}
	c.dirtyMutex.Unlock()

	return nil
}

// deleteDiskEntriesFrom removes disk tier entries at or after block via
// one forward scan of the block-major namespace.
func (c *CountCache) deleteDiskEntriesFrom(ctx context.Context, block int64) error {
	keys := [][]byte{}
	readTx := c.db.ReadTransaction(ctx)
	_, err := readTx.Scan(
		ctx,
		[]byte(countNamespace+"/"),
		getCountSeekKey(block),
		func(k []byte, v []byte) error {
			key := make([]byte, len(k))
			copy(key, k)
			keys = append(keys, key)
			return nil
		},
		false,
		false,
	)
	readTx.Discard(ctx)
	if err != nil {
		return fmt.Errorf("unable to scan count entries from block %d: %w", block, err)
	}

	for len(keys) > 0 {
		batch := keys
		if len(batch) > maxEntriesPerCommit {
			batch = keys[:maxEntriesPerCommit]
		}
		keys = keys[len(batch):]

		dbTx := c.db.WriteTransaction(ctx, countNamespace, true)
		for _, key := range batch {
			if err := dbTx.Delete(ctx, key); err != nil {
				dbTx.Discard(ctx)
				return fmt.Errorf("unable to delete count entry %s: %w", string(key), err)
			}
		}
		if err := dbTx.Commit(ctx); err != nil {
			return fmt.Errorf("unable to commit count entry deletions: %w", err)
		}
	}

	return nil
}

// Reset truncates the count table, drops the disk tier, and clears the
// memory tier. Used only for a full resync.
func (c *CountCache) Reset(ctx context.Context, tx store.Txn) error {
	if _, err := tx.DeleteCountsFrom(ctx, 0); err != nil {
		return fmt.Errorf("unable to truncate counts: %w", err)
	}

	if err := dropNamespaces(
		ctx,
		c.db,
		countNamespace,
		countNamespace,
		countMetaNamespace,
	); err != nil {
		return fmt.Errorf("unable to drop count namespaces: %w", err)
	}

	c.dirtyMutex.Lock()
	c.entries = xsync.NewMap[string, *types.CountEntry]()
	c.memDirty = map[string]int64{}
	c.storeDirty = map[string]int64{}
	c.head = -1
	c.applied = -1
	c.storeHead = -1
	c.dirtyMutex.Unlock()

	return nil
}

// Head returns the disk tier watermark.
func (c *CountCache) Head() int64 {
	c.dirtyMutex.Lock()
	defer c.dirtyMutex.Unlock()

	return c.head
}

// Size returns the number of entries in the memory tier.
func (c *CountCache) Size() int {
	return c.entries.Size()
}
