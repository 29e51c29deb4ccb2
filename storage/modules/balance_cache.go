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
	"log"
	"runtime"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/neilotoole/errgroup"

	"github.com/coinbase/chainledger/storage/database"
	storageErrs "github.com/coinbase/chainledger/storage/errors"
	"github.com/coinbase/chainledger/store"
	"github.com/coinbase/chainledger/store/schema"
	"github.com/coinbase/chainledger/types"
	"github.com/coinbase/chainledger/utils"
)

const (
	// balanceNamespace is prepended to any stored balance entry.
	balanceNamespace = "fbal"

	// balanceMetaNamespace is prepended to balance cache metadata.
	balanceMetaNamespace = "fbal-meta"

	// warmBalanceBatchSize is the number of balance rows pulled from
	// the store per batch when warming an empty cache.
	warmBalanceBatchSize = 10000
)

/*
  Key Construction
*/

// GetBalanceKey returns the disk tier key for an address.
func GetBalanceKey(address common.Address) []byte {
	return []byte(fmt.Sprintf("%s/%s", balanceNamespace, types.LowerHex(address)))
}

func getBalanceKeyRaw(address string) []byte {
	return []byte(fmt.Sprintf("%s/%s", balanceNamespace, address))
}

// BalanceCache maintains the native-currency balance ledger across
// three tiers: a sharded in-memory map on the hot path, a badger disk
// tier that bounds memory growth and survives restarts, and the
// relational store as the durable source of truth.
//
// The disk tier carries a watermark (the highest block folded into its
// entries). Every disk write advances entries and watermark in one
// badger transaction, so a watermark that matches the store's cursor
// guarantees the disk tier is complete and exact up to that block.
type BalanceCache struct {
	db     database.Database
	token  types.TokenType
	numCPU int

	// entries maps a lowercase hex address to its *types.BalanceEntry.
	// Entries are mutated in place under the owning shard lock and
	// copied out before crossing the package boundary.
	entries *utils.ShardedMap

	// Dirty addresses are tracked in two generations: memDirty since
	// the last disk flush and storeDirty since the last store write.
	// Flush migrates addresses from the first set to the second;
	// WriteToDb drains the second. Guarded by dirtyMutex along with
	// the tier positions below (foreground callers lock with
	// priority, flush paths without).
	dirtyMutex *utils.PriorityMutex
	memDirty   map[string]struct{}
	storeDirty map[string]struct{}

	// head mirrors the disk tier watermark, applied is the highest
	// block folded into the memory tier, and storeHead is the highest
	// block written through to the store. -1 means empty.
	head      int64
	applied   int64
	storeHead int64

	initialised bool
}

// NewBalanceCache returns a new BalanceCache denominated in token.
// Initialise must be called before any other method.
func NewBalanceCache(
	db database.Database,
	token types.TokenType,
) *BalanceCache {
	return &BalanceCache{
		db:         db,
		token:      token,
		numCPU:     runtime.NumCPU(),
		entries:    utils.NewShardedMap(utils.DefaultShards),
		dirtyMutex: new(utils.PriorityMutex),
		memDirty:   map[string]struct{}{},
		storeDirty: map[string]struct{}{},
		head:       -1,
		applied:    -1,
		storeHead:  -1,
	}
}

// Initialise prepares the cache for ingestion. An empty disk tier is
// bulk-warmed from the store's balance rows. A non-empty disk tier is
// accepted when its watermark equals lastSynced, or trails it with no
// delta history in between (a flush never runs for a block that moves
// no balances, so delta-free trailing blocks leave the watermark
// behind the cursor). Anything else was left behind by a partial
// commit and the caller must wipe the cache directory and re-run.
// Idempotent.
func (b *BalanceCache) Initialise(
	ctx context.Context,
	tx store.Txn,
	lastSynced int64,
) error {
	if b.initialised {
		return nil
	}

	if err := b.token.Valid(); err != nil {
		return fmt.Errorf("%s: %w", err.Error(), storageErrs.ErrUnsupportedTokenType)
	}

	readTx := b.db.ReadTransaction(ctx)
	exists, head, err := readHead(ctx, readTx, balanceMetaNamespace)
	readTx.Discard(ctx)
	if err != nil {
		return fmt.Errorf("unable to read balance cache head: %w", err)
	}

	if exists {
		if head > lastSynced {
			return fmt.Errorf(
				"disk tier at block %d, store at block %d: %w",
				head,
				lastSynced,
				storageErrs.ErrBalanceCacheDiverged,
			)
		}

		if head < lastSynced {
			changed, err := tx.ChangedAddressesSince(ctx, head+1)
			if err != nil {
				return fmt.Errorf("unable to verify balance cache head: %w", err)
			}
			if len(changed) > 0 {
				// The store holds deltas the tier never flushed.
				return fmt.Errorf(
					"disk tier at block %d, store at block %d with deltas in between: %w",
					head,
					lastSynced,
					storageErrs.ErrBalanceCacheDiverged,
				)
			}

			if err := b.catchUpHead(ctx, lastSynced); err != nil {
				return err
			}
		}

		// The memory tier warms lazily from disk as addresses are
		// touched.
		b.head = lastSynced
		b.applied = lastSynced
		b.storeHead = lastSynced
		b.initialised = true
		return nil
	}

	if err := b.warm(ctx, tx, lastSynced); err != nil {
		return fmt.Errorf("%s: %w", err.Error(), storageErrs.ErrBalanceWarmupFailed)
	}

	b.head = lastSynced
	b.applied = lastSynced
	b.storeHead = lastSynced
	b.initialised = true
	return nil
}

// warm bulk-loads both cache tiers from the store's balance rows. Rows
// whose last block is ahead of lastSynced were written by a flush whose
// owning block never committed; they are rederived from delta history
// before the tiers accept them.
func (b *BalanceCache) warm(
	ctx context.Context,
	tx store.Txn,
	lastSynced int64,
) error {
	log.Println("Warming balance cache from store (this could take a while)...")

	aheadAddresses := []string{}
	var aheadMutex sync.Mutex
	warmed := 0

	err := tx.EachBalance(ctx, warmBalanceBatchSize, func(rows []*schema.Balance) error {
		dbTx := b.db.WriteTransaction(ctx, balanceNamespace, false)
		defer dbTx.Discard(ctx)

		g, gctx := errgroup.WithContextN(ctx, b.numCPU, b.numCPU)
		for i := range rows {
			// We need to set variable before calling goroutine
			// to avoid getting an updated pointer as loop iteration
			// continues.
			row := rows[i]
			g.Go(func() error {
				if row.LastBlock > lastSynced {
					aheadMutex.Lock()
					aheadAddresses = append(aheadAddresses, row.Address)
					aheadMutex.Unlock()
					return nil
				}

				entry := &types.BalanceEntry{
					Address:   common.HexToAddress(row.Address),
					Amount:    row.Amount,
					LastBlock: row.LastBlock,
				}
				if _, err := types.BigInt(entry.Amount); err != nil {
					return fmt.Errorf("stored balance for %s is invalid: %w", row.Address, err)
				}

				return b.setEntry(gctx, dbTx, row.Address, entry)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		warmed += len(rows)
		return dbTx.Commit(ctx)
	})
	if err != nil {
		return fmt.Errorf("unable to warm balance cache: %w", err)
	}

	if err := b.repairAheadRows(ctx, tx, aheadAddresses, lastSynced); err != nil {
		return err
	}

	// The watermark is written last so a crash mid-warm leaves the
	// tier headless and the next start warms from scratch.
	dbTx := b.db.WriteTransaction(ctx, balanceNamespace, false)
	defer dbTx.Discard(ctx)
	if err := writeHead(ctx, dbTx, balanceMetaNamespace, lastSynced); err != nil {
		return fmt.Errorf("unable to write balance cache head: %w", err)
	}
	if err := dbTx.Commit(ctx); err != nil {
		return fmt.Errorf("unable to commit balance cache head: %w", err)
	}

	log.Printf("%d balances warmed (%d repaired)\n", warmed, len(aheadAddresses))
	return nil
}

// catchUpHead advances the disk tier watermark over trailing blocks
// that moved no balances.
func (b *BalanceCache) catchUpHead(ctx context.Context, lastSynced int64) error {
	dbTx := b.db.WriteTransaction(ctx, balanceNamespace, false)
	defer dbTx.Discard(ctx)

	if err := writeHead(ctx, dbTx, balanceMetaNamespace, lastSynced); err != nil {
		return fmt.Errorf("unable to write balance cache head: %w", err)
	}
	if err := dbTx.Commit(ctx); err != nil {
		return fmt.Errorf("unable to commit balance cache head: %w", err)
	}

	return nil
}

// repairAheadRows rederives balances whose stored last block is ahead
// of the cursor. The delta history is the anchor: rows disagreeing with
// it are overwritten, never trusted.
func (b *BalanceCache) repairAheadRows(
	ctx context.Context,
	tx store.Txn,
	addresses []string,
	lastSynced int64,
) error {
	if len(addresses) == 0 {
		return nil
	}

	sort.Strings(addresses)

	repaired := []*schema.Balance{}
	dead := []string{}
	for _, address := range addresses {
		row, err := tx.ReplayBalance(ctx, address, lastSynced+1)
		if err != nil {
			return fmt.Errorf("unable to replay balance for %s: %w", address, err)
		}

		if row == nil {
			dead = append(dead, address)
			continue
		}
		repaired = append(repaired, row)
	}

	if err := tx.UpsertBalances(ctx, repaired); err != nil {
		return fmt.Errorf("unable to upsert repaired balances: %w", err)
	}
	if err := tx.DeleteBalances(ctx, dead); err != nil {
		return fmt.Errorf("unable to delete dead balances: %w", err)
	}

	dbTx := b.db.WriteTransaction(ctx, balanceNamespace, false)
	defer dbTx.Discard(ctx)
	for _, row := range repaired {
		entry := &types.BalanceEntry{
			Address:   common.HexToAddress(row.Address),
			Amount:    row.Amount,
			LastBlock: row.LastBlock,
		}
		if err := b.setEntry(ctx, dbTx, row.Address, entry); err != nil {
			return err
		}
	}

	return dbTx.Commit(ctx)
}

// setEntry writes an entry to the memory tier and stages it in dbTx for
// the disk tier.
func (b *BalanceCache) setEntry(
	ctx context.Context,
	dbTx database.Transaction,
	address string,
	entry *types.BalanceEntry,
) error {
	shard := b.entries.Lock(address, false)
	shard[address] = entry
	b.entries.Unlock(address)

	val, err := b.db.Encoder().EncodeBalanceEntry(entry)
	if err != nil {
		return fmt.Errorf("unable to encode balance entry for %s: %w", address, err)
	}

	if err := dbTx.Set(ctx, getBalanceKeyRaw(address), val, true); err != nil {
		return fmt.Errorf("unable to set balance entry for %s: %w", address, err)
	}

	return nil
}

// lookupMemory returns a copy of the memory tier entry for an address.
func (b *BalanceCache) lookupMemory(address string, priority bool) (*types.BalanceEntry, bool) {
	shard := b.entries.Lock(address, priority)
	defer b.entries.Unlock(address)

	entry, ok := shard[address].(*types.BalanceEntry)
	if !ok {
		return nil, false
	}

	copied := *entry
	return &copied, true
}

// lookupDisk reads an address's entry from the disk tier.
func (b *BalanceCache) lookupDisk(
	ctx context.Context,
	address common.Address,
) (bool, *types.BalanceEntry, error) {
	dbTx := b.db.ReadTransaction(ctx)
	defer dbTx.Discard(ctx)

	exists, val, err := dbTx.Get(ctx, GetBalanceKey(address))
	if err != nil {
		return false, nil, fmt.Errorf("unable to get balance entry for %s: %w", address.Hex(), err)
	}
	if !exists {
		return false, nil, nil
	}

	entry := &types.BalanceEntry{Address: address}
	if err := b.db.Encoder().DecodeBalanceEntry(val, entry, true); err != nil {
		return false, nil, fmt.Errorf("unable to decode balance entry for %s: %w", address.Hex(), err)
	}

	return true, entry, nil
}

// Apply folds a batch of deltas into the memory tier. A memory miss
// falls through to the disk tier once per address; the durable store is
// never consulted. Deltas denominated in anything but the cache's
// token are a data-contract violation and abort the batch.
func (b *BalanceCache) Apply(ctx context.Context, deltas []*types.Delta) error {
	for _, delta := range deltas {
		if delta.TokenType != b.token {
			return fmt.Errorf(
				"delta for %s at block %d is denominated in %s: %w",
				delta.Address.Hex(),
				delta.BlockNumber,
				delta.TokenType,
				storageErrs.ErrUnsupportedTokenType,
			)
		}

		if err := b.applyDelta(ctx, delta); err != nil {
			return err
		}
	}

	return nil
}

func (b *BalanceCache) applyDelta(ctx context.Context, delta *types.Delta) error {
	amount, err := types.BigInt(delta.Amount)
	if err != nil {
		return fmt.Errorf("%s: %w", err.Error(), storageErrs.ErrInvalidEntryValue)
	}
	if amount.Sign() == -1 {
		return fmt.Errorf(
			"%s delta for %s has negative amount %s: %w",
			delta.Type,
			delta.Address.Hex(),
			delta.Amount,
			storageErrs.ErrInvalidEntryValue,
		)
	}

	address := types.LowerHex(delta.Address)
	shard := b.entries.Lock(address, true)
	defer b.entries.Unlock(address)

	entry, ok := shard[address].(*types.BalanceEntry)
	if !ok {
		exists, diskEntry, err := b.lookupDisk(ctx, delta.Address)
		if err != nil {
			return err
		}
		if exists {
			entry = diskEntry
		} else {
			entry = &types.BalanceEntry{
				Address:   delta.Address,
				Amount:    types.ZeroValue,
				LastBlock: -1,
			}
		}
		shard[address] = entry
	}

	var newAmount string
	if delta.IsReceiving {
		newAmount, err = types.AddValues(entry.Amount, delta.Amount)
	} else {
		newAmount, err = types.SubtractValues(entry.Amount, delta.Amount)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", err.Error(), storageErrs.ErrInvalidEntryValue)
	}

	parsed, err := types.BigInt(newAmount)
	if err != nil {
		return fmt.Errorf("%s: %w", err.Error(), storageErrs.ErrInvalidEntryValue)
	}
	if parsed.Sign() == -1 {
		return fmt.Errorf(
			"balance of %s at block %d would become %s: %w",
			delta.Address.Hex(),
			delta.BlockNumber,
			newAmount,
			storageErrs.ErrNegativeBalance,
		)
	}

	entry.Amount = newAmount
	if delta.BlockNumber > entry.LastBlock {
		entry.LastBlock = delta.BlockNumber
	}

	b.dirtyMutex.Lock(true)
	b.memDirty[address] = struct{}{}
	if delta.BlockNumber > b.applied {
		b.applied = delta.BlockNumber
	}
	b.dirtyMutex.Unlock()

	return nil
}

// Get returns an address's balance entry, reading the memory tier
// first and promoting a disk tier hit. A miss on both tiers is a zero
// balance, not an error.
func (b *BalanceCache) Get(
	ctx context.Context,
	address common.Address,
) (*types.BalanceEntry, error) {
	key := types.LowerHex(address)
	if entry, ok := b.lookupMemory(key, true); ok {
		return entry, nil
	}

	exists, entry, err := b.lookupDisk(ctx, address)
	if err != nil {
		return nil, err
	}
	if !exists {
		return &types.BalanceEntry{
			Address:   address,
			Amount:    types.ZeroValue,
			LastBlock: -1,
		}, nil
	}

	shard := b.entries.Lock(key, true)
	if _, ok := shard[key]; !ok {
		shard[key] = entry
	}
	b.entries.Unlock(key)

	copied := *entry
	return &copied, nil
}

// Flush writes every dirty memory entry to the disk tier in one badger
// transaction, advancing the watermark alongside. Entries are read
// under the namespace write lock so a flush and a rewind can never
// interleave their reads and writes. Flushed addresses migrate to the
// store-dirty generation. Safe to call with nothing dirty.
func (b *BalanceCache) Flush(ctx context.Context) error {
	b.dirtyMutex.Lock(false)
	if len(b.memDirty) == 0 {
		b.dirtyMutex.Unlock()
		return nil
	}
	dirty := b.memDirty
	b.memDirty = map[string]struct{}{}
	b.dirtyMutex.Unlock()

	restore := func() {
		b.dirtyMutex.Lock(false)
		for address := range dirty {
			b.memDirty[address] = struct{}{}
		}
		b.dirtyMutex.Unlock()
	}

	dbTx := b.db.WriteTransaction(ctx, balanceNamespace, false)
	defer dbTx.Discard(ctx)

	written := map[string]struct{}{}
	watermark := int64(-1)
	for address := range dirty {
		entry, ok := b.lookupMemory(address, false)
		if !ok {
			// Rewound out of the memory tier since it was marked;
			// the rewind already fixed its disk and store state.
			continue
		}

		val, err := b.db.Encoder().EncodeBalanceEntry(entry)
		if err != nil {
			restore()
			return fmt.Errorf("unable to encode balance entry for %s: %w", address, err)
		}
		if err := dbTx.Set(ctx, getBalanceKeyRaw(address), val, true); err != nil {
			restore()
			return fmt.Errorf("unable to set balance entry for %s: %w", address, err)
		}

		written[address] = struct{}{}
		if entry.LastBlock > watermark {
			watermark = entry.LastBlock
		}
	}

	if len(written) == 0 {
		return nil
	}

	// The watermark never regresses on a flush; only a rewind or reset
	// lowers it.
	_, diskHead, err := readHead(ctx, dbTx, balanceMetaNamespace)
	if err != nil {
		restore()
		return fmt.Errorf("%s: %w", err.Error(), storageErrs.ErrBalanceFlushFailed)
	}
	if diskHead > watermark {
		watermark = diskHead
	}
	if err := writeHead(ctx, dbTx, balanceMetaNamespace, watermark); err != nil {
		restore()
		return fmt.Errorf("unable to write balance cache head: %w", err)
	}

	if err := dbTx.Commit(ctx); err != nil {
		restore()
		return fmt.Errorf("%s: %w", err.Error(), storageErrs.ErrBalanceFlushFailed)
	}

	b.dirtyMutex.Lock(false)
	for address := range written {
		b.storeDirty[address] = struct{}{}
	}
	if watermark > b.head {
		b.head = watermark
	}
	b.dirtyMutex.Unlock()

	return nil
}

// WriteToDb flushes the memory tier and then upserts every entry dirty
// since the last store write. Calling it twice without an intervening
// Apply writes zero rows.
func (b *BalanceCache) WriteToDb(ctx context.Context, tx store.Txn) error {
	if err := b.Flush(ctx); err != nil {
		return err
	}

	b.dirtyMutex.Lock(false)
	dirty := b.storeDirty
	b.storeDirty = map[string]struct{}{}
	b.dirtyMutex.Unlock()

	if len(dirty) == 0 {
		return nil
	}

	rows := make([]*schema.Balance, 0, len(dirty))
	watermark := int64(-1)
	for address := range dirty {
		entry, ok := b.lookupMemory(address, false)
		if !ok {
			continue
		}

		rows = append(rows, &schema.Balance{
			Address:   address,
			Amount:    entry.Amount,
			LastBlock: entry.LastBlock,
		})
		if entry.LastBlock > watermark {
			watermark = entry.LastBlock
		}
	}
	if len(rows) == 0 {
		return nil
	}

	if err := tx.UpsertBalances(ctx, rows); err != nil {
		b.dirtyMutex.Lock(false)
		for address := range dirty {
			b.storeDirty[address] = struct{}{}
		}
		b.dirtyMutex.Unlock()
		return fmt.Errorf("%s: %w", err.Error(), storageErrs.ErrBalanceUpsertFailed)
	}

	b.dirtyMutex.Lock(false)
	if watermark > b.storeHead {
		b.storeHead = watermark
	}
	b.dirtyMutex.Unlock()

	return nil
}

// RewindUntil regresses the cache to reflect only deltas with block
// number strictly below block. Balances are rederived by replaying the
// store's remaining delta history, never by partial subtraction. The
// affected address set is the union of addresses with store history at
// or after the target and memory entries claiming a fold at or after
// it (the latter catches state left behind by an attempt whose store
// transaction rolled back). A target nothing has reached is a no-op.
func (b *BalanceCache) RewindUntil(
	ctx context.Context,
	tx store.Txn,
	block int64,
) error {
	if block < 0 {
		block = 0
	}

	changed, err := tx.ChangedAddressesSince(ctx, block)
	if err != nil {
		return fmt.Errorf("unable to list changed addresses: %w", err)
	}

	targets := map[string]struct{}{}
	for _, address := range changed {
		targets[address] = struct{}{}
	}
	b.entries.Range(true, func(k string, v interface{}) bool {
		if entry, ok := v.(*types.BalanceEntry); ok && entry.LastBlock >= block {
			targets[k] = struct{}{}
		}
		return true
	})

	b.dirtyMutex.Lock(true)
	head := b.head
	b.dirtyMutex.Unlock()

	if len(targets) == 0 && head < block {
		return nil
	}

	sorted := make([]string, 0, len(targets))
	for address := range targets {
		sorted = append(sorted, address)
	}
	sort.Strings(sorted)

	repaired := []*schema.Balance{}
	dead := []string{}
	for _, address := range sorted {
		row, err := tx.ReplayBalance(ctx, address, block)
		if err != nil {
			return fmt.Errorf(
				"unable to replay balance for %s below block %d: %s: %w",
				address,
				block,
				err.Error(),
				storageErrs.ErrBalanceReplayFailed,
			)
		}

		if row == nil {
			dead = append(dead, address)
			continue
		}
		repaired = append(repaired, row)
	}

	// Memory and disk are rewritten under the namespace write lock so
	// a concurrent flush observes either the old state or the new one,
	// never a mix.
	dbTx := b.db.WriteTransaction(ctx, balanceNamespace, true)
	defer dbTx.Discard(ctx)

	for _, address := range dead {
		shard := b.entries.Lock(address, true)
		delete(shard, address)
		b.entries.Unlock(address)

		if err := dbTx.Delete(ctx, getBalanceKeyRaw(address)); err != nil {
			return fmt.Errorf("unable to delete balance entry for %s: %w", address, err)
		}
	}
	for _, row := range repaired {
		entry := &types.BalanceEntry{
			Address:   common.HexToAddress(row.Address),
			Amount:    row.Amount,
			LastBlock: row.LastBlock,
		}
		if err := b.setEntry(ctx, dbTx, row.Address, entry); err != nil {
			return err
		}
	}

	newHead := head
	if newHead >= block {
		newHead = block - 1
	}
	if err := writeHead(ctx, dbTx, balanceMetaNamespace, newHead); err != nil {
		return fmt.Errorf("unable to write balance cache head: %w", err)
	}
	if err := dbTx.Commit(ctx); err != nil {
		return fmt.Errorf("unable to commit balance cache rewind: %w", err)
	}

	if err := tx.UpsertBalances(ctx, repaired); err != nil {
		return fmt.Errorf("%s: %w", err.Error(), storageErrs.ErrBalanceUpsertFailed)
	}
	if err := tx.DeleteBalances(ctx, dead); err != nil {
		return fmt.Errorf("unable to delete rewound balances: %w", err)
	}

	b.dirtyMutex.Lock(true)
	for address := range targets {
		delete(b.memDirty, address)
		delete(b.storeDirty, address)
	}
	if b.head >= block {
		b.head = block - 1
	}
	if b.applied >= block {
		b.applied = block - 1
	}
	if b.storeHead >= block {
		b.storeHead = block - 1
	}
	b.dirtyMutex.Unlock()

	return nil
}

// Reset truncates the balance table, drops the disk tier, and clears
// the memory tier. Used only for a full resync.
func (b *BalanceCache) Reset(ctx context.Context, tx store.Txn) error {
	if err := tx.DeleteAllBalances(ctx); err != nil {
		return fmt.Errorf("unable to truncate balances: %w", err)
	}

	if err := dropNamespaces(
		ctx,
		b.db,
		balanceNamespace,
		balanceNamespace,
		balanceMetaNamespace,
	); err != nil {
		return fmt.Errorf("unable to drop balance namespaces: %w", err)
	}

	b.dirtyMutex.Lock(true)
	b.entries = utils.NewShardedMap(utils.DefaultShards)
	b.memDirty = map[string]struct{}{}
	b.storeDirty = map[string]struct{}{}
	b.head = -1
	b.applied = -1
	b.storeHead = -1
	b.dirtyMutex.Unlock()

	return nil
}

// Head returns the disk tier watermark.
func (b *BalanceCache) Head() int64 {
	b.dirtyMutex.Lock(true)
	defer b.dirtyMutex.Unlock()

	return b.head
}

// Size returns the number of entries in the memory tier.
func (b *BalanceCache) Size() int {
	return b.entries.Size(false)
}
