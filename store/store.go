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

package store

import (
	"context"

	"github.com/coinbase/chainledger/store/schema"
)

// Txn is the operation surface available against the durable store.
// Methods issued through a Store run as individual statements; methods
// issued through the handle passed to Store.Transaction run inside one
// database transaction and commit or roll back together.
type Txn interface {
	// InsertTraces persists a block's traces, one row per trace.
	// Rows that collide on (block_number, trace_index) are skipped.
	InsertTraces(ctx context.Context, traces []*schema.Trace) error
	// DeleteTracesFrom removes all traces with block_number >= blockNumber
	// and returns the number of rows removed.
	DeleteTracesFrom(ctx context.Context, blockNumber int64) (int64, error)
	// TracesForBlock retrieves a block's traces in emission order.
	TracesForBlock(ctx context.Context, blockNumber int64) ([]*schema.Trace, error)
	// BlockHashAt reports the hash of the processed block at blockNumber,
	// "" when no row records that height.
	BlockHashAt(ctx context.Context, blockNumber int64) (string, error)

	// InsertDeltas appends balance deltas to the history.
	InsertDeltas(ctx context.Context, deltas []*schema.BalanceDelta) error
	// DeleteDeltasFrom removes all deltas with block_number >= blockNumber
	// and returns the number of rows removed.
	DeleteDeltasFrom(ctx context.Context, blockNumber int64) (int64, error)
	// ChangedAddressesSince returns the distinct addresses with at least
	// one delta at block_number >= blockNumber.
	ChangedAddressesSince(ctx context.Context, blockNumber int64) ([]string, error)
	// ReplayBalance rederives an address's balance from its delta history
	// restricted to block_number < belowBlock. It returns nil when no
	// deltas remain below the bound.
	ReplayBalance(ctx context.Context, address string, belowBlock int64) (*schema.Balance, error)

	// UpsertBalances creates or updates running balances.
	UpsertBalances(ctx context.Context, balances []*schema.Balance) error
	// DeleteBalances removes the balances of the given addresses.
	DeleteBalances(ctx context.Context, addresses []string) error
	// DeleteAllBalances truncates the balance table. Used only for a
	// full resync.
	DeleteAllBalances(ctx context.Context) error
	// Balance retrieves one address's running balance, nil when absent.
	Balance(ctx context.Context, address string) (*schema.Balance, error)
	// EachBalance streams all balances in batches of batchSize.
	EachBalance(ctx context.Context, batchSize int, fn func(balances []*schema.Balance) error) error

	// UpsertCounts creates or updates per-(address, block) event counts.
	UpsertCounts(ctx context.Context, counts []*schema.InternalTxCount) error
	// DeleteCountsFrom removes all counts with block_number >= blockNumber
	// and returns the number of rows removed.
	DeleteCountsFrom(ctx context.Context, blockNumber int64) (int64, error)
	// Count retrieves one (address, block) count, nil when absent.
	Count(ctx context.Context, address string, blockNumber int64) (*schema.InternalTxCount, error)
	// EachCountFrom streams counts with block number at or after
	// blockNumber in batches of batchSize.
	EachCountFrom(ctx context.Context, blockNumber int64, batchSize int, fn func(counts []*schema.InternalTxCount) error) error

	// Cursor retrieves a pipeline cursor value, "" when absent.
	Cursor(ctx context.Context, key string) (string, error)
	// SetCursor creates or updates a pipeline cursor.
	SetCursor(ctx context.Context, key string, value string) error
}

// Store is the durable relational home of everything this service
// derives: raw traces, the balance delta history, running balances,
// and internal-transaction counts.
type Store interface {
	Txn

	// Transaction runs fn inside a single database transaction. The
	// transaction commits when fn returns nil and rolls back otherwise.
	Transaction(ctx context.Context, fn func(txn Txn) error) error

	// Migrate creates or updates the schema.
	Migrate(ctx context.Context) error

	// Close releases the underlying connection pool.
	Close() error
}
