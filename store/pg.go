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
	"errors"
	"fmt"
	"math/big"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/coinbase/chainledger/store/schema"
)

const (
	// streamBatchSize is the default page size used when streaming whole
	// tables (warmups and replays).
	streamBatchSize = 10000
)

// queries implements Txn against a *gorm.DB, which may be either the
// root connection pool or an open transaction handle.
type queries struct {
	db *gorm.DB
}

type pgStore struct {
	queries
}

// NewPGStore creates a new PostgreSQL store instance.
func NewPGStore(db *gorm.DB) Store {
	return &pgStore{queries{db: db}}
}

// ConfigureConnectionPool configures the connection pool settings for a GORM database connection.
// It accesses the underlying *sql.DB and sets the pool configuration.
// If any of the pool settings are 0 or empty, reasonable defaults are used:
//   - MaxOpenConns: 20 (if 0)
//   - MaxIdleConns: 5 (if 0)
//   - ConnMaxLifetime: 5 minutes (if 0)
//   - ConnMaxIdleTime: 10 minutes (if 0)
func ConfigureConnectionPool(db *gorm.DB, maxOpenConns, maxIdleConns int, connMaxLifetime, connMaxIdleTime time.Duration) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	maxOpenConns, maxIdleConns, connMaxLifetime, connMaxIdleTime =
		NormalizeConnectionPoolSettings(maxOpenConns, maxIdleConns, connMaxLifetime, connMaxIdleTime)

	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetMaxIdleConns(maxIdleConns)
	sqlDB.SetConnMaxLifetime(connMaxLifetime)
	sqlDB.SetConnMaxIdleTime(connMaxIdleTime)

	return nil
}

// NormalizeConnectionPoolSettings applies defaults and clamps pool settings into safe values.
//
// Defaults (when zero):
//   - MaxOpenConns: 20
//   - MaxIdleConns: 5
//   - ConnMaxLifetime: 5 minutes
//   - ConnMaxIdleTime: 10 minutes
//
// Notes:
//   - database/sql treats MaxOpenConns=0 as "unlimited"
//   - database/sql treats MaxIdleConns=0 as "no idle connections"
func NormalizeConnectionPoolSettings(maxOpenConns, maxIdleConns int, connMaxLifetime, connMaxIdleTime time.Duration) (int, int, time.Duration, time.Duration) {
	// Set defaults if not provided
	if maxOpenConns == 0 {
		maxOpenConns = 20
	}
	if maxIdleConns == 0 {
		maxIdleConns = 5
	}
	if connMaxLifetime == 0 {
		connMaxLifetime = 5 * time.Minute
	}
	if connMaxIdleTime == 0 {
		connMaxIdleTime = 10 * time.Minute
	}

	// Ensure MaxIdleConns doesn't exceed MaxOpenConns
	if maxIdleConns > maxOpenConns {
		maxIdleConns = maxOpenConns
	}

	return maxOpenConns, maxIdleConns, connMaxLifetime, connMaxIdleTime
}

// calculateSafeBatchSize computes the optimal batch size for bulk inserts to avoid
// PostgreSQL's "extended protocol limited to 65535 parameters" error.
//
// PostgreSQL's extended protocol has a hard limit of 65535 parameters per query.
// When doing batch inserts with GORM, each record consumes multiple parameters
// (one per field being inserted), and ON CONFLICT clauses may add additional parameters.
//
// Parameters:
//   - totalRecords: total number of records to insert
//   - fieldsPerRecord: number of fields/parameters per record
//
// Returns the safe batch size that won't exceed the parameter limit.
//
// Example with headroom of 1000:
//   - Balance struct: 4 fields → (65,535 - 1,000) / 4 = 16,133 records/batch
//   - BalanceDelta struct: 10 fields → (65,535 - 1,000) / 10 = 6,453 records/batch
//   - Trace struct: 15 fields → (65,535 - 1,000) / 15 = 4,302 records/batch
//
// The function uses a total headroom to account for batch-level overhead:
//   - GORM-added timestamp fields across all records
//   - ON CONFLICT clause parameters (can be significant with multi-column conflicts)
//   - Query metadata and internal GORM bookkeeping
//
// Total headroom is more accurate than per-record overhead because some costs
// are fixed per batch, not scaled per record.
func calculateSafeBatchSize(totalRecords int, fieldsPerRecord int) int {
	const maxParams = 65535
	const totalHeadroom = 1000 // Total parameter headroom for batch-level overhead

	// Reserve headroom from total available parameters
	availableParams := maxParams - totalHeadroom
	safeBatchSize := max(availableParams/fieldsPerRecord, 1)

	if safeBatchSize > totalRecords {
		return totalRecords
	}

	return safeBatchSize
}

// Transaction runs fn inside a single database transaction.
func (s *pgStore) Transaction(ctx context.Context, fn func(txn Txn) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&queries{db: tx})
	})
}

// Migrate creates or updates the schema.
func (s *pgStore) Migrate(ctx context.Context) error {
	err := s.db.WithContext(ctx).AutoMigrate(
		&schema.Trace{},
		&schema.BalanceDelta{},
		&schema.Balance{},
		&schema.InternalTxCount{},
		&schema.Cursor{},
	)
	if err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}

	return nil
}

// Close releases the underlying connection pool.
func (s *pgStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	return sqlDB.Close()
}

// InsertTraces persists a block's traces, one row per trace.
func (q *queries) InsertTraces(ctx context.Context, traces []*schema.Trace) error {
	if len(traces) == 0 {
		return nil
	}

	// Trace has 15 insertable fields
	batchSize := calculateSafeBatchSize(len(traces), 15)

	// Duplicate (block_number, trace_index) rows are skipped: a
	// redelivered block is rewound before its traces are rewritten, so
	// a conflict here means the same rows are already in place.
	if err := q.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "block_number"}, {Name: "trace_index"}},
		DoNothing: true,
	}).Clauses(clause.Returning{Columns: []clause.Column{}}).
		CreateInBatches(traces, batchSize).Error; err != nil {
		return fmt.Errorf("failed to insert traces: %w", err)
	}

	return nil
}

// DeleteTracesFrom removes all traces with block_number >= blockNumber.
func (q *queries) DeleteTracesFrom(ctx context.Context, blockNumber int64) (int64, error) {
	result := q.db.WithContext(ctx).
		Where("block_number >= ?", blockNumber).
		Delete(&schema.Trace{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete traces from block %d: %w", blockNumber, result.Error)
	}

	return result.RowsAffected, nil
}

// TracesForBlock retrieves a block's traces in emission order.
func (q *queries) TracesForBlock(ctx context.Context, blockNumber int64) ([]*schema.Trace, error) {
	var traces []*schema.Trace
	err := q.db.WithContext(ctx).
		Where("block_number = ?", blockNumber).
		Order("trace_index ASC").
		Find(&traces).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get traces for block %d: %w", blockNumber, err)
	}

	return traces, nil
}

// BlockHashAt reports the hash of the processed block at blockNumber.
// Traces answer first; blocks whose only rows are deltas (genesis and
// fork-only blocks) fall back to the delta history. Heights with no rows
// at all return "".
func (q *queries) BlockHashAt(ctx context.Context, blockNumber int64) (string, error) {
	var hashes []string
	err := q.db.WithContext(ctx).
		Model(&schema.Trace{}).
		Where("block_number = ?", blockNumber).
		Limit(1).
		Pluck("block_hash", &hashes).Error
	if err != nil {
		return "", fmt.Errorf("failed to get block hash at %d: %w", blockNumber, err)
	}
	if len(hashes) > 0 {
		return hashes[0], nil
	}

	err = q.db.WithContext(ctx).
		Model(&schema.BalanceDelta{}).
		Where("block_number = ?", blockNumber).
		Limit(1).
		Pluck("block_hash", &hashes).Error
	if err != nil {
		return "", fmt.Errorf("failed to get block hash at %d: %w", blockNumber, err)
	}
	if len(hashes) > 0 {
		return hashes[0], nil
	}

	return "", nil
}

// InsertDeltas appends balance deltas to the history.
func (q *queries) InsertDeltas(ctx context.Context, deltas []*schema.BalanceDelta) error {
	if len(deltas) == 0 {
		return nil
	}

	// BalanceDelta has 10 insertable fields
	batchSize := calculateSafeBatchSize(len(deltas), 10)

	if err := q.db.WithContext(ctx).
		Clauses(clause.Returning{Columns: []clause.Column{}}).
		CreateInBatches(deltas, batchSize).Error; err != nil {
		return fmt.Errorf("failed to insert balance deltas: %w", err)
	}

	return nil
}

// DeleteDeltasFrom removes all deltas with block_number >= blockNumber.
func (q *queries) DeleteDeltasFrom(ctx context.Context, blockNumber int64) (int64, error) {
	result := q.db.WithContext(ctx).
		Where("block_number >= ?", blockNumber).
		Delete(&schema.BalanceDelta{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete balance deltas from block %d: %w", blockNumber, result.Error)
	}

	return result.RowsAffected, nil
}

// ChangedAddressesSince returns the distinct addresses with at least one
// delta at block_number >= blockNumber.
func (q *queries) ChangedAddressesSince(ctx context.Context, blockNumber int64) ([]string, error) {
	var addresses []string
	err := q.db.WithContext(ctx).
		Model(&schema.BalanceDelta{}).
		Where("block_number >= ?", blockNumber).
		Distinct().
		Order("address ASC").
		Pluck("address", &addresses).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get changed addresses since block %d: %w", blockNumber, err)
	}

	return addresses, nil
}

// ReplayBalance rederives an address's balance from its delta history
// restricted to block_number < belowBlock.
//
// The fold runs in Go with arbitrary-precision integers rather than a
// SQL SUM so the result is exact on any backing engine.
func (q *queries) ReplayBalance(ctx context.Context, address string, belowBlock int64) (*schema.Balance, error) {
	sum := new(big.Int)
	lastBlock := int64(0)
	found := false

	var batch []*schema.BalanceDelta
	result := q.db.WithContext(ctx).
		Where("address = ? AND block_number < ?", address, belowBlock).
		FindInBatches(&batch, streamBatchSize, func(_ *gorm.DB, _ int) error {
			for _, delta := range batch {
				v, ok := new(big.Int).SetString(delta.Amount, 10)
				if !ok {
					return fmt.Errorf("invalid delta amount %s for %s at block %d", delta.Amount, delta.Address, delta.BlockNumber)
				}

				if delta.IsReceiving {
					sum.Add(sum, v)
				} else {
					sum.Sub(sum, v)
				}

				if delta.BlockNumber > lastBlock {
					lastBlock = delta.BlockNumber
				}
				found = true
			}

			return nil
		})
	if result.Error != nil {
		return nil, fmt.Errorf("failed to replay balance for %s below block %d: %w", address, belowBlock, result.Error)
	}

	if !found {
		return nil, nil
	}

	return &schema.Balance{
		Address:   address,
		Amount:    sum.String(),
		LastBlock: lastBlock,
	}, nil
}

// UpsertBalances creates or updates running balances.
func (q *queries) UpsertBalances(ctx context.Context, balances []*schema.Balance) error {
	if len(balances) == 0 {
		return nil
	}

	// Balance has 4 insertable fields
	batchSize := calculateSafeBatchSize(len(balances), 4)

	if err := q.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "address"}},
		DoUpdates: clause.AssignmentColumns([]string{"amount", "last_block", "updated_at"}),
	}).CreateInBatches(balances, batchSize).Error; err != nil {
		return fmt.Errorf("failed to upsert balances: %w", err)
	}

	return nil
}

// DeleteBalances removes the balances of the given addresses.
func (q *queries) DeleteBalances(ctx context.Context, addresses []string) error {
	if len(addresses) == 0 {
		return nil
	}

	if err := q.db.WithContext(ctx).
		Where("address IN ?", addresses).
		Delete(&schema.Balance{}).Error; err != nil {
		return fmt.Errorf("failed to delete balances: %w", err)
	}

	return nil
}

// DeleteAllBalances truncates the balance table. Used only for a full
// resync.
func (q *queries) DeleteAllBalances(ctx context.Context) error {
	if err := q.db.WithContext(ctx).
		Session(&gorm.Session{AllowGlobalUpdate: true}).
		Delete(&schema.Balance{}).Error; err != nil {
		return fmt.Errorf("failed to delete all balances: %w", err)
	}

	return nil
}

// Balance retrieves one address's running balance.
func (q *queries) Balance(ctx context.Context, address string) (*schema.Balance, error) {
	var balance schema.Balance
	err := q.db.WithContext(ctx).Where("address = ?", address).First(&balance).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get balance for %s: %w", address, err)
	}

	return &balance, nil
}

// EachBalance streams all balances in batches of batchSize.
func (q *queries) EachBalance(ctx context.Context, batchSize int, fn func(balances []*schema.Balance) error) error {
	if batchSize <= 0 {
		batchSize = streamBatchSize
	}

	var batch []*schema.Balance
	result := q.db.WithContext(ctx).
		FindInBatches(&batch, batchSize, func(_ *gorm.DB, _ int) error {
			return fn(batch)
		})
	if result.Error != nil {
		return fmt.Errorf("failed to stream balances: %w", result.Error)
	}

	return nil
}

// UpsertCounts creates or updates per-(address, block) event counts.
func (q *queries) UpsertCounts(ctx context.Context, counts []*schema.InternalTxCount) error {
	if len(counts) == 0 {
		return nil
	}

	// InternalTxCount has 4 insertable fields
	batchSize := calculateSafeBatchSize(len(counts), 4)

	if err := q.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "address"}, {Name: "block_number"}},
		DoUpdates: clause.AssignmentColumns([]string{"count", "updated_at"}),
	}).Clauses(clause.Returning{Columns: []clause.Column{}}).
		CreateInBatches(counts, batchSize).Error; err != nil {
		return fmt.Errorf("failed to upsert internal tx counts: %w", err)
	}

	return nil
}

// DeleteCountsFrom removes all counts with block_number >= blockNumber.
func (q *queries) DeleteCountsFrom(ctx context.Context, blockNumber int64) (int64, error) {
	result := q.db.WithContext(ctx).
		Where("block_number >= ?", blockNumber).
		Delete(&schema.InternalTxCount{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete internal tx counts from block %d: %w", blockNumber, result.Error)
	}

	return result.RowsAffected, nil
}

// Count retrieves one (address, block) count.
func (q *queries) Count(ctx context.Context, address string, blockNumber int64) (*schema.InternalTxCount, error) {
	var count schema.InternalTxCount
	err := q.db.WithContext(ctx).
		Where("address = ? AND block_number = ?", address, blockNumber).
		First(&count).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get count for %s at block %d: %w", address, blockNumber, err)
	}

	return &count, nil
}

// EachCountFrom streams counts with block number at or after blockNumber
// in batches of batchSize.
func (q *queries) EachCountFrom(ctx context.Context, blockNumber int64, batchSize int, fn func(counts []*schema.InternalTxCount) error) error {
	if batchSize <= 0 {
		batchSize = streamBatchSize
	}

	var batch []*schema.InternalTxCount
	result := q.db.WithContext(ctx).
		Where("block_number >= ?", blockNumber).
		FindInBatches(&batch, batchSize, func(_ *gorm.DB, _ int) error {
			return fn(batch)
		})
	if result.Error != nil {
		return fmt.Errorf("failed to stream internal tx counts: %w", result.Error)
	}

	return nil
}

// Cursor retrieves a pipeline cursor value.
func (q *queries) Cursor(ctx context.Context, key string) (string, error) {
	var cursor schema.Cursor
	err := q.db.WithContext(ctx).Where("key = ?", key).First(&cursor).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("failed to get cursor %s: %w", key, err)
	}

	return cursor.Value, nil
}

// SetCursor creates or updates a pipeline cursor.
func (q *queries) SetCursor(ctx context.Context, key string, value string) error {
	cursor := schema.Cursor{
		Key:   key,
		Value: value,
	}

	if err := q.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&cursor).Error; err != nil {
		return fmt.Errorf("failed to set cursor %s: %w", key, err)
	}

	return nil
}
