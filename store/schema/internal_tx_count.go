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

package schema

import (
	"time"
)

// InternalTxCount represents the internal_tx_counts table - the number
// of internal-transaction events attributed to one address within one
// block. Keeping one row per (address, block) lets a rewind delete
// exactly the rows produced by orphaned blocks.
type InternalTxCount struct {
	// ID is the internal database primary key
	ID int64 `gorm:"column:id;primaryKey;autoIncrement"`
	// Address is the address the events are attributed to
	Address string `gorm:"column:address;not null;type:text;uniqueIndex:idx_internal_tx_counts_address_block,priority:1"`
	// BlockNumber is the height of the block the events occurred in
	BlockNumber int64 `gorm:"column:block_number;not null;uniqueIndex:idx_internal_tx_counts_address_block,priority:2;index:idx_internal_tx_counts_block"`
	// Count is the number of internal-transaction events
	Count int64 `gorm:"column:count;not null"`
	// UpdatedAt is the timestamp when the row was last written
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

// TableName specifies the table name for the InternalTxCount model
func (InternalTxCount) TableName() string {
	return "internal_tx_counts"
}
