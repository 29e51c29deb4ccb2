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

	"github.com/coinbase/chainledger/types"
)

// Trace represents the traces table. Every execution trace received for
// a processed block is persisted here, one row per trace, in emission
// order.
type Trace struct {
	// ID is the internal database primary key
	ID int64 `gorm:"column:id;primaryKey;autoIncrement"`
	// BlockNumber is the height of the block the trace belongs to
	BlockNumber int64 `gorm:"column:block_number;not null;index:idx_traces_block;uniqueIndex:idx_traces_block_trace,priority:1"`
	// BlockHash is the hash of the block the trace belongs to
	BlockHash string `gorm:"column:block_hash;not null;type:text"`
	// TraceIndex is the trace's position within the block's emission order
	TraceIndex int64 `gorm:"column:trace_index;not null;uniqueIndex:idx_traces_block_trace,priority:2"`
	// TransactionHash is the owning transaction, nil for block-level traces
	TransactionHash *string `gorm:"column:transaction_hash;type:text"`
	// TransactionIndex is the owning transaction's position in the block
	TransactionIndex *int64 `gorm:"column:transaction_index"`
	// Kind is the trace kind (CALL, CREATE, SELF_DESTRUCT, REWARD, FEE)
	Kind types.TraceKind `gorm:"column:kind;not null;type:text"`
	// CallKind is set for CALL traces only (call, callcode, delegatecall, staticcall)
	CallKind string `gorm:"column:call_kind;type:text"`
	// RewardKind is set for REWARD traces only (block, uncle)
	RewardKind string `gorm:"column:reward_kind;type:text"`
	// TraceAddress is the dotted call path from the transaction root, empty for top-level actions
	TraceAddress string `gorm:"column:trace_address;type:text"`
	// FromAddress is the sending address
	FromAddress string `gorm:"column:from_address;not null;type:text"`
	// ToAddress is the receiving address, nil when a creation failed before an address was assigned
	ToAddress *string `gorm:"column:to_address;type:text"`
	// Value is the amount moved (stored as numeric to support up to 78 digits)
	Value string `gorm:"column:value;not null;type:numeric(78,0)"`
	// Error is the failure reason when the traced subtree reverted
	Error *string `gorm:"column:error;type:text"`
	// Timestamp is the unix time (seconds) the owning block was mined
	Timestamp int64 `gorm:"column:timestamp;not null"`
	// CreatedAt is the timestamp when the row was created
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

// TableName specifies the table name for the Trace model
func (Trace) TableName() string {
	return "traces"
}
