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

// BalanceDelta represents the balance_deltas table. It is the
// append-only history every cached balance can be rederived from: the
// balance of an address at block N is the signed sum of its deltas with
// block_number <= N.
type BalanceDelta struct {
	// ID is the internal database primary key
	ID int64 `gorm:"column:id;primaryKey;autoIncrement"`
	// Address is the balance owner affected by this change
	Address string `gorm:"column:address;not null;type:text;index:idx_balance_deltas_address_block,priority:1"`
	// CounterpartAddress is the other side of a transfer-like change, nil for mint-like causes
	CounterpartAddress *string `gorm:"column:counterpart_address;type:text"`
	// BlockNumber is the height of the block that produced the delta
	BlockNumber int64 `gorm:"column:block_number;not null;index:idx_balance_deltas_address_block,priority:2;index:idx_balance_deltas_block"`
	// BlockHash is the hash of the block that produced the delta
	BlockHash string `gorm:"column:block_hash;not null;type:text"`
	// Type is the cause of the change (PREMINE_BALANCE, TRANSACTION, ...)
	Type types.DeltaType `gorm:"column:type;not null;type:text"`
	// TokenType is the asset class the delta is denominated in
	TokenType types.TokenType `gorm:"column:token_type;not null;type:text"`
	// Amount is the non-negative magnitude of the change (stored as numeric to support up to 78 digits)
	Amount string `gorm:"column:amount;not null;type:numeric(78,0)"`
	// IsReceiving is true when Amount increases Address's balance
	IsReceiving bool `gorm:"column:is_receiving;not null"`
	// Timestamp is the unix time (seconds) of the owning block
	Timestamp int64 `gorm:"column:timestamp;not null"`
	// CreatedAt is the timestamp when the row was created
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

// TableName specifies the table name for the BalanceDelta model
func (BalanceDelta) TableName() string {
	return "balance_deltas"
}
