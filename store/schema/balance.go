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

// Balance represents the balances table - the durable copy of every
// address's running native-currency balance.
type Balance struct {
	// Address is the balance owner
	Address string `gorm:"column:address;primaryKey;type:text"`
	// Amount is the signed running balance (stored as numeric to support up to 78 digits)
	Amount string `gorm:"column:amount;not null;type:numeric(78,0)"`
	// LastBlock is the highest block whose deltas are folded into Amount
	LastBlock int64 `gorm:"column:last_block;not null"`
	// UpdatedAt is the timestamp when the row was last written
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

// TableName specifies the table name for the Balance model
func (Balance) TableName() string {
	return "balances"
}
