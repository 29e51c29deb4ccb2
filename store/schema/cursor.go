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

// Cursor represents the cursors table - small pieces of pipeline state
// (such as the last synced block) that must commit atomically with the
// data they describe.
type Cursor struct {
	// Key is the cursor name
	Key string `gorm:"column:key;primaryKey;type:text"`
	// Value is the cursor payload
	Value string `gorm:"column:value;not null;type:text"`
	// UpdatedAt is the timestamp when the cursor was last written
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

// TableName specifies the table name for the Cursor model
func (Cursor) TableName() string {
	return "cursors"
}
