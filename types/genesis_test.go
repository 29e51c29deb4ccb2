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

package types

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
)

func writeGenesisFile(t *testing.T, contents string) string {
	t.Helper()

	genesisPath := filepath.Join(t.TempDir(), "genesis.json")
	assert.NoError(t, os.WriteFile(genesisPath, []byte(contents), 0o600))

	return genesisPath
}

func TestLoadGenesis(t *testing.T) {
	genesisPath := writeGenesisFile(t, `{
		"timestamp": 1438269973,
		"alloc": {
			"0x000000000000000000000000000000000000000b": {"balance": "200"},
			"0x000000000000000000000000000000000000000a": {"balance": "100"}
		}
	}`)

	genesis, err := LoadGenesis(genesisPath)
	assert.NoError(t, err)
	assert.Equal(t, int64(1438269973), genesis.Timestamp)
	assert.Len(t, genesis.Allocations, 2)

	// sorted by address
	assert.Equal(t, common.HexToAddress("0xa"), genesis.Allocations[0].Address)
	assert.Equal(t, "100", genesis.Allocations[0].Amount)
	assert.Equal(t, common.HexToAddress("0xb"), genesis.Allocations[1].Address)
	assert.Equal(t, "200", genesis.Allocations[1].Amount)
}

func TestLoadGenesisNoTimestamp(t *testing.T) {
	genesisPath := writeGenesisFile(t, `{
		"alloc": {
			"0x000000000000000000000000000000000000000a": {"balance": "100"}
		}
	}`)

	genesis, err := LoadGenesis(genesisPath)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), genesis.Timestamp)
	assert.Len(t, genesis.Allocations, 1)
}

func TestLoadGenesisInvalid(t *testing.T) {
	tests := map[string]string{
		"not json":        `{"alloc"`,
		"invalid address": `{"alloc": {"zzz": {"balance": "100"}}}`,
		"invalid balance": `{"alloc": {"0x000000000000000000000000000000000000000a": {"balance": "lots"}}}`,
	}

	for name, contents := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadGenesis(writeGenesisFile(t, contents))
			assert.Error(t, err)
		})
	}

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadGenesis(filepath.Join(t.TempDir(), "nope.json"))
		assert.Error(t, err)
	})
}

func writeForksFile(t *testing.T, contents string) string {
	t.Helper()

	forksPath := filepath.Join(t.TempDir(), "forks.json")
	assert.NoError(t, os.WriteFile(forksPath, []byte(contents), 0o600))

	return forksPath
}

func TestLoadHardForks(t *testing.T) {
	forksPath := writeForksFile(t, `[
		{
			"name": "dao-refund",
			"block": 1920000,
			"adjustments": [
				{"address": "0x000000000000000000000000000000000000000a", "amount": "75", "is_receiving": true},
				{"address": "0x000000000000000000000000000000000000000b", "amount": "75", "is_receiving": false}
			]
		},
		{
			"name": "treasury-burn",
			"block": 2500000,
			"adjustments": [
				{"address": "0x000000000000000000000000000000000000000c", "amount": "10", "is_receiving": false}
			]
		}
	]`)

	forks, err := LoadHardForks(forksPath)
	assert.NoError(t, err)
	assert.Len(t, forks, 2)

	assert.Equal(t, "dao-refund", forks[0].Name)
	assert.Equal(t, int64(1920000), forks[0].Block)
	assert.Len(t, forks[0].Adjustments, 2)
	assert.Equal(t, common.HexToAddress("0xa"), forks[0].Adjustments[0].Address)
	assert.Equal(t, "75", forks[0].Adjustments[0].Amount)
	assert.True(t, forks[0].Adjustments[0].IsReceiving)
	assert.False(t, forks[0].Adjustments[1].IsReceiving)

	assert.Equal(t, "treasury-burn", forks[1].Name)
	assert.Equal(t, int64(2500000), forks[1].Block)
}

func TestLoadHardForksInvalid(t *testing.T) {
	tests := map[string]string{
		"not json":        `[{"name"`,
		"not an array":    `{"name": "dao-refund"}`,
		"negative block":  `[{"name": "dao-refund", "block": -1}]`,
		"invalid address": `[{"name": "dao-refund", "block": 10, "adjustments": [{"address": "zzz", "amount": "75"}]}]`,
		"invalid amount":  `[{"name": "dao-refund", "block": 10, "adjustments": [{"address": "0x000000000000000000000000000000000000000a", "amount": "lots"}]}]`,
	}

	for name, contents := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadHardForks(writeForksFile(t, contents))
			assert.Error(t, err)
		})
	}

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadHardForks(filepath.Join(t.TempDir(), "nope.json"))
		assert.Error(t, err)
	})
}
