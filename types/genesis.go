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
	"fmt"
	"os"
	"path"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/tidwall/gjson"
)

// LoadGenesis reads a chain definition file and extracts the premine
// allocations. The expected shape is the conventional genesis document:
//
//	{
//	  "timestamp": 1438269973,
//	  "alloc": {
//	    "0xabc...": {"balance": "100"},
//	    ...
//	  }
//	}
//
// Allocations are returned sorted by address so downstream delta order
// is reproducible across runs.
func LoadGenesis(filePath string) (*Genesis, error) {
	b, err := os.ReadFile(path.Clean(filePath))
	if err != nil {
		return nil, fmt.Errorf("unable to read genesis file %s: %w", filePath, err)
	}

	if !gjson.ValidBytes(b) {
		return nil, fmt.Errorf("genesis file %s is not valid JSON", filePath)
	}

	doc := gjson.ParseBytes(b)

	genesis := &Genesis{
		Timestamp: doc.Get("timestamp").Int(),
	}

	var parseErr error
	doc.Get("alloc").ForEach(func(key, value gjson.Result) bool {
		if !common.IsHexAddress(key.String()) {
			parseErr = fmt.Errorf("genesis allocation address %s is invalid", key.String())
			return false
		}

		amount := value.Get("balance").String()
		if _, err := BigInt(amount); err != nil {
			parseErr = fmt.Errorf("genesis allocation for %s: %w", key.String(), err)
			return false
		}

		genesis.Allocations = append(genesis.Allocations, &GenesisAllocation{
			Address: common.HexToAddress(key.String()),
			Amount:  amount,
		})

		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}

	sort.Slice(genesis.Allocations, func(i, j int) bool {
		return genesis.Allocations[i].Address.Hex() < genesis.Allocations[j].Address.Hex()
	})

	return genesis, nil
}

// LoadHardForks reads a hard-fork schedule file: a JSON array of forks,
// each naming the block it activates at and the balance adjustments it
// applies:
//
//	[
//	  {
//	    "name": "dao-refund",
//	    "block": 1920000,
//	    "adjustments": [
//	      {"address": "0xabc...", "amount": "75", "is_receiving": true}
//	    ]
//	  }
//	]
//
// File order is preserved so forks sharing a block apply in schedule
// order.
func LoadHardForks(filePath string) ([]*HardFork, error) {
	b, err := os.ReadFile(path.Clean(filePath))
	if err != nil {
		return nil, fmt.Errorf("unable to read hard fork file %s: %w", filePath, err)
	}

	if !gjson.ValidBytes(b) {
		return nil, fmt.Errorf("hard fork file %s is not valid JSON", filePath)
	}

	doc := gjson.ParseBytes(b)
	if !doc.IsArray() {
		return nil, fmt.Errorf("hard fork file %s is not a JSON array", filePath)
	}

	var forks []*HardFork
	var parseErr error
	doc.ForEach(func(_, value gjson.Result) bool {
		fork := &HardFork{
			Name:  value.Get("name").String(),
			Block: value.Get("block").Int(),
		}
		if fork.Block < 0 {
			parseErr = fmt.Errorf("hard fork %s activates at a negative block", fork.Name)
			return false
		}

		value.Get("adjustments").ForEach(func(_, adj gjson.Result) bool {
			address := adj.Get("address").String()
			if !common.IsHexAddress(address) {
				parseErr = fmt.Errorf("hard fork %s adjustment address %s is invalid", fork.Name, address)
				return false
			}

			amount := adj.Get("amount").String()
			if _, err := BigInt(amount); err != nil {
				parseErr = fmt.Errorf("hard fork %s adjustment for %s: %w", fork.Name, address, err)
				return false
			}

			fork.Adjustments = append(fork.Adjustments, &BalanceAdjustment{
				Address:     common.HexToAddress(address),
				Amount:      amount,
				IsReceiving: adj.Get("is_receiving").Bool(),
			})

			return true
		})
		if parseErr != nil {
			return false
		}

		forks = append(forks, fork)
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}

	return forks, nil
}
