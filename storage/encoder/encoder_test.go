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

package encoder

import (
	"context"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"golang.org/x/sync/errgroup"

	"github.com/coinbase/chainledger/types"
)

func runCompressions(e *Encoder, t *testing.T) {
	for i := int64(0); i < 500; i++ {
		record := &types.BlockRecord{
			Block: types.BlockIdentifier{
				Index: i,
				Hash:  common.BigToHash(common.Big1),
			},
			Timestamp: 1438269988 + i,
			Traces: []*types.Trace{
				{
					BlockNumber: i,
					Kind:        types.RewardTrace,
					RewardKind:  types.RewardKindBlock,
					To:          addressPtr(common.HexToAddress("0x01")),
					Value:       "5000000000000000000",
				},
			},
		}

		recordEnc, err := e.Encode("", record)
		assert.NoError(t, err)

		entry := &types.CountEntry{
			Address:     common.HexToAddress("0x02"),
			BlockNumber: i,
			Count:       i % 7,
		}
		entryEnc, err := e.Encode("", entry)
		assert.NoError(t, err)

		var recordDec types.BlockRecord
		assert.NoError(t, e.Decode("", recordEnc, &recordDec, true))
		assert.Equal(t, record.Block, recordDec.Block)
		assert.Len(t, recordDec.Traces, 1)
		assert.Equal(t, record.Traces[0].Value, recordDec.Traces[0].Value)

		var entryDec types.CountEntry
		assert.NoError(t, e.Decode("", entryEnc, &entryDec, true))
		assert.Equal(t, entry, &entryDec)
	}
}

func addressPtr(addr common.Address) *common.Address {
	return &addr
}

func TestEncoder(t *testing.T) {
	e, err := NewEncoder(nil, NewBufferPool(), true)
	assert.NoError(t, err)

	g, _ := errgroup.WithContext(context.Background())

	for i := 0; i < 10; i++ {
		g.Go(func() error {
			runCompressions(e, t)

			return nil
		})
	}

	assert.NoError(t, g.Wait())
}

func TestEncoderUncompressed(t *testing.T) {
	e, err := NewEncoder(nil, NewBufferPool(), false)
	assert.NoError(t, err)

	entry := &types.BalanceEntry{
		Address: common.HexToAddress("0x03"),
		Amount:  "1000000000000000000000000",
	}
	enc, err := e.Encode("", entry)
	assert.NoError(t, err)

	var dec types.BalanceEntry
	assert.NoError(t, e.Decode("", enc, &dec, true))
	assert.Equal(t, entry, &dec)
}

func TestEncodeDecodeBalanceEntry(t *testing.T) {
	tests := map[string]struct {
		entry *types.BalanceEntry
	}{
		"zero balance": {
			entry: &types.BalanceEntry{
				Amount: "0",
			},
		},
		"large balance": {
			entry: &types.BalanceEntry{
				Amount:    "123456789012345678901234567890",
				LastBlock: 14000000,
			},
		},
		"negative balance": {
			entry: &types.BalanceEntry{
				Amount:    "-42",
				LastBlock: 1,
			},
		},
	}

	for name, test := range tests {
		e, err := NewEncoder(nil, NewBufferPool(), true)
		assert.NoError(t, err)

		t.Run(name, func(t *testing.T) {
			optimizedResult, err := e.EncodeBalanceEntry(test.entry)
			assert.NoError(t, err)

			var decoded types.BalanceEntry
			assert.NoError(t, e.DecodeBalanceEntry(optimizedResult, &decoded, true))

			assert.Equal(t, test.entry, &decoded)
		})
	}
}

func TestDecodeBalanceEntryInvalid(t *testing.T) {
	e, err := NewEncoder(nil, NewBufferPool(), true)
	assert.NoError(t, err)

	var decoded types.BalanceEntry
	assert.Error(t, e.DecodeBalanceEntry([]byte("100"), &decoded, false))
	assert.Error(t, e.DecodeBalanceEntry([]byte("abc5"), &decoded, false))
	assert.Error(t, e.DecodeBalanceEntry([]byte("100five"), &decoded, false))
}

func BenchmarkBalanceEntryStandard(b *testing.B) {
	e, _ := NewEncoder(nil, NewBufferPool(), true)
	entry := &types.BalanceEntry{
		Amount:    "123456789012345678901234567890",
		LastBlock: 14000000,
	}

	for i := 0; i < b.N; i++ {
		// encode
		compressedResult, _ := e.Encode("", entry)

		// decode
		var decoded types.BalanceEntry
		_ = e.Decode("", compressedResult, &decoded, true)
	}
}

func BenchmarkBalanceEntryOptimized(b *testing.B) {
	e, _ := NewEncoder(nil, NewBufferPool(), true)
	entry := &types.BalanceEntry{
		Amount:    "123456789012345678901234567890",
		LastBlock: 14000000,
	}

	for i := 0; i < b.N; i++ {
		// encode
		manualResult, _ := e.EncodeBalanceEntry(entry)

		// decode
		var decoded types.BalanceEntry
		_ = e.DecodeBalanceEntry(manualResult, &decoded, true)
	}
}

func TestEncodeDecodeRaw(t *testing.T) {
	e, err := NewEncoder(nil, NewBufferPool(), true)
	assert.NoError(t, err)

	input := []byte(fmt.Sprintf("some repeated input %d some repeated input", 1))
	compressed, err := e.EncodeRaw("", input)
	assert.NoError(t, err)

	decompressed, err := e.DecodeRaw("", compressed)
	assert.NoError(t, err)
	assert.Equal(t, input, decompressed)
}
