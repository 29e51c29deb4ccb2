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
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
)

func TestDeltaTypeValid(t *testing.T) {
	for _, deltaType := range DeltaTypes {
		assert.NoError(t, deltaType.Valid())
	}

	assert.Error(t, DeltaType("TOKEN_TRANSFER").Valid())
	assert.Error(t, DeltaType("").Valid())
}

func TestTokenTypeValid(t *testing.T) {
	assert.NoError(t, NativeToken.Valid())
	assert.NoError(t, ERC20Token.Valid())
	assert.NoError(t, ERC721Token.Valid())
	assert.Error(t, TokenType("ERC1155").Valid())
}

func TestSignedAmount(t *testing.T) {
	addr := common.HexToAddress("0x01")

	tests := map[string]struct {
		delta *Delta

		result string
		err    bool
	}{
		"credit": {
			delta: &Delta{
				Address:     addr,
				Type:        Transaction,
				TokenType:   NativeToken,
				Amount:      "100",
				IsReceiving: true,
			},
			result: "100",
		},
		"debit": {
			delta: &Delta{
				Address:     addr,
				Type:        Transaction,
				TokenType:   NativeToken,
				Amount:      "100",
				IsReceiving: false,
			},
			result: "-100",
		},
		"zero debit": {
			delta: &Delta{
				Address:     addr,
				Type:        TransactionFee,
				TokenType:   NativeToken,
				Amount:      "0",
				IsReceiving: false,
			},
			result: "0",
		},
		"negative amount rejected": {
			delta: &Delta{
				Address:     addr,
				Type:        Transaction,
				TokenType:   NativeToken,
				Amount:      "-5",
				IsReceiving: true,
			},
			err: true,
		},
		"malformed amount rejected": {
			delta: &Delta{
				Address:     addr,
				Type:        Transaction,
				TokenType:   NativeToken,
				Amount:      "ten",
				IsReceiving: true,
			},
			err: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			result, err := test.delta.SignedAmount()
			if test.err {
				assert.Error(t, err)
				return
			}

			assert.NoError(t, err)
			assert.Equal(t, test.result, result)
		})
	}
}
