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
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ZeroValue is the canonical encoding of an empty balance.
const ZeroValue = "0"

// LowerHex returns the canonical lowercase hex form of an address.
// Cache keys and store rows must agree on a single representation;
// the EIP-55 checksummed form from common.Address.Hex is display-only.
func LowerHex(address common.Address) string {
	return strings.ToLower(address.Hex())
}

// BigInt returns a *big.Int representation of a decimal string value.
func BigInt(value string) (*big.Int, error) {
	parsedVal, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, fmt.Errorf("%s is not an integer", value)
	}

	return parsedVal, nil
}

// AddValues adds string amounts using
// big.Int.
func AddValues(
	a string,
	b string,
) (string, error) {
	aVal, ok := new(big.Int).SetString(a, 10)
	if !ok {
		return "", fmt.Errorf("%s is not an integer", a)
	}

	bVal, ok := new(big.Int).SetString(b, 10)
	if !ok {
		return "", fmt.Errorf("%s is not an integer", b)
	}

	newVal := new(big.Int).Add(aVal, bVal)
	return newVal.String(), nil
}

// SubtractValues subtracts a-b using
// big.Int.
func SubtractValues(
	a string,
	b string,
) (string, error) {
	aVal, ok := new(big.Int).SetString(a, 10)
	if !ok {
		return "", fmt.Errorf("%s is not an integer", a)
	}

	bVal, ok := new(big.Int).SetString(b, 10)
	if !ok {
		return "", fmt.Errorf("%s is not an integer", b)
	}

	newVal := new(big.Int).Sub(aVal, bVal)
	return newVal.String(), nil
}
