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

	"github.com/ethereum/go-ethereum/common"
)

// DeltaType identifies the cause of a single balance change. The set is
// closed: callers dispatch with an exhaustive switch and treat any other
// value as a data-contract violation.
type DeltaType string

const (
	// PremineBalance is a genesis allocation predating any transaction.
	PremineBalance DeltaType = "PREMINE_BALANCE"

	// HardForkAdjustment is a protocol-mandated balance adjustment applied
	// at a specific block height, independent of any transaction.
	HardForkAdjustment DeltaType = "HARD_FORK"

	// Transaction is a value movement performed by a top-level call.
	Transaction DeltaType = "TRANSACTION"

	// InternalTransaction is a value movement performed by a sub-call
	// (non-empty trace address).
	InternalTransaction DeltaType = "INTERNAL_TRANSACTION"

	// TransactionFee is the fee leg of a transaction: a debit for the
	// payer and a credit for the miner.
	TransactionFee DeltaType = "TRANSACTION_FEE"

	// BlockReward is the consensus reward credited to a block's miner.
	BlockReward DeltaType = "BLOCK_REWARD"

	// UncleReward is the consensus reward credited to an uncle miner.
	UncleReward DeltaType = "UNCLE_REWARD"

	// ContractCreation is the endowment transferred to a newly created
	// contract.
	ContractCreation DeltaType = "CONTRACT_CREATION"

	// SelfDestruct is the sweep of a destructed contract's remaining
	// balance to its refund address.
	SelfDestruct DeltaType = "SELF_DESTRUCT"
)

// DeltaTypes enumerates every valid DeltaType.
var DeltaTypes = []DeltaType{
	PremineBalance,
	HardForkAdjustment,
	Transaction,
	InternalTransaction,
	TransactionFee,
	BlockReward,
	UncleReward,
	ContractCreation,
	SelfDestruct,
}

// Valid returns an error if t is not a member of DeltaTypes.
func (t DeltaType) Valid() error {
	switch t {
	case PremineBalance, HardForkAdjustment, Transaction,
		InternalTransaction, TransactionFee, BlockReward,
		UncleReward, ContractCreation, SelfDestruct:
		return nil
	default:
		return fmt.Errorf("delta type %s is invalid", string(t))
	}
}

// TokenType identifies the asset class a delta is denominated in. The
// ledger only accounts for the chain's native currency; the other
// variants exist so that a misrouted delta fails loudly instead of being
// folded into the wrong ledger.
type TokenType string

const (
	// NativeToken is the chain's native currency.
	NativeToken TokenType = "NATIVE"

	// ERC20Token is a fungible contract token.
	ERC20Token TokenType = "ERC20"

	// ERC721Token is a non-fungible contract token.
	ERC721Token TokenType = "ERC721"
)

// Valid returns an error if t is not a known token type.
func (t TokenType) Valid() error {
	switch t {
	case NativeToken, ERC20Token, ERC721Token:
		return nil
	default:
		return fmt.Errorf("token type %s is invalid", string(t))
	}
}

// Delta is one atomic balance change tied to a block and an address.
// Deltas are immutable once created: the caches fold them into running
// balances but never mutate them.
type Delta struct {
	// Address is the balance owner affected by this change.
	Address common.Address `json:"address"`

	// CounterpartAddress is the other side of a transfer-like change.
	// It is nil for mint-like causes (premine, hard fork, reward).
	CounterpartAddress *common.Address `json:"counterpart_address,omitempty"`

	BlockNumber int64       `json:"block_number"`
	BlockHash   common.Hash `json:"block_hash"`

	Type      DeltaType `json:"type"`
	TokenType TokenType `json:"token_type"`

	// Amount is a non-negative arbitrary-precision integer encoded as a
	// decimal string. Direction comes from IsReceiving, never from sign.
	Amount string `json:"amount"`

	// IsReceiving is true when Amount increases Address's balance.
	IsReceiving bool `json:"is_receiving"`

	// Timestamp is the unix time (seconds) of the owning block.
	Timestamp int64 `json:"timestamp"`
}

// SignedAmount returns Amount with the sign implied by IsReceiving.
func (d *Delta) SignedAmount() (string, error) {
	v, err := BigInt(d.Amount)
	if err != nil {
		return "", fmt.Errorf("unable to parse amount of %s delta for %s: %w", d.Type, d.Address.Hex(), err)
	}

	if v.Sign() < 0 {
		return "", fmt.Errorf("%s delta for %s has negative amount %s", d.Type, d.Address.Hex(), d.Amount)
	}

	if d.IsReceiving {
		return v.String(), nil
	}

	return v.Neg(v).String(), nil
}

// BlockIdentifier uniquely identifies a block by height and hash.
type BlockIdentifier struct {
	Index int64       `json:"index"`
	Hash  common.Hash `json:"hash"`
}

// String returns a human-readable representation of b.
func (b *BlockIdentifier) String() string {
	return fmt.Sprintf("%d:%s", b.Index, b.Hash.Hex())
}

// BalanceEntry is one address's running balance as maintained by the
// fungible balance cache and persisted to the balance table.
type BalanceEntry struct {
	Address common.Address `json:"address"`

	// Amount is the signed running balance as a decimal string.
	Amount string `json:"amount"`

	// LastBlock is the highest block whose deltas are folded into Amount.
	LastBlock int64 `json:"last_block"`
}

// CountEntry is the number of delta-producing events attributed to one
// address within one block. Counts are kept per address per block so a
// rewind can drop exactly the blocks that were orphaned.
type CountEntry struct {
	Address     common.Address `json:"address"`
	BlockNumber int64          `json:"block_number"`
	Count       int64          `json:"count"`
}
