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
	"github.com/ethereum/go-ethereum/common"
)

// TraceKind identifies the low-level execution event a trace records.
type TraceKind string

const (
	// CallTrace is a message call. Value moves only for the "call" and
	// "callcode" call kinds.
	CallTrace TraceKind = "CALL"

	// CreateTrace is a contract creation carrying an endowment.
	CreateTrace TraceKind = "CREATE"

	// SelfDestructTrace sweeps a destructed contract's balance to its
	// refund address.
	SelfDestructTrace TraceKind = "SELF_DESTRUCT"

	// RewardTrace credits a consensus reward to a miner or uncle miner.
	RewardTrace TraceKind = "REWARD"

	// FeeTrace moves a transaction fee from its payer to the miner.
	// Upstream emits fee traces even for failed transactions.
	FeeTrace TraceKind = "FEE"
)

// Call kinds observed on CallTrace entries.
const (
	CallKindCall         = "call"
	CallKindCallCode     = "callcode"
	CallKindDelegateCall = "delegatecall"
	CallKindStaticCall   = "staticcall"
)

// Reward kinds observed on RewardTrace entries.
const (
	RewardKindBlock = "block"
	RewardKindUncle = "uncle"
)

// Trace is one recorded execution event produced while replaying a
// block's transactions. Traces arrive in emission order and are
// persisted one row per entry.
type Trace struct {
	BlockNumber int64       `json:"block_number"`
	BlockHash   common.Hash `json:"block_hash"`

	// TransactionHash is nil for block-level traces (rewards).
	TransactionHash  *common.Hash `json:"transaction_hash,omitempty"`
	TransactionIndex *int64       `json:"transaction_index,omitempty"`

	// Index is the trace's position within the block's emission order.
	Index int64 `json:"index"`

	Kind TraceKind `json:"kind"`

	// CallKind is set for CallTrace entries only.
	CallKind string `json:"call_kind,omitempty"`

	// RewardKind is set for RewardTrace entries only.
	RewardKind string `json:"reward_kind,omitempty"`

	// TraceAddress is the call path from the transaction root; empty
	// means a top-level action.
	TraceAddress []int64 `json:"trace_address,omitempty"`

	From common.Address `json:"from"`

	// To is nil only when a creation failed before an address was
	// assigned.
	To *common.Address `json:"to,omitempty"`

	// Value is the amount moved, as a non-negative decimal string.
	Value string `json:"value"`

	// Error is non-empty when the traced subtree failed; failed traces
	// move no value.
	Error string `json:"error,omitempty"`
}

// Subcall returns true when the trace was emitted below the transaction
// root.
func (t *Trace) Subcall() bool {
	return len(t.TraceAddress) > 0
}

// Failed returns true when the traced subtree reverted.
func (t *Trace) Failed() bool {
	return len(t.Error) > 0
}

// BlockRecord is the inbound unit of work: one canonical block with the
// traces recorded while executing it. Records are keyed on the wire by
// (Block.Index, Block.Hash); out-of-order or malformed keys are the
// harness's concern.
type BlockRecord struct {
	Block      BlockIdentifier `json:"block"`
	ParentHash common.Hash     `json:"parent_hash"`

	// Timestamp is the unix time (seconds) the block was mined.
	Timestamp int64 `json:"timestamp"`

	Traces []*Trace `json:"traces"`
}

// BalanceAdjustment is one protocol-mandated balance change scheduled by
// a hard fork.
type BalanceAdjustment struct {
	Address common.Address `json:"address"`

	// Amount is a non-negative decimal string; direction comes from
	// IsReceiving.
	Amount      string `json:"amount"`
	IsReceiving bool   `json:"is_receiving"`
}

// HardFork is a protocol upgrade that adjusts balances at exactly one
// block height (an irregular state change, in upstream terms).
type HardFork struct {
	Name        string               `json:"name"`
	Block       int64                `json:"block"`
	Adjustments []*BalanceAdjustment `json:"adjustments"`
}

// GenesisAllocation is one premine entry: an address funded before any
// transaction existed.
type GenesisAllocation struct {
	Address common.Address `json:"address"`
	Amount  string         `json:"amount"`
}

// Genesis is the chain's initial allocation state.
type Genesis struct {
	// Timestamp is the unix time (seconds) of the genesis block; zero
	// when the chain definition omits one.
	Timestamp int64 `json:"timestamp"`

	Allocations []*GenesisAllocation `json:"allocations"`
}
