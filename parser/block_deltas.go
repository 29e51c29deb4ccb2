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

package parser

import (
	"context"
	"fmt"

	storageErrs "github.com/coinbase/chainledger/storage/errors"
	"github.com/coinbase/chainledger/types"
)

// skipTrace returns a boolean indicating whether a trace should be
// processed. A trace is not processed when it moved no value: its
// subtree failed, its amount is zero, or its call kind never carries
// value. Fee traces are never skipped; upstream emits them even for
// failed transactions because the fee is paid regardless.
func (p *Parser) skipTrace(trace *types.Trace) (bool, error) {
	if trace.Kind == types.FeeTrace {
		return false, nil
	}

	if trace.Failed() {
		return true, nil
	}

	switch trace.Kind {
	case types.CallTrace:
		if trace.CallKind != types.CallKindCall && trace.CallKind != types.CallKindCallCode {
			return true, nil
		}
		return p.zeroValue(trace)
	case types.CreateTrace:
		// A creation that never got an address assigned moved nothing.
		if trace.To == nil {
			return true, nil
		}
		return p.zeroValue(trace)
	}

	// Self-destructs sweep whatever balance remains, zero included;
	// the destruction itself is activity worth counting.
	return false, nil
}

func (p *Parser) zeroValue(trace *types.Trace) (bool, error) {
	value, err := types.BigInt(trace.Value)
	if err != nil {
		return false, fmt.Errorf("unable to parse value of trace %d: %w", trace.Index, err)
	}

	return value.Sign() == 0, nil
}

// BlockDeltas derives every balance delta a block implies, concatenated
// in a stable order: genesis allocations (block 0 only), hard-fork
// adjustments scheduled for exactly this block, then trace movements in
// emission order. Emission order is significant for per-block activity
// counts; the balance fold is order-independent.
func (p *Parser) BlockDeltas(
	ctx context.Context,
	record *types.BlockRecord,
) ([]*types.Delta, error) {
	if p.token != types.NativeToken {
		return nil, fmt.Errorf(
			"parser configured for %s: %w",
			p.token,
			storageErrs.ErrUnsupportedTokenType,
		)
	}

	deltas := []*types.Delta{}
	if record.Block.Index == 0 {
		deltas = append(deltas, p.premineDeltas(record)...)
	}

	for _, fork := range p.forks[record.Block.Index] {
		deltas = append(deltas, p.forkDeltas(record, fork)...)
	}

	for _, trace := range record.Traces {
		skip, err := p.skipTrace(trace)
		if err != nil {
			return nil, fmt.Errorf(
				"unable to check trace %d of block %d: %w",
				trace.Index,
				record.Block.Index,
				err,
			)
		}
		if skip {
			continue
		}

		traceDeltas, err := p.traceDeltas(record, trace)
		if err != nil {
			return nil, err
		}

		deltas = append(deltas, traceDeltas...)
	}

	return deltas, nil
}

func (p *Parser) premineDeltas(record *types.BlockRecord) []*types.Delta {
	if p.genesis == nil {
		return nil
	}

	// One capture for the whole batch when the chain definition omits a
	// genesis timestamp. This is the generator's only non-reproducible
	// path.
	timestamp := p.genesis.Timestamp
	if timestamp == 0 {
		timestamp = p.now().Unix()
	}

	deltas := make([]*types.Delta, 0, len(p.genesis.Allocations))
	for _, allocation := range p.genesis.Allocations {
		deltas = append(deltas, &types.Delta{
			Address:     allocation.Address,
			BlockNumber: record.Block.Index,
			BlockHash:   record.Block.Hash,
			Type:        types.PremineBalance,
			TokenType:   p.token,
			Amount:      allocation.Amount,
			IsReceiving: true,
			Timestamp:   timestamp,
		})
	}

	return deltas
}

func (p *Parser) forkDeltas(record *types.BlockRecord, fork *types.HardFork) []*types.Delta {
	deltas := make([]*types.Delta, 0, len(fork.Adjustments))
	for _, adjustment := range fork.Adjustments {
		deltas = append(deltas, &types.Delta{
			Address:     adjustment.Address,
			BlockNumber: record.Block.Index,
			BlockHash:   record.Block.Hash,
			Type:        types.HardForkAdjustment,
			TokenType:   p.token,
			Amount:      adjustment.Amount,
			IsReceiving: adjustment.IsReceiving,
			Timestamp:   record.Timestamp,
		})
	}

	return deltas
}

func (p *Parser) traceDeltas(
	record *types.BlockRecord,
	trace *types.Trace,
) ([]*types.Delta, error) {
	switch trace.Kind {
	case types.CallTrace:
		deltaType := types.Transaction
		if trace.Subcall() {
			deltaType = types.InternalTransaction
		}
		return p.transferDeltas(record, trace, deltaType)
	case types.CreateTrace:
		return p.transferDeltas(record, trace, types.ContractCreation)
	case types.SelfDestructTrace:
		return p.transferDeltas(record, trace, types.SelfDestruct)
	case types.FeeTrace:
		return p.transferDeltas(record, trace, types.TransactionFee)
	case types.RewardTrace:
		return p.rewardDeltas(record, trace)
	default:
		return nil, fmt.Errorf(
			"trace %d of block %d has kind %q: %w",
			trace.Index,
			record.Block.Index,
			trace.Kind,
			ErrUnsupportedTraceKind,
		)
	}
}

// transferDeltas emits the two sides of a value movement: a debit for
// the sender and a credit for the recipient, each carrying the other as
// counterpart.
func (p *Parser) transferDeltas(
	record *types.BlockRecord,
	trace *types.Trace,
	deltaType types.DeltaType,
) ([]*types.Delta, error) {
	if trace.To == nil {
		return nil, fmt.Errorf(
			"trace %d of block %d has no recipient",
			trace.Index,
			record.Block.Index,
		)
	}

	from := trace.From
	to := *trace.To

	debit := &types.Delta{
		Address:            from,
		CounterpartAddress: &to,
		BlockNumber:        record.Block.Index,
		BlockHash:          record.Block.Hash,
		Type:               deltaType,
		TokenType:          p.token,
		Amount:             trace.Value,
		IsReceiving:        false,
		Timestamp:          record.Timestamp,
	}
	credit := &types.Delta{
		Address:            to,
		CounterpartAddress: &from,
		BlockNumber:        record.Block.Index,
		BlockHash:          record.Block.Hash,
		Type:               deltaType,
		TokenType:          p.token,
		Amount:             trace.Value,
		IsReceiving:        true,
		Timestamp:          record.Timestamp,
	}

	return []*types.Delta{debit, credit}, nil
}

// rewardDeltas emits the single credit a consensus reward implies.
func (p *Parser) rewardDeltas(
	record *types.BlockRecord,
	trace *types.Trace,
) ([]*types.Delta, error) {
	var deltaType types.DeltaType
	switch trace.RewardKind {
	case types.RewardKindBlock:
		deltaType = types.BlockReward
	case types.RewardKindUncle:
		deltaType = types.UncleReward
	default:
		return nil, fmt.Errorf(
			"trace %d of block %d has reward kind %q: %w",
			trace.Index,
			record.Block.Index,
			trace.RewardKind,
			ErrUnsupportedTraceKind,
		)
	}

	if trace.To == nil {
		return nil, fmt.Errorf(
			"trace %d of block %d has no beneficiary",
			trace.Index,
			record.Block.Index,
		)
	}

	return []*types.Delta{{
		Address:     *trace.To,
		BlockNumber: record.Block.Index,
		BlockHash:   record.Block.Hash,
		Type:        deltaType,
		TokenType:   p.token,
		Amount:      trace.Value,
		IsReceiving: true,
		Timestamp:   record.Timestamp,
	}}, nil
}
