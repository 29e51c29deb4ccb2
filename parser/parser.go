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
	"errors"
	"time"

	"github.com/coinbase/chainledger/types"
)

var (
	// ErrUnsupportedTraceKind is returned when a trace's kind (or a
	// reward trace's reward kind) is not a member of the closed set.
	// It signals a data-contract violation upstream and is never
	// handled gracefully.
	ErrUnsupportedTraceKind = errors.New("unsupported trace kind")
)

// Parser derives balance deltas from block records: the genesis
// allocations, protocol-scheduled hard-fork adjustments, and the value
// movements recorded in execution traces.
type Parser struct {
	genesis *types.Genesis
	token   types.TokenType

	// forks indexes hard forks by the block they activate at,
	// preserving schedule order within a block.
	forks map[int64][]*types.HardFork

	// now supplies the wall-clock fallback for premine timestamps when
	// the genesis definition omits one.
	now func() time.Time
}

// Option configures a Parser.
type Option func(*Parser)

// WithClock overrides the wall-clock source. Tests use this to pin the
// premine timestamp fallback.
func WithClock(now func() time.Time) Option {
	return func(p *Parser) {
		p.now = now
	}
}

// New creates a new Parser denominating every delta in token.
func New(
	genesis *types.Genesis,
	forks []*types.HardFork,
	token types.TokenType,
	opts ...Option,
) *Parser {
	indexed := map[int64][]*types.HardFork{}
	for _, fork := range forks {
		indexed[fork.Block] = append(indexed[fork.Block], fork)
	}

	p := &Parser{
		genesis: genesis,
		token:   token,
		forks:   indexed,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}

	return p
}
