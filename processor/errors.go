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

package processor

import "errors"

var (
	// ErrProcessorNotReady is returned when a lifecycle hook is invoked
	// in a state it is not legal in: before Initialise succeeded, while
	// another hook is still running, or after Close.
	ErrProcessorNotReady = errors.New("processor not ready")

	// ErrUnsupportedDeltaType is returned when the generator hands over
	// a delta whose cause is outside the supported set. Like an
	// unsupported token type it is a data-contract violation, never a
	// recoverable condition.
	ErrUnsupportedDeltaType = errors.New("unsupported delta type")
)
