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

package errors

import (
	"errors"
)

// Badger Storage Errors
var (
	ErrDatabaseOpenFailed        = errors.New("unable to open database")
	ErrDBCloseFailed             = errors.New("unable to close database")
	ErrCommitFailed              = errors.New("unable to commit transaction")
	ErrScanGetValueFailed        = errors.New("unable to get value for key")
	ErrScanWorkerFailed          = errors.New("worker failed")
	ErrScanFailed                = errors.New("unable to scan")
	ErrMaxEntries                = errors.New("max entries reached")
	ErrNoEntriesFoundInNamespace = errors.New("found 0 entries for namespace")

	BadgerStorageErrs = []error{
		ErrDatabaseOpenFailed,
		ErrDBCloseFailed,
		ErrCommitFailed,
		ErrScanGetValueFailed,
		ErrScanWorkerFailed,
		ErrScanFailed,
		ErrMaxEntries,
		ErrNoEntriesFoundInNamespace,
	}
)

// Encoder Errors
var (
	ErrObjectEncodeFailed  = errors.New("unable to encode object")
	ErrObjectDecodeFailed  = errors.New("unable to decode object")
	ErrRawCompressFailed   = errors.New("unable to compress raw bytes")
	ErrRawDecompressFailed = errors.New("unable to decompress raw bytes")
	ErrBufferWriteFailed   = errors.New("unable to write to buffer")
	ErrWriterCloseFailed   = errors.New("unable to close writer")
	ErrReaderCloseFailed   = errors.New("unable to close reader")

	EncoderErrs = []error{
		ErrObjectEncodeFailed,
		ErrObjectDecodeFailed,
		ErrRawCompressFailed,
		ErrRawDecompressFailed,
		ErrBufferWriteFailed,
		ErrWriterCloseFailed,
		ErrReaderCloseFailed,
	}
)

// Balance Cache Errors
var (
	// ErrUnsupportedTokenType is returned when a delta denominated in
	// anything other than the cache's configured token reaches an apply
	// path. It signals a data-contract violation upstream and is never
	// handled gracefully.
	ErrUnsupportedTokenType = errors.New("unsupported token type")

	// ErrNegativeBalance is returned when applying a delta would drive
	// an account balance below zero.
	ErrNegativeBalance = errors.New("negative balance")

	// ErrBalanceCacheDiverged is returned when the disk tier's flushed
	// watermark disagrees with the store at initialise time. This is an
	// earlier partial-commit bug surfacing; it is never repaired by
	// guessing.
	ErrBalanceCacheDiverged = errors.New("balance cache diverged from store")

	ErrInvalidEntryValue   = errors.New("invalid entry value")
	ErrBalanceEncodeFailed = errors.New("unable to encode balance entry")
	ErrBalanceDecodeFailed = errors.New("unable to decode balance entry")
	ErrBalanceWarmupFailed = errors.New("unable to warm balance cache")
	ErrBalanceReplayFailed = errors.New("unable to replay balance history")
	ErrBalanceFlushFailed  = errors.New("unable to flush balance cache")
	ErrBalanceUpsertFailed = errors.New("unable to upsert balances")

	BalanceCacheErrs = []error{
		ErrUnsupportedTokenType,
		ErrNegativeBalance,
		ErrBalanceCacheDiverged,
		ErrInvalidEntryValue,
		ErrBalanceEncodeFailed,
		ErrBalanceDecodeFailed,
		ErrBalanceWarmupFailed,
		ErrBalanceReplayFailed,
		ErrBalanceFlushFailed,
		ErrBalanceUpsertFailed,
	}
)

// Count Cache Errors
var (
	// ErrCountCacheDiverged is the count cache's analogue of
	// ErrBalanceCacheDiverged.
	ErrCountCacheDiverged = errors.New("count cache diverged from store")

	ErrCountEncodeFailed = errors.New("unable to encode count entry")
	ErrCountDecodeFailed = errors.New("unable to decode count entry")
	ErrCountFlushFailed  = errors.New("unable to flush count cache")
	ErrCountUpsertFailed = errors.New("unable to upsert counts")

	CountCacheErrs = []error{
		ErrCountCacheDiverged,
		ErrCountEncodeFailed,
		ErrCountDecodeFailed,
		ErrCountFlushFailed,
		ErrCountUpsertFailed,
	}
)

// FindError returns true if the provided error matches (via errors.Is)
// any error in the provided slice.
func FindError(errs []error, err error) bool {
	for _, e := range errs {
		if errors.Is(err, e) {
			return true
		}
	}

	return false
}

// Err takes an error as an argument and returns
// whether or not the error is one thrown by the storage
// along with the specific source of the error
func Err(err error) (bool, string) {
	storageErrs := map[string][]error{
		"balance cache error":  BalanceCacheErrs,
		"count cache error":    CountCacheErrs,
		"badger storage error": BadgerStorageErrs,
		"encoder error":        EncoderErrs,
	}

	for key, val := range storageErrs {
		if FindError(val, err) {
			return true, key
		}
	}
	return false, ""
}
