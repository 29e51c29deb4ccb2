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

package modules

import (
	"context"
	"fmt"
	"math/big"
	"strconv"

	"github.com/coinbase/chainledger/storage/database"
)

const (
	// headEntry names the meta key holding a cache tier's flushed
	// watermark: the highest block whose deltas are folded into the
	// entries on disk.
	headEntry = "head"

	// maxEntriesPerCommit is the maximum number of writes batched into
	// a single badger commit during bulk operations (warmup, namespace
	// drops). Keeping commits bounded avoids rejected oversized
	// transactions.
	maxEntriesPerCommit = 5000
)

func getHeadKey(metaNamespace string) []byte {
	return []byte(fmt.Sprintf("%s/%s", metaNamespace, headEntry))
}

// readHead fetches a tier watermark. The bool return indicates whether
// the watermark exists (an absent watermark means the tier is empty).
func readHead(
	ctx context.Context,
	dbTx database.Transaction,
	metaNamespace string,
) (bool, int64, error) {
	exists, val, err := dbTx.Get(ctx, getHeadKey(metaNamespace))
	if err != nil {
		return false, 0, fmt.Errorf("unable to get %s head: %w", metaNamespace, err)
	}

	if !exists {
		return false, 0, nil
	}

	head, err := strconv.ParseInt(string(val), 10, 64)
	if err != nil {
		return false, 0, fmt.Errorf("unable to parse %s head: %w", metaNamespace, err)
	}

	return true, head, nil
}

// writeHead sets a tier watermark. Watermarks can be negative (-1 means
// "initialised but nothing synced"), so they are stored as decimal
// strings rather than big.Int bytes.
func writeHead(
	ctx context.Context,
	dbTx database.Transaction,
	metaNamespace string,
	head int64,
) error {
	return dbTx.Set(ctx, getHeadKey(metaNamespace), []byte(strconv.FormatInt(head, 10)), false)
}

// BigIntGet attempts to fetch a *big.Int
// from a given key in a database.Transaction.
func BigIntGet(
	ctx context.Context,
	key []byte,
	txn database.Transaction,
) (bool, *big.Int, error) {
	exists, val, err := txn.Get(ctx, key)
	if err != nil {
		return false, nil, fmt.Errorf("unable to get the value for key %s: %w", string(key), err)
	}

	if !exists {
		return false, big.NewInt(0), nil
	}

	return true, new(big.Int).SetBytes(val), nil
}

// dropNamespaces deletes every key under the provided namespaces. Keys
// are collected in a read pass first and then deleted in bounded
// batches so no single commit grows past what badger will accept.
func dropNamespaces(
	ctx context.Context,
	db database.Database,
	identifier string,
	namespaces ...string,
) error {
	foundKeys := [][]byte{}
	readTx := db.ReadTransaction(ctx)
	for _, namespace := range namespaces {
		_, err := readTx.Scan(
			ctx,
			[]byte(namespace+"/"),
			[]byte(namespace+"/"),
			func(k []byte, v []byte) error {
				thisK := make([]byte, len(k))
				copy(thisK, k)
				foundKeys = append(foundKeys, thisK)
				return nil
			},
			false,
			false,
		)
		if err != nil {
			readTx.Discard(ctx)
			return fmt.Errorf("unable to scan namespace %s: %w", namespace, err)
		}
	}
	readTx.Discard(ctx)

	for start := 0; start < len(foundKeys); start += maxEntriesPerCommit {
		end := start + maxEntriesPerCommit
		if end > len(foundKeys) {
			end = len(foundKeys)
		}

		dbTx := db.WriteTransaction(ctx, identifier, false)
		for _, k := range foundKeys[start:end] {
			if err := dbTx.Delete(ctx, k); err != nil {
				dbTx.Discard(ctx)
				return fmt.Errorf("unable to delete key %s: %w", string(k), err)
			}
		}
		if err := dbTx.Commit(ctx); err != nil {
			return fmt.Errorf("unable to commit namespace deletion: %w", err)
		}
	}

	return nil
}
