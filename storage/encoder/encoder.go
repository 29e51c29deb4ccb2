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
	"bytes"
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"strconv"

	"github.com/DataDog/zstd"
	msgpack "github.com/vmihailenco/msgpack/v5"

	"github.com/coinbase/chainledger/storage/errors"
	"github.com/coinbase/chainledger/types"
)

const (
	jsonTag = "json"
)

// Encoder handles the encoding/decoding of structs and the
// compression/decompression of data using zstd. Optionally,
// the caller can provide a map of dicts on initialization that
// can be used by zstd. You can read more about these "dicts" here:
// https://github.com/facebook/zstd#the-case-for-small-data-compression.
//
// NOTE: If you change these dicts, you will not be able
// to decode previously encoded data. For many users, providing
// no dicts is sufficient!
type Encoder struct {
	compressionDicts map[string][]byte
	pool             *BufferPool
	compress         bool
}

// CompressorEntry is used to initialize a dictionary compression.
// All DictionaryPaths are loaded from disk at initialization.
type CompressorEntry struct {
	Namespace      string
	DictionaryPath string
}

// NewEncoder returns a new *Encoder. The dicts
// provided should contain k:v of namespace:zstd dict.
func NewEncoder(
	entries []*CompressorEntry,
	pool *BufferPool,
	compress bool,
) (*Encoder, error) {
	dicts := map[string][]byte{}
	for _, entry := range entries {
		b, err := os.ReadFile(path.Clean(entry.DictionaryPath))
		if err != nil {
			return nil, fmt.Errorf(
				"unable to load dictionary %s: %w",
				entry.DictionaryPath,
				err,
			)
		}

		log.Printf("loaded zstd dictionary for %s\n", entry.Namespace)
		dicts[entry.Namespace] = b
	}

	return &Encoder{
		compressionDicts: dicts,
		pool:             pool,
		compress:         compress,
	}, nil
}

func getEncoder(w io.Writer) *msgpack.Encoder {
	enc := msgpack.NewEncoder(w)
	enc.SetCustomStructTag(jsonTag)

	return enc
}

// Encode attempts to compress the object and will use a dict if
// one exists for the namespace.
func (e *Encoder) Encode(namespace string, object interface{}) ([]byte, error) {
	buf := e.pool.Get()
	err := getEncoder(buf).Encode(object)
	if err != nil {
		return nil, fmt.Errorf("unable to encode object: %w", err)
	}

	if !e.compress {
		return buf.Bytes(), nil
	}

	output, err := e.EncodeRaw(namespace, buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("unable to compress raw bytes: %w", err)
	}

	e.pool.Put(buf)
	return output, nil
}

// EncodeRaw only compresses an input, leaving encoding to the caller.
// This is particularly useful for training a compressor.
func (e *Encoder) EncodeRaw(namespace string, input []byte) ([]byte, error) {
	return e.encode(input, e.compressionDicts[namespace])
}

func getDecoder(r io.Reader) *msgpack.Decoder {
	dec := msgpack.NewDecoder(r)
	dec.SetCustomStructTag(jsonTag)

	return dec
}

// Decode attempts to decompress the object and will use a dict if
// one exists for the namespace.
func (e *Encoder) Decode(
	namespace string,
	input []byte,
	object interface{},
	reclaimInput bool,
) error {
	if e.compress {
		decompressed, err := e.DecodeRaw(namespace, input)
		if err != nil {
			return fmt.Errorf("unable to decompress raw bytes: %w", err)
		}

		if err := getDecoder(bytes.NewReader(decompressed)).Decode(&object); err != nil {
			return fmt.Errorf("unable to decode object: %w", err)
		}

		e.pool.PutByteSlice(decompressed)
	} else { // nolint:gocritic
		if err := getDecoder(bytes.NewReader(input)).Decode(&object); err != nil {
			return fmt.Errorf("unable to decode object: %w", err)
		}
	}

	if reclaimInput {
		e.pool.PutByteSlice(input)
	}

	return nil
}

// DecodeRaw only decompresses an input, leaving decoding to the caller.
// This is particularly useful for training a compressor.
func (e *Encoder) DecodeRaw(namespace string, input []byte) ([]byte, error) {
	return e.decode(input, e.compressionDicts[namespace])
}

func (e *Encoder) encode(input []byte, zstdDict []byte) ([]byte, error) {
	buf := e.pool.Get()
	var writer io.WriteCloser
	if len(zstdDict) > 0 {
		writer = zstd.NewWriterLevelDict(buf, zstd.DefaultCompression, zstdDict)
	} else {
		writer = zstd.NewWriter(buf)
	}
	if _, err := writer.Write(input); err != nil {
		return nil, fmt.Errorf("unable to write to buffer: %w", err)
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("unable to close writer: %w", err)
	}

	return buf.Bytes(), nil
}

func (e *Encoder) decode(b []byte, zstdDict []byte) ([]byte, error) {
	buf := e.pool.Get()
	var reader io.ReadCloser
	if len(zstdDict) > 0 {
		reader = zstd.NewReaderDict(bytes.NewReader(b), zstdDict)
	} else {
		reader = zstd.NewReader(bytes.NewReader(b))
	}

	if _, err := buf.ReadFrom(reader); err != nil {
		return nil, fmt.Errorf("unable to decode object: %w", err)
	}

	if err := reader.Close(); err != nil {
		return nil, fmt.Errorf("unable to close reader: %w", err)
	}

	return buf.Bytes(), nil
}

const (
	unicodeRecordSeparator = ''
)

// EncodeBalanceEntry is used to encode a *types.BalanceEntry using the
// scheme:
// amount|lastBlock
//
// where the | character is represented by the unicodeRecordSeparator
// rune. The address is never stored in the value; it lives in the key.
// Balance entries are written on every applied delta, so avoiding
// msgpack framing on this path is worth the custom scheme.
func (e *Encoder) EncodeBalanceEntry(entry *types.BalanceEntry) ([]byte, error) {
	output := e.pool.Get()
	if _, err := output.WriteString(entry.Amount); err != nil {
		return nil, fmt.Errorf("unable to write balance entry amount to buffer: %w", err)
	}
	if _, err := output.WriteRune(unicodeRecordSeparator); err != nil {
		return nil, fmt.Errorf("unable to write unicode record separator to buffer: %w", err)
	}
	if _, err := output.WriteString(strconv.FormatInt(entry.LastBlock, 10)); err != nil {
		return nil, fmt.Errorf("unable to write balance entry last block to buffer: %w", err)
	}

	return output.Bytes(), nil
}

// DecodeBalanceEntry decodes a *types.BalanceEntry and optionally
// reclaims the memory associated with the input. The entry's address is
// left untouched for the caller to populate from the key.
func (e *Encoder) DecodeBalanceEntry(
	b []byte,
	entry *types.BalanceEntry,
	reclaimInput bool,
) error {
	sep := bytes.IndexRune(b, unicodeRecordSeparator)
	if sep == -1 {
		return fmt.Errorf("balance entry missing separator: %w", errors.ErrBalanceDecodeFailed)
	}

	amount := string(b[:sep])
	if _, err := types.BigInt(amount); err != nil {
		return fmt.Errorf("unable to parse balance entry amount: %w", err)
	}

	lastBlock, err := strconv.ParseInt(string(b[sep+1:]), 10, 64)
	if err != nil {
		return fmt.Errorf("unable to parse balance entry last block: %w", err)
	}

	entry.Amount = amount
	entry.LastBlock = lastBlock

	if reclaimInput {
		e.pool.PutByteSlice(b)
	}

	return nil
}
