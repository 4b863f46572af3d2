// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package eventstore

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// compression identifies how a stored blob is encoded. Values are
// persisted in the events and state_snapshots tables; changing them
// breaks existing databases.
type compression uint8

const (
	// compressionNone stores the blob as-is. Used when the chosen
	// algorithm does not make the blob smaller (small events).
	compressionNone compression = 0

	// compressionLZ4 is LZ4 block compression, used for event JSON.
	// Events are read on every auth check and resolution, so decode
	// speed matters more than ratio.
	compressionLZ4 compression = 1

	// compressionZstd is zstd at the default level, used for state
	// snapshots. Snapshots are long lists of similar identifiers and
	// compress several times over.
	compressionZstd compression = 2
)

func (c compression) String() string {
	switch c {
	case compressionNone:
		return "none"
	case compressionLZ4:
		return "lz4"
	case compressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", c)
	}
}

// compress encodes data with preferred, falling back to
// compressionNone when the output would not be smaller. The returned
// tag is the one actually applied.
func compress(data []byte, preferred compression) ([]byte, compression, error) {
	var (
		compressed []byte
		err        error
	)
	switch preferred {
	case compressionNone:
		return data, compressionNone, nil
	case compressionLZ4:
		compressed, err = compressLZ4(data)
	case compressionZstd:
		compressed, err = compressZstd(data)
	default:
		return nil, 0, fmt.Errorf("eventstore: unsupported compression %d", preferred)
	}
	if errors.Is(err, errIncompressible) {
		return data, compressionNone, nil
	}
	if err != nil {
		return nil, 0, err
	}
	return compressed, preferred, nil
}

// decompress reverses compress. rawSize must match the original length
// exactly.
func decompress(data []byte, tag compression, rawSize int) ([]byte, error) {
	switch tag {
	case compressionNone:
		if len(data) != rawSize {
			return nil, fmt.Errorf("eventstore: stored blob is %d bytes, expected %d", len(data), rawSize)
		}
		return data, nil
	case compressionLZ4:
		return decompressLZ4(data, rawSize)
	case compressionZstd:
		return decompressZstd(data, rawSize)
	default:
		return nil, fmt.Errorf("eventstore: unsupported compression %s", tag)
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	destination := make([]byte, lz4.CompressBlockBound(len(data)))
	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("eventstore: lz4 compress: %w", err)
	}
	// CompressBlock returns 0 for incompressible input.
	if written == 0 || written >= len(data) {
		return nil, errIncompressible
	}
	return destination[:written], nil
}

func decompressLZ4(compressed []byte, rawSize int) ([]byte, error) {
	destination := make([]byte, rawSize)
	read, err := lz4.UncompressBlock(compressed, destination)
	if err != nil {
		return nil, fmt.Errorf("eventstore: lz4 decompress: %w", err)
	}
	if read != rawSize {
		return nil, fmt.Errorf("eventstore: lz4 decompress: got %d bytes, expected %d", read, rawSize)
	}
	return destination, nil
}

// zstd.Encoder and zstd.Decoder are safe for concurrent use through
// EncodeAll and DecodeAll.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("eventstore: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("eventstore: zstd decoder initialization failed: " + err.Error())
	}
}

func compressZstd(data []byte) ([]byte, error) {
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return nil, errIncompressible
	}
	return compressed, nil
}

func decompressZstd(compressed []byte, rawSize int) ([]byte, error) {
	result, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, rawSize))
	if err != nil {
		return nil, fmt.Errorf("eventstore: zstd decompress: %w", err)
	}
	if len(result) != rawSize {
		return nil, fmt.Errorf("eventstore: zstd decompress: got %d bytes, expected %d", len(result), rawSize)
	}
	return result, nil
}

// errIncompressible means the compressed form was not smaller than
// the input; compress falls back to compressionNone.
var errIncompressible = errors.New("eventstore: data is incompressible")
