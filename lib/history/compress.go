// Copyright 2026 The Signalbus Authors
// SPDX-License-Identifier: Apache-2.0

package history

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm identifies how a stored payload is compressed. Each entry
// records the algorithm it was stored under, so a store whose
// configured algorithm changes between entries still reads every
// entry correctly.
type Algorithm uint8

const (
	// AlgorithmNone stores payloads uncompressed. Also used for
	// payloads below the compression threshold and payloads the
	// configured algorithm cannot shrink.
	AlgorithmNone Algorithm = 0

	// AlgorithmLZ4 is block-mode LZ4: cheap CPU, modest ratios.
	AlgorithmLZ4 Algorithm = 1

	// AlgorithmZstd is zstd at the default level: better ratios for
	// the JSON payloads history typically holds. The default.
	AlgorithmZstd Algorithm = 2
)

// String returns the algorithm's config spelling.
func (a Algorithm) String() string {
	switch a {
	case AlgorithmNone:
		return "none"
	case AlgorithmLZ4:
		return "lz4"
	case AlgorithmZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(a))
	}
}

// ParseAlgorithm parses a config spelling. The empty string selects
// the zstd default.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch name {
	case "none":
		return AlgorithmNone, nil
	case "lz4":
		return AlgorithmLZ4, nil
	case "", "zstd":
		return AlgorithmZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression algorithm %q", name)
	}
}

// compressThreshold is the smallest payload worth compressing.
// Below it the framing overhead eats the savings.
const compressThreshold = 512

// errIncompressible signals that compression would not shrink the
// payload; the caller stores it uncompressed instead.
var errIncompressible = errors.New("history: payload is incompressible")

// zstdEncoder and zstdDecoder are reused across calls; both are safe
// for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
	)
	if err != nil {
		panic("history: zstd encoder initialization failed: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("history: zstd decoder initialization failed: " + err.Error())
	}
}

// compressPayload compresses data with the preferred algorithm and
// returns the stored bytes plus the algorithm actually used. Small
// and incompressible payloads come back unchanged under
// AlgorithmNone.
func compressPayload(data []byte, preferred Algorithm) ([]byte, Algorithm) {
	if preferred == AlgorithmNone || len(data) < compressThreshold {
		return data, AlgorithmNone
	}

	var compressed []byte
	var err error
	switch preferred {
	case AlgorithmLZ4:
		compressed, err = compressLZ4(data)
	case AlgorithmZstd:
		compressed, err = compressZstd(data)
	default:
		return data, AlgorithmNone
	}
	if err != nil {
		return data, AlgorithmNone
	}
	return compressed, preferred
}

// decompressPayload restores a stored payload to its original bytes.
func decompressPayload(stored []byte, tag Algorithm, originalSize int) ([]byte, error) {
	switch tag {
	case AlgorithmNone:
		return stored, nil
	case AlgorithmLZ4:
		return decompressLZ4(stored, originalSize)
	case AlgorithmZstd:
		return decompressZstd(stored, originalSize)
	default:
		return nil, fmt.Errorf("history: unsupported compression tag %d", tag)
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	bound := lz4.CompressBlockBound(len(data))
	destination := make([]byte, bound)

	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	// CompressBlock returns 0 for incompressible data; also reject
	// output that did not actually shrink.
	if written == 0 || written >= len(data) {
		return nil, errIncompressible
	}
	return destination[:written], nil
}

func decompressLZ4(compressed []byte, originalSize int) ([]byte, error) {
	destination := make([]byte, originalSize)
	read, err := lz4.UncompressBlock(compressed, destination)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if read != originalSize {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, originalSize)
	}
	return destination, nil
}

func compressZstd(data []byte) ([]byte, error) {
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return nil, errIncompressible
	}
	return compressed, nil
}

func decompressZstd(compressed []byte, originalSize int) ([]byte, error) {
	destination, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, originalSize))
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	if len(destination) != originalSize {
		return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(destination), originalSize)
	}
	return destination, nil
}
