/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

/*
Package compression provides a configurable compression ladder for
frame payloads.

Supported Algorithms:
=====================

1. LZ4: fast compression/decompression, moderate ratio.
2. Snappy: very fast, lower ratio, favored for the hot per-frame path.
3. Zstd: best ratio, configurable speed/ratio tradeoff, favored for the
   JSON result artifact.
4. Gzip: stdlib fallback, used when neither speed nor ratio matters.

A node never needs to negotiate which algorithm a peer used: this
package writes no header of its own, and the caller records the
Algorithm that Compress reports next to the data (for APPEND frames,
internal/consensus stamps it into the frame metadata), so the reader
passes that recorded Algorithm to Decompress.
*/
package compression

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm represents a compression algorithm.
type Algorithm int

const (
	AlgorithmNone Algorithm = iota
	AlgorithmGzip
	AlgorithmLZ4
	AlgorithmSnappy
	AlgorithmZstd
)

func (a Algorithm) String() string {
	switch a {
	case AlgorithmNone:
		return "none"
	case AlgorithmGzip:
		return "gzip"
	case AlgorithmLZ4:
		return "lz4"
	case AlgorithmSnappy:
		return "snappy"
	case AlgorithmZstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// ParseAlgorithm parses a compression algorithm from string.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch s {
	case "none", "":
		return AlgorithmNone, nil
	case "gzip":
		return AlgorithmGzip, nil
	case "lz4":
		return AlgorithmLZ4, nil
	case "snappy":
		return AlgorithmSnappy, nil
	case "zstd":
		return AlgorithmZstd, nil
	default:
		return AlgorithmNone, fmt.Errorf("unknown compression algorithm: %s", s)
	}
}

// Level represents a compression level; only consulted by gzip and zstd,
// since lz4 and snappy trade ratio for speed unconditionally.
type Level int

const (
	LevelFastest Level = 1
	LevelDefault Level = 5
	LevelBest    Level = 9
)

// Config holds compression configuration.
type Config struct {
	Algorithm Algorithm `json:"algorithm"`
	Level     Level     `json:"level"`
	MinSize   int       `json:"min_size"` // below this, payloads pass through uncompressed
}

// DefaultConfig returns sensible defaults: snappy favors the low-latency
// per-frame path over a UDP link where CPU matters more than bytes saved.
func DefaultConfig() Config {
	return Config{
		Algorithm: AlgorithmSnappy,
		Level:     LevelDefault,
		MinSize:   256,
	}
}

// ArtifactConfig returns the config used for the JSON result artifact,
// where ratio matters more than latency since it is written once at the
// end of a sweep.
func ArtifactConfig() Config {
	return Config{Algorithm: AlgorithmZstd, Level: LevelBest, MinSize: 0}
}

// Compressor provides compression/decompression operations for a single
// Config. It is safe for concurrent use.
type Compressor struct {
	config   Config
	gzipPool sync.Pool
}

// NewCompressor creates a new Compressor.
func NewCompressor(config Config) *Compressor {
	return &Compressor{
		config: config,
		gzipPool: sync.Pool{
			New: func() interface{} {
				return gzip.NewWriter(nil)
			},
		},
	}
}

// Compress compresses data per the Compressor's Algorithm and reports
// the algorithm actually used. Data smaller than MinSize is returned
// unchanged and reported as AlgorithmNone. No header byte is written:
// the caller's own frame metadata records which algorithm, if any, was
// used, per spec §4.1's metadata-driven framing.
func (c *Compressor) Compress(data []byte) ([]byte, Algorithm, error) {
	if len(data) < c.config.MinSize {
		return data, AlgorithmNone, nil
	}

	switch c.config.Algorithm {
	case AlgorithmNone:
		return data, AlgorithmNone, nil

	case AlgorithmGzip:
		var buf bytes.Buffer
		gw, _ := gzip.NewWriterLevel(&buf, int(c.config.Level))
		if _, err := gw.Write(data); err != nil {
			return nil, AlgorithmNone, err
		}
		if err := gw.Close(); err != nil {
			return nil, AlgorithmNone, err
		}
		return buf.Bytes(), AlgorithmGzip, nil

	case AlgorithmSnappy:
		return snappy.Encode(nil, data), AlgorithmSnappy, nil

	case AlgorithmLZ4:
		var buf bytes.Buffer
		zw := lz4.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			return nil, AlgorithmNone, err
		}
		if err := zw.Close(); err != nil {
			return nil, AlgorithmNone, err
		}
		return buf.Bytes(), AlgorithmLZ4, nil

	case AlgorithmZstd:
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstdLevel(c.config.Level)))
		if err != nil {
			return nil, AlgorithmNone, err
		}
		defer enc.Close()
		return enc.EncodeAll(data, nil), AlgorithmZstd, nil

	default:
		return nil, AlgorithmNone, fmt.Errorf("unsupported compression algorithm: %v", c.config.Algorithm)
	}
}

// Decompress reverses Compress given the algorithm the payload was
// compressed with.
func Decompress(data []byte, alg Algorithm) ([]byte, error) {
	switch alg {
	case AlgorithmNone:
		return data, nil

	case AlgorithmGzip:
		gr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer gr.Close()
		return io.ReadAll(gr)

	case AlgorithmSnappy:
		return snappy.Decode(nil, data)

	case AlgorithmLZ4:
		zr := lz4.NewReader(bytes.NewReader(data))
		return io.ReadAll(zr)

	case AlgorithmZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		return dec.DecodeAll(data, nil)

	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %v", alg)
	}
}

func zstdLevel(l Level) zstd.EncoderLevel {
	switch {
	case l <= LevelFastest:
		return zstd.SpeedFastest
	case l >= LevelBest:
		return zstd.SpeedBestCompression
	default:
		return zstd.SpeedDefault
	}
}
