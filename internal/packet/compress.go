package packet

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies how a packet body is compressed on the wire. The
// values are part of the protocol.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
	CompressionZstd Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression: %q", name)
	}
}

var errIncompressible = errors.New("packet: data is incompressible")

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedFastest),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		panic("packet: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		panic("packet: zstd decoder initialization failed: " + err.Error())
	}
}

// Frame prefixes data with its compression tag and uncompressed length,
// compressing it when that makes it smaller. The tag actually used is
// returned.
func Frame(data []byte, want Compression) ([]byte, Compression, error) {
	var (
		body []byte
		err  error
	)
	used := want
	switch want {
	case CompressionNone:
		body = data
	case CompressionLZ4:
		body, err = compressLZ4(data)
	case CompressionZstd:
		body, err = compressZstd(data)
	default:
		return nil, 0, fmt.Errorf("unsupported compression: %d", want)
	}
	if errors.Is(err, errIncompressible) {
		body, used, err = data, CompressionNone, nil
	}
	if err != nil {
		return nil, 0, err
	}

	out := make([]byte, 1, 1+binary.MaxVarintLen32+len(body))
	out[0] = byte(used)
	out = binary.AppendUvarint(out, uint64(len(data)))
	out = append(out, body...)
	return out, used, nil
}

// Unframe reverses Frame. Bodies claiming more than maxSize bytes are rejected.
func Unframe(framed []byte, maxSize int) ([]byte, error) {
	if len(framed) < 2 {
		return nil, fmt.Errorf("packet frame: %d bytes is too short", len(framed))
	}
	tag := Compression(framed[0])
	size, n := binary.Uvarint(framed[1:])
	if n <= 0 {
		return nil, fmt.Errorf("packet frame: bad length prefix")
	}
	if size > uint64(maxSize) {
		return nil, fmt.Errorf("packet frame: %d bytes exceeds limit %d", size, maxSize)
	}
	body := framed[1+n:]
	switch tag {
	case CompressionNone:
		if len(body) != int(size) {
			return nil, fmt.Errorf("packet frame: size %d does not match %d", len(body), size)
		}
		return body, nil
	case CompressionLZ4:
		out := make([]byte, size)
		read, err := lz4.UncompressBlock(body, out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if read != int(size) {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, size)
		}
		return out, nil
	case CompressionZstd:
		out, err := zstdDecoder.DecodeAll(body, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(out) != int(size) {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(out), size)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("packet frame: unsupported compression %d", tag)
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	destination := make([]byte, lz4.CompressBlockBound(len(data)))
	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if written == 0 || written >= len(data) {
		return nil, errIncompressible
	}
	return destination[:written], nil
}

func compressZstd(data []byte) ([]byte, error) {
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return nil, errIncompressible
	}
	return compressed, nil
}
