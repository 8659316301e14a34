package varquery

import (
	"bytes"
	"io"

	"github.com/carbocation/pfx"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// CodecKind selects a compression codec from the registry.
type CodecKind uint32

const (
	CodecNone CodecKind = iota
	CodecZLIB
	CodecZSTD
	CodecGZIP
)

func (k CodecKind) String() string {
	switch k {
	case CodecNone:
		return "none"
	case CodecZLIB:
		return "zlib"
	case CodecZSTD:
		return "zstd"
	case CodecGZIP:
		return "gzip"
	default:
		return "unknown"
	}
}

// Codec is the capability set the storage layer and the emitters consume.
// Compress and Decompress are whole-buffer operations; Close releases any
// codec-held resources.
type Codec interface {
	Kind() CodecKind
	Compress(src []byte) ([]byte, error)
	Decompress(src []byte) ([]byte, error)
	Close() error
}

// NewCodec builds a codec of the requested kind. Level is interpreted per
// codec; 0 selects the codec default.
func NewCodec(kind CodecKind, level int) (Codec, error) {
	switch kind {
	case CodecNone:
		return noneCodec{}, nil
	case CodecZLIB:
		if level == 0 {
			level = zlib.DefaultCompression
		}
		return &zlibCodec{level: level}, nil
	case CodecGZIP:
		if level == 0 {
			level = gzip.DefaultCompression
		}
		return &gzipCodec{level: level}, nil
	case CodecZSTD:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, pfx.Err(codecErrorf("zstd", "encoder setup: %v", err))
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, pfx.Err(codecErrorf("zstd", "decoder setup: %v", err))
		}
		return &zstdCodec{enc: enc, dec: dec}, nil
	default:
		return nil, pfx.Err(codecErrorf("codec", "unknown codec kind %d", kind))
	}
}

type noneCodec struct{}

func (noneCodec) Kind() CodecKind { return CodecNone }

func (noneCodec) Compress(src []byte) ([]byte, error) {
	out := make([]byte, len(src))
	copy(out, src)
	return out, nil
}

func (noneCodec) Decompress(src []byte) ([]byte, error) {
	out := make([]byte, len(src))
	copy(out, src)
	return out, nil
}

func (noneCodec) Close() error { return nil }

type zlibCodec struct {
	level int
}

func (*zlibCodec) Kind() CodecKind { return CodecZLIB }

func (c *zlibCodec) Compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, c.level)
	if err != nil {
		return nil, pfx.Err(codecErrorf("zlib", "writer setup: %v", err))
	}
	if _, err := w.Write(src); err != nil {
		return nil, pfx.Err(codecErrorf("zlib", "compress: %v", err))
	}
	if err := w.Close(); err != nil {
		return nil, pfx.Err(codecErrorf("zlib", "finalize: %v", err))
	}
	return buf.Bytes(), nil
}

func (c *zlibCodec) Decompress(src []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, pfx.Err(codecErrorf("zlib", "decompress: %v", err))
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, pfx.Err(codecErrorf("zlib", "decompress: %v", err))
	}
	return out, nil
}

func (c *zlibCodec) Close() error { return nil }

type gzipCodec struct {
	level int
}

func (*gzipCodec) Kind() CodecKind { return CodecGZIP }

func (c *gzipCodec) Compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, c.level)
	if err != nil {
		return nil, pfx.Err(codecErrorf("gzip", "writer setup: %v", err))
	}
	if _, err := w.Write(src); err != nil {
		return nil, pfx.Err(codecErrorf("gzip", "compress: %v", err))
	}
	if err := w.Close(); err != nil {
		return nil, pfx.Err(codecErrorf("gzip", "finalize: %v", err))
	}
	return buf.Bytes(), nil
}

func (c *gzipCodec) Decompress(src []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, pfx.Err(codecErrorf("gzip", "decompress: %v", err))
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, pfx.Err(codecErrorf("gzip", "decompress: %v", err))
	}
	return out, nil
}

func (c *gzipCodec) Close() error { return nil }

type zstdCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func (*zstdCodec) Kind() CodecKind { return CodecZSTD }

func (c *zstdCodec) Compress(src []byte) ([]byte, error) {
	return c.enc.EncodeAll(src, nil), nil
}

func (c *zstdCodec) Decompress(src []byte) ([]byte, error) {
	out, err := c.dec.DecodeAll(src, nil)
	if err != nil {
		return nil, pfx.Err(codecErrorf("zstd", "decompress: %v", err))
	}
	return out, nil
}

func (c *zstdCodec) Close() error {
	c.dec.Close()
	return c.enc.Close()
}
