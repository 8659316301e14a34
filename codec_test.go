package varquery

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecRoundTrips(t *testing.T) {
	payload := bytes.Repeat([]byte("ACGTACGTNNN"), 500)
	for _, kind := range []CodecKind{CodecNone, CodecZLIB, CodecZSTD, CodecGZIP} {
		t.Run(kind.String(), func(t *testing.T) {
			c, err := NewCodec(kind, 0)
			require.NoError(t, err)
			defer c.Close()

			comp, err := c.Compress(payload)
			require.NoError(t, err)
			if kind != CodecNone {
				assert.Less(t, len(comp), len(payload))
			}

			back, err := c.Decompress(comp)
			require.NoError(t, err)
			assert.Equal(t, payload, back)
		})
	}
}

func TestCodecRejectsGarbage(t *testing.T) {
	for _, kind := range []CodecKind{CodecZLIB, CodecZSTD, CodecGZIP} {
		c, err := NewCodec(kind, 0)
		require.NoError(t, err)
		_, err = c.Decompress([]byte("this is not compressed data"))
		assert.True(t, errors.Is(err, ErrCodec), "codec %s", kind)
		c.Close()
	}
}

func TestUnknownCodecKind(t *testing.T) {
	_, err := NewCodec(CodecKind(99), 0)
	assert.True(t, errors.Is(err, ErrCodec))
}
