package chunker_test

import (
	"bytes"
	"crypto/rand"
	"errors"
	"io"
	"testing"

	"github.com/HaddajiForks/Savage-Files/internal/chunker"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, c *chunker.Chunker) [][]byte {
	t.Helper()
	var out [][]byte
	for {
		chunk, err := c.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		require.Equal(t, len(out), chunk.Sequence)
		require.Equal(t, int64(len(chunk.Data)), chunk.Size)
		require.True(t, chunker.VerifyChunkHash(chunk.Data, chunk.Hash))
		out = append(out, chunk.Data)
	}
}

func TestChunker_Empty(t *testing.T) {
	c := chunker.NewChunker(bytes.NewReader(nil), 16)

	require.Empty(t, drain(t, c))
	require.Zero(t, c.Total())
	require.Zero(t, c.Count())
}

func TestChunker_Boundaries(t *testing.T) {
	cases := map[string]struct {
		length int
		sizes  []int
	}{
		"smaller than chunk": {length: 5, sizes: []int{5}},
		"exact chunk":        {length: 16, sizes: []int{16}},
		"one over":           {length: 17, sizes: []int{16, 1}},
		"many chunks":        {length: 16*5 + 3, sizes: []int{16, 16, 16, 16, 16, 3}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			// given
			data := make([]byte, tc.length)
			_, err := rand.Read(data)
			require.NoError(t, err)

			// when
			c := chunker.NewChunker(bytes.NewReader(data), 16)
			chunks := drain(t, c)

			// then
			require.Len(t, chunks, len(tc.sizes))
			for i, size := range tc.sizes {
				require.Len(t, chunks[i], size)
			}
			require.Equal(t, data, bytes.Join(chunks, nil))
			require.Equal(t, int64(tc.length), c.Total())
			require.Equal(t, len(tc.sizes), c.Count())
		})
	}
}

func TestChunker_DefaultSizeScenario(t *testing.T) {
	data := make([]byte, 600*1024)
	c := chunker.NewChunker(bytes.NewReader(data), 0)

	chunks := drain(t, c)

	require.Len(t, chunks, 3)
	require.Len(t, chunks[0], 255*1024)
	require.Len(t, chunks[1], 255*1024)
	require.Len(t, chunks[2], 90*1024)
}

type failingReader struct{ after int }

func (f *failingReader) Read(p []byte) (int, error) {
	if f.after <= 0 {
		return 0, errors.New("connection reset")
	}
	n := len(p)
	if n > f.after {
		n = f.after
	}
	f.after -= n
	return n, nil
}

func TestChunker_ReadError(t *testing.T) {
	c := chunker.NewChunker(&failingReader{after: 20}, 16)

	first, err := c.Next()
	require.NoError(t, err)
	require.Equal(t, 0, first.Sequence)

	_, err = c.Next()
	require.ErrorContains(t, err, "connection reset")
}
