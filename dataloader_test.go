package txlgo

import (
	"bytes"
	"encoding/binary"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newInt32Reader(data []int32) (io.Reader, int) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, data); err != nil {
		panic(err)
	}
	return &buf, buf.Len()
}

func tokenRange(from, to int32) []int32 {
	out := make([]int32, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, i)
	}
	return out
}

func TestNewDataLoader(t *testing.T) {
	tests := []struct {
		name    string
		size    func(n int) int
		data    []int32
		wantErr bool
	}{
		{name: "whole tokens", data: []int32{3, 1, 2}, size: func(n int) int { return n }},
		{name: "partial token", data: []int32{3, 1, 2}, size: func(n int) int { return n - 1 }, wantErr: true},
		{name: "single token", data: []int32{3}, size: func(n int) int { return n }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, n := newInt32Reader(tt.data)
			loader, err := newDataLoader(r, tt.size(n))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, len(tt.data), loader.Len())
			assert.Equal(t, int32(3), loader.MaxToken())
		})
	}
}

func TestNewDataLoaderFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "train.bin")
	r, _ := newInt32Reader(tokenRange(0, 10))
	raw, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	loader, err := NewDataLoader(path)
	require.NoError(t, err)
	assert.Equal(t, 10, loader.Len())

	_, err = NewDataLoader(filepath.Join(t.TempDir(), "missing.bin"))
	assert.Error(t, err)
}

func TestDataLoader_Shard(t *testing.T) {
	loader := newDataLoaderFromTokens(tokenRange(0, 21))
	tests := []struct {
		name        string
		rank, world int
		width       int
		want        [][]int32
		wantErr     bool
	}{
		{
			name: "second of two ranks",
			rank: 1, world: 2, width: 2,
			want: [][]int32{{10, 11, 12, 13, 14}, {15, 16, 17, 18, 19}},
		},
		{
			name: "single rank drops the tail",
			rank: 0, world: 1, width: 4,
			want: [][]int32{{0, 1, 2, 3, 4}, {5, 6, 7, 8, 9}, {10, 11, 12, 13, 14}, {15, 16, 17, 18, 19}},
		},
		{name: "rank out of range", rank: 2, world: 2, width: 1, wantErr: true},
		{name: "too narrow streams", rank: 0, world: 1, width: 20, wantErr: true},
		{name: "zero width", rank: 0, world: 1, width: 0, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shard, err := loader.Shard(tt.rank, tt.world, tt.width)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.width, shard.Width())
			assert.Equal(t, tt.want, shard.streams)
		})
	}
}

func TestOrderedIterator_Next(t *testing.T) {
	type want struct {
		input  []int32
		target []int32
		seqLen int
		extLen int
	}
	shard, err := newDataLoaderFromTokens(tokenRange(0, 21)).Shard(1, 2, 2)
	require.NoError(t, err)
	tests := []struct {
		name    string
		lengths Lengths
		want    []want
	}{
		{
			name:    "no extended context",
			lengths: Lengths{TgtLen: 2},
			want: []want{
				{input: []int32{10, 11, 15, 16}, target: []int32{11, 12, 16, 17}, seqLen: 2},
				{input: []int32{12, 13, 17, 18}, target: []int32{13, 14, 18, 19}, seqLen: 2},
			},
		},
		{
			name:    "extended context grows from the start",
			lengths: Lengths{TgtLen: 2, ExtLen: 1},
			want: []want{
				{input: []int32{10, 11, 15, 16}, target: []int32{11, 12, 16, 17}, seqLen: 2},
				{input: []int32{11, 12, 13, 16, 17, 18}, target: []int32{13, 14, 18, 19}, seqLen: 2, extLen: 1},
			},
		},
		{
			name:    "last window is shorter",
			lengths: Lengths{TgtLen: 3},
			want: []want{
				{input: []int32{10, 11, 12, 15, 16, 17}, target: []int32{11, 12, 13, 16, 17, 18}, seqLen: 3},
				{input: []int32{13, 18}, target: []int32{14, 19}, seqLen: 1},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			it, err := shard.Windows(tt.lengths)
			require.NoError(t, err)
			for i := 0; i < 2; i++ { // the second pass follows Reset
				for _, w := range tt.want {
					b, ok := it.Next()
					require.True(t, ok)
					assert.Equal(t, w.input, b.Input)
					assert.Equal(t, w.target, b.Target)
					assert.Equal(t, w.seqLen, b.SeqLen)
					assert.Equal(t, w.extLen, b.ExtLen)
					assert.Equal(t, 2, b.Width)
					require.NoError(t, b.Validate())
				}
				_, ok := it.Next()
				assert.False(t, ok)
				it.Reset()
			}
		})
	}

	_, err = shard.Windows(Lengths{TgtLen: 0})
	assert.Error(t, err)
}

func TestOrderedIterator_BatchesHonourContract(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	tokens := make([]int32, 997)
	for i := range tokens {
		tokens[i] = int32(rng.Intn(50))
	}
	loader := newDataLoaderFromTokens(tokens)
	for _, l := range []Lengths{{TgtLen: 7}, {TgtLen: 5, ExtLen: 3}, {TgtLen: 1}, {TgtLen: 50, ExtLen: 50}} {
		shard, err := loader.Shard(0, 1, 3)
		require.NoError(t, err)
		it, err := shard.Windows(l)
		require.NoError(t, err)
		predicted := 0
		for b, ok := it.Next(); ok; b, ok = it.Next() {
			require.NoError(t, b.Validate(), "lengths %+v", l)
			assert.LessOrEqual(t, b.ExtLen, l.ExtLen)
			predicted += b.SeqLen
		}
		// every token of a stream but the first is predicted exactly once
		assert.Equal(t, len(shard.streams[0])-1, predicted)
	}
}
