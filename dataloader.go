package txlgo

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"
)

const Int32ByteLen = 4

// Iterator yields the batches of one pass over a corpus split.
type Iterator interface {
	// Next returns the next batch, or false once the pass is over.
	Next() (Batch, bool)
	// Reset rewinds to the start of the pass.
	Reset()
}

// Windowed builds iterators for a window configuration.
type Windowed interface {
	Windows(l Lengths) (Iterator, error)
}

// DataLoader holds a whole token file in memory. Files are little-endian
// int32 token ids.
type DataLoader struct {
	filename string
	data     []int32
}

func NewDataLoader(filename string) (*DataLoader, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, errors.Wrap(err, "opening token file")
	}
	defer file.Close()
	fileInfo, err := file.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "reading token file size")
	}
	loader, err := newDataLoader(file, int(fileInfo.Size()))
	if err != nil {
		return nil, errors.Wrapf(err, "loading %s", filename)
	}
	loader.filename = filename
	return loader, nil
}

func newDataLoader(file io.Reader, size int) (*DataLoader, error) {
	if size%Int32ByteLen != 0 {
		return nil, errors.Errorf("file size %d is not a whole number of int32 tokens", size)
	}
	if size < 2*Int32ByteLen {
		return nil, errors.New("file size is too small to hold an input and a target")
	}
	loader := &DataLoader{data: make([]int32, size/Int32ByteLen)}
	if err := binary.Read(file, binary.LittleEndian, loader.data); err != nil {
		return nil, err
	}
	return loader, nil
}

func newDataLoaderFromTokens(tokens []int32) *DataLoader {
	return &DataLoader{data: tokens}
}

// Len is the number of tokens in the file.
func (loader *DataLoader) Len() int { return len(loader.data) }

// MaxToken returns the largest token id, from which a vocabulary size can be
// inferred.
func (loader *DataLoader) MaxToken() int32 {
	var m int32
	for _, t := range loader.data {
		m = max(m, t)
	}
	return m
}

// Shard is the contiguous slice of the corpus read by one rank, laid out as
// width parallel streams.
type Shard struct {
	streams [][]int32
}

// Shard splits the corpus into world equal contiguous parts and cuts part
// rank into width streams of equal length. Trailing tokens that do not fill
// a stream are dropped.
func (loader *DataLoader) Shard(rank, world, width int) (*Shard, error) {
	if world <= 0 || rank < 0 || rank >= world {
		return nil, errors.Errorf("rank %d does not fit world size %d", rank, world)
	}
	if width <= 0 {
		return nil, errors.Errorf("width must be positive, got %d", width)
	}
	per := len(loader.data) / world
	part := loader.data[rank*per : (rank+1)*per]
	steps := len(part) / width
	if steps < 2 {
		return nil, errors.Errorf("rank %d has %d tokens, too few for %d streams", rank, len(part), width)
	}
	s := &Shard{streams: make([][]int32, width)}
	for b := range s.streams {
		s.streams[b] = part[b*steps : (b+1)*steps]
	}
	return s, nil
}

// Width is the number of parallel streams.
func (s *Shard) Width() int { return len(s.streams) }

// Windows returns an ordered iterator over the shard. Each window predicts
// up to TgtLen tokens per stream and reads up to ExtLen tokens of extra
// context before them; both are shorter at the edges of the stream.
func (s *Shard) Windows(l Lengths) (Iterator, error) {
	if l.TgtLen <= 0 || l.ExtLen < 0 {
		return nil, errors.Errorf("invalid window tgt_len %d ext_len %d", l.TgtLen, l.ExtLen)
	}
	return &OrderedIterator{shard: s, tgtLen: l.TgtLen, extLen: l.ExtLen}, nil
}

// OrderedIterator walks every stream of a shard in lockstep, so the memory
// a model carries from one batch belongs to the same streams in the next.
type OrderedIterator struct {
	shard  *Shard
	tgtLen int
	extLen int
	pos    int
}

func (it *OrderedIterator) Reset() { it.pos = 0 }

func (it *OrderedIterator) Next() (Batch, bool) {
	steps := len(it.shard.streams[0])
	if it.pos >= steps-1 {
		return Batch{}, false
	}
	seqLen := min(it.tgtLen, steps-1-it.pos)
	beg := max(0, it.pos-it.extLen)
	end := it.pos + seqLen
	width := len(it.shard.streams)
	cols := end - beg
	b := Batch{
		Input:  make([]int32, 0, width*cols),
		Target: make([]int32, 0, width*seqLen),
		Width:  width,
		SeqLen: seqLen,
		ExtLen: it.pos - beg,
	}
	for _, stream := range it.shard.streams {
		b.Input = append(b.Input, stream[beg:end]...)
		b.Target = append(b.Target, stream[it.pos+1:end+1]...)
	}
	it.pos += seqLen
	return b, true
}
