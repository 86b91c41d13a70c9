package txlgo

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
)

const (
	checkpointMagic   = 20241018
	checkpointVersion = 1
	headerLen         = 256
)

// CheckpointMeta is the progress saved alongside the weights.
type CheckpointMeta struct {
	Step        int64
	Epoch       int
	Tokens      int64
	Examples    int64
	BestValLoss float64
	HasBest     bool
}

// Checkpoint is a model, its optimizer state and the run progress.
type Checkpoint struct {
	Params     map[string][]float32
	ParamOrder []string
	Optimizer  OptimizerState
	Meta       CheckpointMeta
}

// NewCheckpoint captures params without copying them; write it out before
// the next optimizer step.
func NewCheckpoint(params []*Parameter, opt OptimizerState, meta CheckpointMeta) *Checkpoint {
	c := &Checkpoint{Params: make(map[string][]float32, len(params)), Optimizer: opt, Meta: meta}
	for _, p := range params {
		c.Params[p.Name] = p.Data
		c.ParamOrder = append(c.ParamOrder, p.Name)
	}
	return c
}

// ApplyTo copies the saved weights into params. Every parameter must be
// present with a matching size.
func (c *Checkpoint) ApplyTo(params []*Parameter) error {
	for _, p := range params {
		data, ok := c.Params[p.Name]
		if !ok {
			return errors.Errorf("checkpoint has no parameter %q", p.Name)
		}
		if len(data) != p.Len() {
			return errors.Errorf("parameter %q has %d values in checkpoint, model wants %d", p.Name, len(data), p.Len())
		}
		copy(p.Data, data)
	}
	return nil
}

// WriteTo serialises c: a 256 int32 header, the progress, then named float32
// tensors for weights and optimizer slots and named float64 scalars.
func (c *Checkpoint) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	slotNames := sortedKeys(c.Optimizer.Slots)
	scalarNames := sortedKeys(c.Optimizer.Scalars)

	header := make([]int32, headerLen)
	header[0] = checkpointMagic
	header[1] = checkpointVersion
	header[2] = int32(len(c.ParamOrder))
	header[3] = int32(len(slotNames))
	header[4] = int32(len(scalarNames))
	header[5] = int32(c.Meta.Epoch)
	if c.Meta.HasBest {
		header[6] = 1
	}
	progress := []int64{c.Meta.Step, c.Meta.Tokens, c.Meta.Examples, c.Optimizer.Step}
	for _, v := range []any{header, progress, c.Meta.BestValLoss} {
		if err := binary.Write(cw, binary.LittleEndian, v); err != nil {
			return cw.n, errors.Wrap(err, "writing checkpoint header")
		}
	}
	for _, name := range c.ParamOrder {
		if err := writeTensor(cw, name, c.Params[name]); err != nil {
			return cw.n, err
		}
	}
	for _, name := range slotNames {
		if err := writeTensor(cw, name, c.Optimizer.Slots[name]); err != nil {
			return cw.n, err
		}
	}
	for _, name := range scalarNames {
		if err := writeString(cw, name); err != nil {
			return cw.n, err
		}
		if err := binary.Write(cw, binary.LittleEndian, c.Optimizer.Scalars[name]); err != nil {
			return cw.n, errors.Wrapf(err, "writing scalar %s", name)
		}
	}
	return cw.n, nil
}

// ReadCheckpoint parses what WriteTo wrote.
func ReadCheckpoint(r io.Reader) (*Checkpoint, error) {
	header := make([]int32, headerLen)
	if err := binary.Read(r, binary.LittleEndian, header); err != nil {
		return nil, errors.Wrap(err, "reading checkpoint header")
	}
	if header[0] != checkpointMagic || header[1] != checkpointVersion {
		return nil, errors.Errorf("bad checkpoint header: magic %d version %d", header[0], header[1])
	}
	progress := make([]int64, 4)
	if err := binary.Read(r, binary.LittleEndian, progress); err != nil {
		return nil, errors.Wrap(err, "reading checkpoint progress")
	}
	c := &Checkpoint{
		Params: make(map[string][]float32, header[2]),
		Optimizer: OptimizerState{
			Step:    progress[3],
			Slots:   make(map[string][]float32, header[3]),
			Scalars: make(map[string]float64, header[4]),
		},
		Meta: CheckpointMeta{
			Step:     progress[0],
			Epoch:    int(header[5]),
			Tokens:   progress[1],
			Examples: progress[2],
			HasBest:  header[6] == 1,
		},
	}
	if err := binary.Read(r, binary.LittleEndian, &c.Meta.BestValLoss); err != nil {
		return nil, errors.Wrap(err, "reading best loss")
	}
	for i := 0; i < int(header[2]); i++ {
		name, data, err := readTensor(r)
		if err != nil {
			return nil, err
		}
		c.Params[name] = data
		c.ParamOrder = append(c.ParamOrder, name)
	}
	for i := 0; i < int(header[3]); i++ {
		name, data, err := readTensor(r)
		if err != nil {
			return nil, err
		}
		c.Optimizer.Slots[name] = data
	}
	for i := 0; i < int(header[4]); i++ {
		name, err := readString(r)
		if err != nil {
			return nil, err
		}
		var v float64
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return nil, errors.Wrapf(err, "reading scalar %s", name)
		}
		c.Optimizer.Scalars[name] = v
	}
	return c, nil
}

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(s))); err != nil {
		return errors.Wrap(err, "writing name length")
	}
	_, err := io.WriteString(w, s)
	return errors.Wrap(err, "writing name")
}

func readString(r io.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", errors.Wrap(err, "reading name length")
	}
	if n > 1<<16 {
		return "", errors.Errorf("name length %d is implausible", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", errors.Wrap(err, "reading name")
	}
	return string(buf), nil
}

func writeTensor(w io.Writer, name string, data []float32) error {
	if err := writeString(w, name); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(len(data))); err != nil {
		return errors.Wrapf(err, "writing %s", name)
	}
	return errors.Wrapf(binary.Write(w, binary.LittleEndian, data), "writing %s", name)
}

func readTensor(r io.Reader) (string, []float32, error) {
	name, err := readString(r)
	if err != nil {
		return "", nil, err
	}
	var n uint64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", nil, errors.Wrapf(err, "reading size of %s", name)
	}
	data := make([]float32, n)
	if err := binary.Read(r, binary.LittleEndian, data); err != nil {
		return "", nil, errors.Wrapf(err, "reading %s", name)
	}
	return name, data, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// CheckpointStore persists checkpoints by suffix: "best", an epoch number.
type CheckpointStore interface {
	Save(suffix string, c *Checkpoint) (string, error)
	Load(path string) (*Checkpoint, error)
	Path(suffix string) string
}

// FileCheckpointStore keeps model-<suffix>.ckpt files in Dir.
type FileCheckpointStore struct {
	Dir string
}

func (s FileCheckpointStore) Path(suffix string) string {
	return filepath.Join(s.Dir, "model-"+suffix+".ckpt")
}

// Save writes to a temporary file and renames it into place, so a crash
// never leaves a truncated checkpoint behind.
func (s FileCheckpointStore) Save(suffix string, c *Checkpoint) (string, error) {
	if err := os.MkdirAll(s.Dir, os.ModePerm); err != nil {
		return "", errors.Wrap(err, "creating checkpoint directory")
	}
	path := s.Path(suffix)
	tmp, err := os.CreateTemp(s.Dir, ".model-"+suffix+"-*")
	if err != nil {
		return "", errors.Wrap(err, "creating checkpoint file")
	}
	defer os.Remove(tmp.Name())
	bw := bufio.NewWriter(tmp)
	if _, err := c.WriteTo(bw); err != nil {
		tmp.Close()
		return "", err
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		return "", errors.Wrap(err, "flushing checkpoint")
	}
	if err := tmp.Close(); err != nil {
		return "", errors.Wrap(err, "closing checkpoint")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", errors.Wrap(err, "moving checkpoint into place")
	}
	return path, nil
}

func (s FileCheckpointStore) Load(path string) (*Checkpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening checkpoint")
	}
	defer f.Close()
	c, err := ReadCheckpoint(bufio.NewReader(f))
	return c, errors.Wrapf(err, "loading %s", path)
}

// RankZeroStore only writes on rank zero. Every rank may load.
type RankZeroStore struct {
	CheckpointStore
	Rank int
}

func (s RankZeroStore) Save(suffix string, c *Checkpoint) (string, error) {
	if s.Rank != 0 {
		return "", nil
	}
	return s.CheckpointStore.Save(suffix, c)
}
