package txlgo

import (
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	sink, err := OpenSQLiteSink(path)
	require.NoError(t, err)
	sink.AddScalar("loss/loss", 3.5, 200)
	sink.AddScalar("loss/loss", 3.25, 100)
	sink.AddScalar("lr", 0.1, 100)
	sink.AddText("args", "lr: 0.1", 0)

	points, err := sink.Scalars("loss/loss")
	require.NoError(t, err)
	assert.Equal(t, []ScalarPoint{{Step: 100, Value: 3.25}, {Step: 200, Value: 3.5}}, points)
	require.NoError(t, sink.Close())

	// reopening appends to the same database
	sink, err = OpenSQLiteSink(path)
	require.NoError(t, err)
	defer sink.Close()
	sink.AddScalar("lr", 0.05, 300)
	points, err = sink.Scalars("lr")
	require.NoError(t, err)
	assert.Len(t, points, 2)
	none, err := sink.Scalars("missing")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSQLiteSink_NonFinite(t *testing.T) {
	sink, err := OpenSQLiteSink(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	defer sink.Close()
	sink.AddScalar("loss/loss", 2.5, 100)
	sink.AddScalar("loss/loss", math.NaN(), 200)
	sink.AddScalar("loss/loss", math.Inf(1), 300)
	sink.AddScalar("loss/loss", 2, 400)

	points, err := sink.Scalars("loss/loss")
	require.NoError(t, err)
	require.Len(t, points, 4)
	assert.Equal(t, int64(200), points[1].Step)
	assert.True(t, math.IsNaN(points[1].Value))
	assert.True(t, math.IsInf(points[2].Value, 1))
	assert.Equal(t, 2.0, points[3].Value)
}

func TestOpenSQLiteSink_BadPath(t *testing.T) {
	_, err := OpenSQLiteSink(filepath.Join(t.TempDir(), "missing", "dir", "events.db"))
	assert.Error(t, err)
}

type recordingSink struct {
	NopSink
	tags   []string
	values []float64
}

func (r *recordingSink) AddScalar(tag string, value float64, _ int64) {
	r.tags = append(r.tags, tag)
	r.values = append(r.values, value)
}

func TestTimer(t *testing.T) {
	sink := &recordingSink{}
	state := NewRunState()
	timer := StartTimer(sink, state, "eval")
	time.Sleep(2 * time.Millisecond)
	d := timer.Stop()
	assert.GreaterOrEqual(t, d, 2*time.Millisecond)
	assert.Equal(t, d, state.Timings["eval"])
	assert.Equal(t, []string{"times/eval"}, sink.tags)
	assert.GreaterOrEqual(t, sink.values[0], 2.0)
}

func TestFileLogger(t *testing.T) {
	assert.True(t, NewFileLogger(0).Enabled())
	assert.False(t, NewFileLogger(1).Enabled())
	for _, log := range []*FileLogger{NewNopLogger(), NewFileLogger(0)} {
		assert.NotPanics(t, func() {
			log.Infof("x %d", 1)
			log.Warningf("y")
			log.Debugf("z %s", "debug")
			log.Exceptionf(errors.New("boom"), "failed")
			log.Flush()
		})
	}
}
