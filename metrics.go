package txlgo

import (
	"database/sql"
	"math"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// Sink receives scalar and text metrics indexed by the global token count.
type Sink interface {
	AddScalar(tag string, value float64, tokens int64)
	AddText(tag, text string, tokens int64)
	Close() error
}

// NopSink drops everything. Ranks other than zero use it.
type NopSink struct{}

func (NopSink) AddScalar(string, float64, int64) {}
func (NopSink) AddText(string, string, int64)    {}
func (NopSink) Close() error                     { return nil }

const metricsSchema = `
CREATE TABLE IF NOT EXISTS scalars (
	tag       TEXT    NOT NULL,
	step      INTEGER NOT NULL,
	value     REAL,
	wall_time REAL    NOT NULL
);
CREATE INDEX IF NOT EXISTS scalars_tag_step ON scalars(tag, step);
CREATE TABLE IF NOT EXISTS texts (
	tag       TEXT    NOT NULL,
	step      INTEGER NOT NULL,
	text      TEXT    NOT NULL,
	wall_time REAL    NOT NULL
);`

// SQLiteSink appends metrics to an events database in the run directory.
// Write failures are logged once and then ignored; metrics never stop a run.
type SQLiteSink struct {
	mu     sync.Mutex
	db     *sql.DB
	scalar *sql.Stmt
	text   *sql.Stmt
	failed bool
}

func OpenSQLiteSink(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening metrics database %s", path)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(metricsSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "creating metrics schema")
	}
	s := &SQLiteSink{db: db}
	if s.scalar, err = db.Prepare(`INSERT INTO scalars(tag, step, value, wall_time) VALUES (?, ?, ?, ?)`); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "preparing scalar insert")
	}
	if s.text, err = db.Prepare(`INSERT INTO texts(tag, step, text, wall_time) VALUES (?, ?, ?, ?)`); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "preparing text insert")
	}
	return s, nil
}

func wallTime() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

func (s *SQLiteSink) report(err error) {
	if err == nil || s.failed {
		return
	}
	s.failed = true
	glog.Warningf("metrics write failed, further failures are silent: %v", err)
}

func (s *SQLiteSink) AddScalar(tag string, value float64, tokens int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.scalar.Exec(tag, tokens, value, wallTime())
	s.report(err)
}

func (s *SQLiteSink) AddText(tag, text string, tokens int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.text.Exec(tag, tokens, text, wallTime())
	s.report(err)
}

// ScalarPoint is one recorded scalar. SQLite stores NaN as NULL, which
// reads back as NaN.
type ScalarPoint struct {
	Step  int64
	Value float64
}

// Scalars returns the points recorded under tag in step order.
func (s *SQLiteSink) Scalars(tag string) ([]ScalarPoint, error) {
	rows, err := s.db.Query(`SELECT step, value FROM scalars WHERE tag = ? ORDER BY step, rowid`, tag)
	if err != nil {
		return nil, errors.Wrapf(err, "querying %s", tag)
	}
	defer rows.Close()
	var points []ScalarPoint
	for rows.Next() {
		var (
			p     ScalarPoint
			value sql.NullFloat64
		)
		if err := rows.Scan(&p.Step, &value); err != nil {
			return nil, err
		}
		p.Value = math.NaN()
		if value.Valid {
			p.Value = value.Float64
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

func (s *SQLiteSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scalar.Close()
	s.text.Close()
	return s.db.Close()
}
