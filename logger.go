package txlgo

import (
	"fmt"

	"github.com/golang/glog"
)

// FileLogger writes through glog on rank zero and discards everything on the
// other ranks. glog keeps one file per severity under -log_dir; debug lines
// land in the INFO file when -v is at least 1.
type FileLogger struct {
	enabled bool
}

func NewFileLogger(rank int) *FileLogger { return &FileLogger{enabled: rank == 0} }

// NewNopLogger returns a logger that writes nothing.
func NewNopLogger() *FileLogger { return &FileLogger{} }

func (l *FileLogger) Enabled() bool { return l.enabled }

func (l *FileLogger) Infof(format string, args ...any) {
	if l.enabled {
		glog.InfoDepth(1, fmt.Sprintf(format, args...))
	}
}

func (l *FileLogger) Warningf(format string, args ...any) {
	if l.enabled {
		glog.WarningDepth(1, fmt.Sprintf(format, args...))
	}
}

func (l *FileLogger) Debugf(format string, args ...any) {
	if !l.enabled {
		return
	}
	if glog.V(1) {
		glog.InfoDepth(1, fmt.Sprintf(format, args...))
	}
}

// Exceptionf logs an error together with its stack when err carries one.
func (l *FileLogger) Exceptionf(err error, format string, args ...any) {
	if l.enabled {
		glog.ErrorDepth(1, fmt.Sprintf(format, args...)+fmt.Sprintf(": %+v", err))
	}
}

func (l *FileLogger) Flush() {
	if l.enabled {
		glog.Flush()
	}
}
