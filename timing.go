package txlgo

import "time"

// Timer measures one scoped region:
//
//	defer StartTimer(sink, state, "eval").Stop()
type Timer struct {
	sink  Sink
	state *RunState
	tag   string
	start time.Time
}

func StartTimer(sink Sink, state *RunState, tag string) *Timer {
	return &Timer{sink: sink, state: state, tag: tag, start: time.Now()}
}

// Stop records the elapsed time as times/<tag> in milliseconds and returns it.
func (t *Timer) Stop() time.Duration {
	d := time.Since(t.start)
	if t.state != nil {
		t.state.Timings[t.tag] = d
	}
	if t.sink != nil {
		var tokens int64
		if t.state != nil {
			tokens = t.state.GlobalTokenCount
		}
		t.sink.AddScalar("times/"+t.tag, float64(d)/float64(time.Millisecond), tokens)
	}
	return d
}
