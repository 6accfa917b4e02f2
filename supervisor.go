package mmm

import (
	"gopkg.in/mgo.v2/bson"
	"gopkg.in/tomb.v2"
)

// Supervisor runs the tailer and propagates its outcome. The tailer and the
// appliers absorb transient faults themselves; when one of them gives up the
// resulting error kills the tomb and surfaces through Wait, at which point
// the process is expected to exit non-zero.
type Supervisor struct {
	t      tomb.Tomb
	tailer *Tailer
}

// NewSupervisor wraps the given tailer.
func NewSupervisor(tailer *Tailer) *Supervisor {
	return &Supervisor{tailer: tailer}
}

// Start launches the tailer from the given checkpoint.
func (s *Supervisor) Start(checkpoint bson.MongoTimestamp) {
	s.t.Go(func() error {
		return s.tailer.Run(checkpoint)
	})
}

// Stop asks the tailer to finish its current record and return.
func (s *Supervisor) Stop() {
	s.tailer.Stop()
	s.t.Kill(nil)
}

// Wait blocks until the tailer has terminated and returns nil for a clean
// stop or the fatal error that brought it down.
func (s *Supervisor) Wait() error {
	return s.t.Wait()
}
