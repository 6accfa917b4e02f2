package mmm

import "expvar"

// Stats stores all the statistics about the replicator
type Stats struct {
	// Total number of oplog records read by the tailer
	OpsReceived *expvar.Int
	// Total number of records handed to a dispatcher
	OpsDispatched *expvar.Int
	// Total number of operations applied to a destination
	OpsApplied *expvar.Int
	// Total number of records dropped for a skip marker
	OpsSkipped *expvar.Int
	// Total number of records with no registered applier
	OpsUnmatched *expvar.Int
	// Total number of records ignored as malformed
	OpsInvalid *expvar.Int
	// Total number of echoed replications acknowledged
	EchoesAcked *expvar.Int
	// Total number of metadata-only updates dropped
	MetadataDropped *expvar.Int
	// Total number of reconnect attempts after transient faults
	Reconnects *expvar.Int
	// Total number of checkpoints persisted
	CheckpointSaves *expvar.Int
	// Total number of checkpoint persistence failures
	CheckpointErrors *expvar.Int
}

// stats is the process-wide instance; expvar names register once.
var stats = newStats()

func newStats() *Stats {
	return &Stats{
		OpsReceived:      expvar.NewInt("ops_received"),
		OpsDispatched:    expvar.NewInt("ops_dispatched"),
		OpsApplied:       expvar.NewInt("ops_applied"),
		OpsSkipped:       expvar.NewInt("ops_skipped"),
		OpsUnmatched:     expvar.NewInt("ops_unmatched"),
		OpsInvalid:       expvar.NewInt("ops_invalid"),
		EchoesAcked:      expvar.NewInt("echoes_acked"),
		MetadataDropped:  expvar.NewInt("metadata_dropped"),
		Reconnects:       expvar.NewInt("reconnects"),
		CheckpointSaves:  expvar.NewInt("checkpoint_saves"),
		CheckpointErrors: expvar.NewInt("checkpoint_errors"),
	}
}
