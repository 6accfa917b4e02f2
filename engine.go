package mmm

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"gopkg.in/mgo.v2"
	"gopkg.in/mgo.v2/bson"
)

// Engine wires a topology into a running replicator: one tailer over the
// master's oplog, one dispatcher per source namespace, one applier per
// (destination node, namespace mapping).
type Engine struct {
	config      *Config
	session     *mgo.Session
	checkpoints *CheckpointStore
	tailer      *Tailer
	supervisor  *Supervisor
	dispatchers map[string]*Dispatcher
	appliers    []*DestinationApplier
}

// NewEngine connects to the master and every destination and registers the
// configured appliers. No records flow until Start is called.
func NewEngine(config *Config) (*Engine, error) {
	session, err := dial(config.Master.URI)
	if err != nil {
		return nil, fmt.Errorf("dial master %s: %v", config.Master.ID, err)
	}
	e := &Engine{
		config:      config,
		session:     session,
		checkpoints: NewCheckpointStore(config.Master.ID, session),
		dispatchers: make(map[string]*Dispatcher),
	}
	e.tailer = NewTailer(session, e.checkpoints)
	e.supervisor = NewSupervisor(e.tailer)

	for i := range config.Replications {
		replication := &config.Replications[i]
		for _, ns := range replication.Namespaces {
			if err := e.register(replication, ns); err != nil {
				e.Close()
				return nil, err
			}
		}
	}
	return e, nil
}

// register builds the applier for one namespace mapping and hooks it into the
// dispatcher for the mapping's source namespace, creating the dispatcher and
// its tailer registration on first use. Each applier owns its own connection
// to the destination.
func (e *Engine) register(replication *Replication, ns NamespaceMapping) error {
	applier, err := NewDestinationApplier(e.config.Master.ID, replication.ID, replication.URI, ns.Dest)
	if err != nil {
		return err
	}
	e.appliers = append(e.appliers, applier)

	dispatcher, ok := e.dispatchers[ns.Source]
	if !ok {
		dispatcher = NewDispatcher(e.config.Master.ID, &mgoSourceWriter{session: e.session})
		e.dispatchers[ns.Source] = dispatcher
		// The dispatcher must see every operation on its namespace to
		// classify echoes and acknowledgements, whatever subset the
		// destinations replicate.
		e.tailer.Register(dispatcher, ns.Source, "iud")
	}
	dispatcher.Register(applier, ns.Source, replication.Ops())
	log.Infof("ENGINE %s: %s -> %s@%s (%s)",
		e.config.Master.ID, ns.Source, ns.Dest, replication.ID, replication.Ops())
	return nil
}

// Start launches the tailer under the supervisor. A zero checkpoint means
// resume from the persisted position (or "now" on first run).
func (e *Engine) Start(checkpoint bson.MongoTimestamp) error {
	if checkpoint == 0 {
		var err error
		if checkpoint, err = e.checkpoints.Load(); err != nil {
			return fmt.Errorf("load checkpoint: %v", err)
		}
	}
	e.supervisor.Start(checkpoint)
	return nil
}

// Wait blocks until the replicator stops and returns the fatal error, if any.
func (e *Engine) Wait() error {
	return e.supervisor.Wait()
}

// Stop shuts the tailer down cleanly; in-flight applier calls complete.
func (e *Engine) Stop() {
	e.supervisor.Stop()
}

// Close releases every connection the engine owns.
func (e *Engine) Close() {
	for _, a := range e.appliers {
		a.Close()
	}
	e.session.Close()
}
