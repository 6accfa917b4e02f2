package mmm

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/mgo.v2"
	"gopkg.in/mgo.v2/bson"
)

const oplogNamespace = "local.oplog.rs"

// Handler consumes oplog records delivered by the tailer.
type Handler interface {
	// Handle processes one record. A non-nil return stops the tailer with
	// a fatal error.
	Handle(op *Operation) error
}

// Tailer produces a resumable stream of oplog records and delivers each to
// the handlers registered for its (namespace, operation), synchronously and
// in oplog order. After every record the checkpoint is persisted, so a
// restart resumes at most a few records back; the echo-detection protocol
// makes redelivery safe.
type Tailer struct {
	session     *mgo.Session
	checkpoints *CheckpointStore
	handlers    map[registration][]Handler

	stopOnce sync.Once
	stop     chan struct{}
}

// NewTailer returns a tailer cursoring over the session's oplog. checkpoints
// may be nil, in which case positions are not persisted (debug tooling).
func NewTailer(session *mgo.Session, checkpoints *CheckpointStore) *Tailer {
	return &Tailer{
		session:     session,
		checkpoints: checkpoints,
		handlers:    make(map[registration][]Handler),
		stop:        make(chan struct{}),
	}
}

// Register subscribes a handler to every operation in ops ("iud" subset) on
// the given namespace, which may be the "db.*" wildcard form. Registration
// happens at startup; the table is read-only while the tailer runs.
func (t *Tailer) Register(h Handler, namespace, ops string) {
	for _, op := range ops {
		key := registration{namespace, string(op)}
		t.handlers[key] = append(t.handlers[key], h)
	}
}

// Stop makes Run return cleanly. Observed between records and at the idle
// poll boundary; the in-flight record completes first.
func (t *Tailer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Tailer) stopping() bool {
	select {
	case <-t.stop:
		return true
	default:
		return false
	}
}

// Run blocks, delivering every oplog record with ts > start until Stop is
// called. On a cursor or connection fault it reconnects once after a fixed
// backoff and resumes from the latest persisted checkpoint; if the reconnect
// fails too, Run returns the fault as a fatal error.
func (t *Tailer) Run(start bson.MongoTimestamp) error {
	// The tailing cursor blocks awaiting data, so no socket timeout.
	session := t.session.Copy()
	defer session.Close()
	session.SetSocketTimeout(0)

	checkpoint := start
	log.Infof("TAIL reading oplog records after %v", checkpoint)
	for {
		iter := t.oplog(session).Find(bson.M{"ts": bson.M{"$gt": checkpoint}}).
			Sort("$natural").Tail(idlePoll)

		for {
			op := &Operation{}
			for iter.Next(op) {
				if t.stopping() {
					iter.Close()
					return nil
				}
				var err error
				if checkpoint, err = t.handle(op, checkpoint); err != nil {
					iter.Close()
					return err
				}
				op = &Operation{}
			}
			if t.stopping() {
				iter.Close()
				return nil
			}
			if !iter.Timeout() {
				break
			}
		}

		err := iter.Close()
		log.Warnf("TAIL cursor failed, reconnecting in %s: %s", reconnectDelay, err)
		stats.Reconnects.Add(1)
		time.Sleep(reconnectDelay)
		if t.stopping() {
			return nil
		}
		session.Refresh()
		if err := session.Ping(); err != nil {
			return fmt.Errorf("TAIL reconnect failed: %v", err)
		}
		checkpoint = t.resumePoint(checkpoint)
	}
}

// handle dispatches one record and advances the checkpoint past it. A record
// older than the current checkpoint never rewinds it. Handler errors are
// fatal and returned as-is.
func (t *Tailer) handle(op *Operation, checkpoint bson.MongoTimestamp) (bson.MongoTimestamp, error) {
	stats.OpsReceived.Add(1)
	if err := op.Validate(); err != nil {
		log.Warnf("TAIL malformed record, skipping: %s", err)
		stats.OpsInvalid.Add(1)
	} else if err := t.dispatch(op); err != nil {
		return checkpoint, err
	}
	if op.Timestamp > checkpoint {
		checkpoint = op.Timestamp
		if t.checkpoints != nil {
			if err := t.checkpoints.Save(checkpoint); err != nil {
				log.Warnf("TAIL checkpoint save failed: %s", err)
			}
		}
	}
	return checkpoint, nil
}

func (t *Tailer) dispatch(op *Operation) error {
	matched := t.handlers[registration{op.Namespace, op.Op}]
	if wild := wildcardNamespace(op.Namespace); wild != op.Namespace {
		matched = append(matched, t.handlers[registration{wild, op.Op}]...)
	}
	if len(matched) == 0 {
		stats.OpsUnmatched.Add(1)
		return nil
	}
	for _, h := range matched {
		if err := h.Handle(op); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tailer) oplog(session *mgo.Session) *mgo.Collection {
	database, collection, _ := splitNamespace(oplogNamespace)
	return session.DB(database).C(collection)
}

// resumePoint prefers the latest persisted checkpoint after a reconnect but
// never rewinds behind the in-memory position.
func (t *Tailer) resumePoint(checkpoint bson.MongoTimestamp) bson.MongoTimestamp {
	if t.checkpoints == nil {
		return checkpoint
	}
	persisted, err := t.checkpoints.Load()
	if err != nil {
		log.Warnf("TAIL checkpoint load failed, resuming in-memory: %s", err)
		return checkpoint
	}
	if persisted > checkpoint {
		return persisted
	}
	return checkpoint
}
