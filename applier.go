package mmm

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"gopkg.in/mgo.v2"
	"gopkg.in/mgo.v2/bson"
)

// Applier applies a single oplog operation to one remote collection.
type Applier interface {
	// Apply performs the remote write implied by the operation. A nil
	// return means the write is durable at the destination; a non-nil
	// return is fatal for the replication process.
	Apply(op *Operation) error
	// DestinationID identifies the node the applier writes to.
	DestinationID() string
}

// DestinationApplier applies operations to a single collection on a remote
// node. It owns its connection; on a transient driver fault it sleeps,
// reconnects and retries exactly once before giving up.
type DestinationApplier struct {
	sourceID      string
	destinationID string
	session       *mgo.Session
	database      string
	collection    string
}

// NewDestinationApplier connects to the destination node and returns an
// applier writing to destNS ("db.col") on it.
func NewDestinationApplier(sourceID, destinationID, uri, destNS string) (*DestinationApplier, error) {
	database, collection, err := splitNamespace(destNS)
	if err != nil {
		return nil, err
	}
	session, err := dial(uri)
	if err != nil {
		return nil, fmt.Errorf("dial destination %s: %v", destinationID, err)
	}
	return &DestinationApplier{
		sourceID:      sourceID,
		destinationID: destinationID,
		session:       session,
		database:      database,
		collection:    collection,
	}, nil
}

// DestinationID identifies the node the applier writes to.
func (a *DestinationApplier) DestinationID() string {
	return a.destinationID
}

// Close releases the applier's connection.
func (a *DestinationApplier) Close() {
	a.session.Close()
}

// Apply performs the remote write implied by op.
func (a *DestinationApplier) Apply(op *Operation) error {
	log.Debugf("APPLY %s <= %s: %s", a.destinationID, a.sourceID, op.Info())
	var err error
	switch op.Op {
	case OpInsert:
		err = a.insert(op.Object)
	case OpUpdate:
		err = a.update(op.Query, op.Object, op.Upsert)
	case OpDelete:
		err = a.remove(op.Object)
	default:
		return fmt.Errorf("%s: unsupported op %q", a.desc(), op.Op)
	}
	if err != nil {
		return err
	}
	stats.OpsApplied.Add(1)
	return nil
}

func (a *DestinationApplier) insert(document bson.M) error {
	stampAckForInsert(document, a.destinationID)
	return withReconnect(a.session, a.desc(), func() error {
		err := a.remote().Insert(document)
		if mgo.IsDup(err) {
			// Redelivered record; the document is already there.
			log.Debugf("%s: duplicate insert ignored", a.desc())
			return nil
		}
		return err
	})
}

func (a *DestinationApplier) update(selector, document bson.M, upsert bool) error {
	stampAckForUpdate(document, a.destinationID)
	return withReconnect(a.session, a.desc(), func() error {
		var err error
		if upsert {
			_, err = a.remote().Upsert(selector, document)
		} else {
			err = a.remote().Update(selector, document)
			if err == mgo.ErrNotFound {
				// Nothing matches at the destination; nothing to do.
				log.Debugf("%s: update matched no document", a.desc())
				err = nil
			}
		}
		return err
	})
}

func (a *DestinationApplier) remove(selector bson.M) error {
	return withReconnect(a.session, a.desc(), func() error {
		_, err := a.remote().RemoveAll(selector)
		return err
	})
}

func (a *DestinationApplier) remote() *mgo.Collection {
	return a.session.DB(a.database).C(a.collection)
}

func (a *DestinationApplier) desc() string {
	return fmt.Sprintf("APPLY %s.%s@%s", a.database, a.collection, a.destinationID)
}

// stampAckForInsert records on the replica that this destination has the
// write: __mmm[destination_id] is set to the originator's source_ts before
// the document is inserted.
func stampAckForInsert(document bson.M, destinationID string) {
	meta, ok := asDocument(document[MetaKey])
	if !ok {
		return
	}
	if ts, ok := sourceTimestamp(meta); ok {
		meta[destinationID] = ts
	}
}

// stampAckForUpdate does the same for an update spec: in the $set clause for
// modifier updates, on the document itself for full replacements.
func stampAckForUpdate(document bson.M, destinationID string) {
	target := document
	if set, ok := setClause(document); ok {
		target = set
	} else if isModifierUpdate(document) {
		return
	}
	stampAckForInsert(target, destinationID)
}
