package mmm

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"gopkg.in/mgo.v2"
	"gopkg.in/mgo.v2/bson"
)

// registration keys the applier and handler tables: one entry per
// (namespace, operation) pair. The namespace may be the "db.*" wildcard.
type registration struct {
	namespace string
	op        string
}

// sourceWriter applies stamp and acknowledgement writes back to the source
// database.
type sourceWriter interface {
	Update(ns string, selector, change bson.M) error
}

// Dispatcher routes the oplog records of one source namespace. For every
// record it decides whether the record is a genuinely local write, an echo of
// a write that originated elsewhere, or replication machinery noise, and
// stamps, acknowledges or fans out accordingly.
//
// The protocol: a local write gets fresh metadata (originator id, wall-clock
// source_ts, canonical content hash) written both into the outgoing copy and
// back onto the source document, then fans out to every registered applier.
// The source rewrite is what makes echoes recognizable: when the same
// document surfaces again in any node's oplog its embedded hash matches its
// content, so it is dropped instead of forwarded, and the node records an
// acknowledgement on its own copy. Acknowledgement updates only touch
// "__mmm."-prefixed fields and are in turn dropped by every dispatcher.
type Dispatcher struct {
	sourceID string
	source   sourceWriter
	appliers map[registration][]Applier
}

// NewDispatcher returns a dispatcher for a source node, writing stamps and
// acknowledgements through source.
func NewDispatcher(sourceID string, source sourceWriter) *Dispatcher {
	return &Dispatcher{
		sourceID: sourceID,
		source:   source,
		appliers: make(map[registration][]Applier),
	}
}

// Register adds an applier for every operation in ops ("iud" subset) on the
// given namespace. Appliers are invoked in registration order. Registration
// happens at startup; the table is read-only afterwards.
func (d *Dispatcher) Register(a Applier, namespace, ops string) {
	for _, op := range ops {
		key := registration{namespace, string(op)}
		d.appliers[key] = append(d.appliers[key], a)
	}
}

// appliersFor looks up the appliers registered for (ns, op), exact match
// first, then the "db.*" wildcard.
func (d *Dispatcher) appliersFor(ns, op string) []Applier {
	matched := d.appliers[registration{ns, op}]
	if wild := wildcardNamespace(ns); wild != ns {
		matched = append(matched, d.appliers[registration{wild, op}]...)
	}
	return matched
}

// Handle classifies one oplog record and acts on it. Called by the tailer in
// oplog order; a non-nil return is fatal.
func (d *Dispatcher) Handle(op *Operation) error {
	stats.OpsDispatched.Add(1)

	// Internally injected no-ops are dropped before anything else.
	if hasSkipMarker(op.Object) {
		log.Debugf("DISPATCH %s: skip marker, dropping %s", d.sourceID, op.Info())
		stats.OpsSkipped.Add(1)
		return nil
	}

	// Deletes carry no metadata and are always forwarded unmodified.
	if op.Op == OpDelete {
		return d.fanout(op)
	}

	// Acknowledgement writes made at peers must not fan out again.
	if op.Op == OpUpdate && isMetadataUpdate(op.Object) {
		log.Debugf("DISPATCH %s: metadata update, dropping %s", d.sourceID, op.Info())
		stats.MetadataDropped.Add(1)
		return nil
	}

	meta, ok := metadataIn(op.Object)
	if ok {
		echoed, err := d.isEcho(op.Object, meta)
		if err != nil {
			return err
		}
		if echoed {
			return d.acknowledge(op, meta)
		}
		// An application-layer write that happens to carry its own
		// __mmm field; the hash mismatch told it apart from an echo.
		log.Debugf("DISPATCH %s: stale metadata on %s, treating as local", d.sourceID, op.Info())
	}
	return d.stampAndFanout(op)
}

// isEcho applies the detection rule: a write is echoed iff it carries
// metadata whose hash equals the canonical hash of the non-metadata content.
// Metadata without a hash is trusted as-is (writes made by replicators that
// predate content hashing).
func (d *Dispatcher) isEcho(o, meta bson.M) (bool, error) {
	claimed, ok := meta[metaHash].(string)
	if !ok {
		return true, nil
	}
	actual, err := canonicalHash(contentWithoutMetadata(o))
	if err != nil {
		return false, fmt.Errorf("DISPATCH %s: hashing %v: %v", d.sourceID, o, err)
	}
	return actual == claimed, nil
}

// acknowledge closes the loop on an echoed replication: record on the source
// document that this node has the write. Peers observe the update as a
// metadata-only write and drop it.
func (d *Dispatcher) acknowledge(op *Operation, meta bson.M) error {
	ts, ok := sourceTimestamp(meta)
	if !ok {
		log.Warnf("DISPATCH %s: echo without source_ts, dropping %s", d.sourceID, op.Info())
		return nil
	}
	selector, err := d.selector(op)
	if err != nil {
		log.Warnf("DISPATCH %s: %s, dropping echo", d.sourceID, err)
		return nil
	}
	log.Debugf("DISPATCH %s: echo of %s from %v, acknowledging", d.sourceID, op.Info(), meta[metaSource])
	change := bson.M{"$set": bson.M{MetaKey + "." + d.sourceID: ts}}
	if err := d.source.Update(op.Namespace, selector, change); err != nil {
		return err
	}
	stats.EchoesAcked.Add(1)
	return nil
}

// stampAndFanout handles a local application write: build fresh metadata,
// write it back onto the source document so peers can recognize the echoes,
// then hand the stamped operation to every registered applier.
func (d *Dispatcher) stampAndFanout(op *Operation) error {
	selector, err := d.selector(op)
	if err != nil {
		log.Warnf("DISPATCH %s: %s, forwarding unstamped", d.sourceID, err)
		return d.fanout(op)
	}
	hash, err := canonicalHash(contentWithoutMetadata(op.Object))
	if err != nil {
		return fmt.Errorf("DISPATCH %s: hashing %v: %v", d.sourceID, op.Object, err)
	}
	meta := newMetadata(d.sourceID, nowMillis(), hash)
	if set, ok := setClause(op.Object); ok {
		set[MetaKey] = meta
	} else if isModifierUpdate(op.Object) {
		op.Object["$set"] = bson.M{MetaKey: meta}
	} else {
		op.Object[MetaKey] = meta
	}
	if err := d.source.Update(op.Namespace, selector, op.Object); err != nil {
		return err
	}
	return d.fanout(op)
}

// selector returns the predicate addressing the source document: the update
// predicate for updates, {_id: ...} otherwise.
func (d *Dispatcher) selector(op *Operation) (bson.M, error) {
	if op.Op == OpUpdate {
		return op.Query, nil
	}
	id, ok := op.Object["_id"]
	if !ok {
		return nil, fmt.Errorf("document without _id in %s", op.Info())
	}
	return bson.M{"_id": id}, nil
}

func (d *Dispatcher) fanout(op *Operation) error {
	for _, a := range d.appliersFor(op.Namespace, op.Op) {
		if err := a.Apply(op); err != nil {
			return err
		}
	}
	return nil
}

// mgoSourceWriter performs stamp and acknowledgement writes on the master
// node with the usual reconnect discipline.
type mgoSourceWriter struct {
	session *mgo.Session
}

func (w *mgoSourceWriter) Update(ns string, selector, change bson.M) error {
	database, collection, err := splitNamespace(ns)
	if err != nil {
		return err
	}
	return withReconnect(w.session, "SOURCE update "+ns, func() error {
		err := w.session.DB(database).C(collection).Update(selector, change)
		if err == mgo.ErrNotFound {
			// The document went away between the oplog record and now.
			log.Debugf("SOURCE update %s matched no document", ns)
			return nil
		}
		return err
	})
}
