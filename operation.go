// Package mmm is a multi-master replicator for MongoDB. One mmm process runs
// per master node; each process tails its local oplog, filters operations by
// (namespace, operation) and applies them to the configured remote
// destination collections. Cross-configured processes form an N-way
// active/active topology.
//
// Replicated writes carry metadata under the reserved "__mmm" key which lets
// every node tell its own writes from echoes of writes made elsewhere, so a
// write never bounces between nodes.
package mmm

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/mgo.v2/bson"
)

// Operation kinds found in the oplog.
const (
	OpInsert = "i"
	OpUpdate = "u"
	OpDelete = "d"
)

// Operation is a single oplog record. Only the fields the replicator consumes
// are decoded; everything else in the record is ignored.
type Operation struct {
	Timestamp bson.MongoTimestamp `bson:"ts"`
	Op        string              `bson:"op"`
	Namespace string              `bson:"ns"`
	Object    bson.M              `bson:"o"`
	Query     bson.M              `bson:"o2,omitempty"`
	Upsert    bool                `bson:"b,omitempty"`
}

// Validate checks the record carries the fields the replicator depends on.
// Records failing validation are logged and skipped; the checkpoint still
// advances past them.
func (op *Operation) Validate() error {
	if op.Timestamp == 0 {
		return errors.New("missing ts field")
	}
	switch op.Op {
	case OpInsert, OpUpdate, OpDelete:
	case "":
		return errors.New("missing op field")
	default:
		return fmt.Errorf("unsupported op: %s", op.Op)
	}
	if op.Namespace == "" {
		return errors.New("missing ns field")
	}
	if op.Object == nil {
		return errors.New("missing o field")
	}
	if op.Op == OpUpdate && op.Query == nil {
		return errors.New("missing o2 field on update")
	}
	return nil
}

// Info returns a human readable version of the operation
func (op *Operation) Info() string {
	id := "(none)"
	if op.Query != nil {
		if v, ok := op.Query["_id"]; ok {
			id = fmt.Sprintf("%v", v)
		}
	} else if v, ok := op.Object["_id"]; ok {
		id = fmt.Sprintf("%v", v)
	}
	return fmt.Sprintf("%s:%s(%s)", op.Op, op.Namespace, id)
}

// splitNamespace splits a "db.col" namespace into its database and collection
// parts. The collection part may itself contain dots.
func splitNamespace(ns string) (database, collection string, err error) {
	i := strings.Index(ns, ".")
	if i <= 0 || i == len(ns)-1 {
		return "", "", fmt.Errorf("invalid namespace: %s", ns)
	}
	return ns[:i], ns[i+1:], nil
}

// wildcardNamespace returns the "db.*" form matching any collection in the
// namespace's database.
func wildcardNamespace(ns string) string {
	if i := strings.Index(ns, "."); i > 0 {
		return ns[:i] + ".*"
	}
	return ns
}
