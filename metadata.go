package mmm

import (
	"strings"
	"time"

	"gopkg.in/mgo.v2/bson"
)

// Reserved fields in user documents.
const (
	// MetaKey is the key replication metadata is embedded under in
	// replicated documents. Applications must not write it themselves.
	MetaKey = "__mmm"
	// SkipKey marks an operation the dispatcher must drop entirely. Used
	// for internally injected no-ops.
	SkipKey = "__mmm_skip"
)

// Metadata keys inside the MetaKey document. The remaining keys are one per
// destination id, holding the source_ts at which that destination
// acknowledged the write.
const (
	metaSource   = "source"
	metaSourceTS = "source_ts"
	metaHash     = "hash"
)

// nowMillis returns the wall-clock milliseconds used as source_ts when
// stamping. Overridable in tests.
var nowMillis = func() int64 {
	return time.Now().UnixNano() / int64(time.Millisecond)
}

// newMetadata builds fresh replication metadata for a local write: the
// originating node id, its wall-clock at stamp time, the originator's own
// acknowledgement and the canonical hash of the non-metadata content.
func newMetadata(sourceID string, timestamp int64, hash string) bson.M {
	return bson.M{
		metaSource:   sourceID,
		metaSourceTS: timestamp,
		sourceID:     timestamp,
		metaHash:     hash,
	}
}

// asDocument normalizes the two shapes mgo may hand us a subdocument in.
func asDocument(v interface{}) (bson.M, bool) {
	switch d := v.(type) {
	case bson.M:
		return d, true
	case map[string]interface{}:
		return bson.M(d), true
	}
	return nil, false
}

// metadataIn extracts the embedded replication metadata from a document or
// update spec. For modifier updates the metadata lives in the $set clause,
// otherwise at the top level.
func metadataIn(o bson.M) (bson.M, bool) {
	doc := o
	if set, ok := setClause(o); ok {
		doc = set
	}
	return asDocument(doc[MetaKey])
}

// setClause returns o's $set clause when o is a modifier update.
func setClause(o bson.M) (bson.M, bool) {
	if !isModifierUpdate(o) {
		return nil, false
	}
	return asDocument(o["$set"])
}

// isModifierUpdate reports whether the update spec uses modifiers ($set,
// $inc, ...) rather than being a full document replacement.
func isModifierUpdate(o bson.M) bool {
	for k := range o {
		if strings.HasPrefix(k, "$") {
			return true
		}
	}
	return false
}

// isMetadataUpdate reports whether the update spec is an acknowledgement
// write made at a peer: a $set whose keys address fields below the metadata
// document ("__mmm.<id>"). These must not fan out again.
func isMetadataUpdate(o bson.M) bool {
	set, ok := asDocument(o["$set"])
	if !ok {
		return false
	}
	for k := range set {
		if strings.HasPrefix(k, MetaKey+".") {
			return true
		}
	}
	return false
}

// hasSkipMarker reports whether the operation document carries a truthy
// SkipKey value.
func hasSkipMarker(o bson.M) bool {
	return truthy(o[SkipKey])
}

// truthy follows the loose convention of the wire format: anything but
// absent, nil, false, zero and the empty string counts as set.
func truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int:
		return t != 0
	case int32:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	}
	return true
}

// contentWithoutMetadata returns a copy of the document or update spec with
// the metadata document removed from wherever it sits, which is the exact
// subject of the canonical hash. The input is never mutated.
func contentWithoutMetadata(o bson.M) bson.M {
	out := make(bson.M, len(o))
	for k, v := range o {
		if k == MetaKey {
			continue
		}
		if k == "$set" {
			if set, ok := asDocument(v); ok {
				inner := make(bson.M, len(set))
				for sk, sv := range set {
					if sk != MetaKey {
						inner[sk] = sv
					}
				}
				// A $set that only carried the metadata does not
				// count as content, or stamping an update without
				// one would change its hash.
				if len(inner) > 0 {
					out[k] = inner
				}
				continue
			}
		}
		out[k] = v
	}
	return out
}

// sourceTimestamp pulls the source_ts marker out of extracted metadata.
func sourceTimestamp(meta bson.M) (int64, bool) {
	switch t := meta[metaSourceTS].(type) {
	case int64:
		return t, true
	case int:
		return int64(t), true
	case int32:
		return int64(t), true
	case float64:
		return int64(t), true
	}
	return 0, false
}
