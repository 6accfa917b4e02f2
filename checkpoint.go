package mmm

import (
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/mgo.v2"
	"gopkg.in/mgo.v2/bson"
)

// Checkpoints live in the source database so the replicator is stateless
// across restarts.
const (
	checkpointDB         = "local"
	checkpointCollection = "mmm"
)

// CheckpointStore durably persists the last oplog position dispatched for a
// source node, one record per source id: {_id: source_id, checkpoint: ts}.
type CheckpointStore struct {
	sourceID string
	session  *mgo.Session
}

// NewCheckpointStore returns a store for the given source node persisting
// through the given session.
func NewCheckpointStore(sourceID string, session *mgo.Session) *CheckpointStore {
	return &CheckpointStore{sourceID: sourceID, session: session}
}

func (s *CheckpointStore) collection() *mgo.Collection {
	return s.session.DB(checkpointDB).C(checkpointCollection)
}

// Load returns the last durable checkpoint. When no record exists yet it
// creates one and returns the current time, so replication starts from "now".
func (s *CheckpointStore) Load() (bson.MongoTimestamp, error) {
	var doc struct {
		Checkpoint bson.MongoTimestamp `bson:"checkpoint"`
	}
	var err error
	load := func() error {
		err = s.collection().FindId(s.sourceID).One(&doc)
		if err == mgo.ErrNotFound {
			return nil
		}
		return err
	}
	if rerr := withReconnect(s.session, "CHECKPOINT load", load); rerr != nil {
		return 0, rerr
	}
	if err == mgo.ErrNotFound || doc.Checkpoint == 0 {
		now := nowTimestamp()
		log.Debugf("CHECKPOINT no record for %s, starting at %v", s.sourceID, now)
		if err := s.Save(now); err != nil {
			return 0, err
		}
		return now, nil
	}
	return doc.Checkpoint, nil
}

// Save overwrites the checkpoint idempotently. Failures are reported but not
// retried beyond the usual reconnect; at-least-once delivery absorbs a lost
// save.
func (s *CheckpointStore) Save(ts bson.MongoTimestamp) error {
	err := withReconnect(s.session, "CHECKPOINT save", func() error {
		_, err := s.collection().UpsertId(s.sourceID, bson.M{"$set": bson.M{"checkpoint": ts}})
		return err
	})
	if err != nil {
		stats.CheckpointErrors.Add(1)
		return err
	}
	stats.CheckpointSaves.Add(1)
	return nil
}

// nowTimestamp returns the oplog timestamp (current_unix_seconds, 0).
func nowTimestamp() bson.MongoTimestamp {
	return bson.MongoTimestamp(time.Now().Unix() << 32)
}
