package mmm

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/mgo.v2"
)

// reconnectDelay is how long a component sleeps before reconnecting after a
// transient driver fault. Variables so tests can shorten them.
var (
	reconnectDelay = 60 * time.Second
	idlePoll       = time.Second
)

// dial opens a session with the timeouts used for every non-tailing
// connection.
func dial(uri string) (*mgo.Session, error) {
	session, err := mgo.Dial(uri)
	if err != nil {
		return nil, err
	}
	session.SetSyncTimeout(10 * time.Second)
	session.SetSocketTimeout(20 * time.Second)
	session.SetMode(mgo.Monotonic, true)
	session.SetSafe(&mgo.Safe{})
	return session, nil
}

// withReconnect runs f and, on a transient fault, sleeps reconnectDelay,
// refreshes the session and retries exactly once. A second failure is
// returned as a fatal error; the caller is expected to give up.
func withReconnect(session *mgo.Session, desc string, f func() error) error {
	err := f()
	if err == nil || !isTransient(err) {
		return err
	}
	log.Warnf("%s failed, reconnecting in %s: %s", desc, reconnectDelay, err)
	stats.Reconnects.Add(1)
	time.Sleep(reconnectDelay)
	session.Refresh()
	if err = f(); err != nil {
		return fmt.Errorf("%s failed after reconnect: %v", desc, err)
	}
	return nil
}

// isTransient reports whether a driver error is worth a reconnect and retry.
// Not-found and duplicate-key outcomes are deterministic and handled at the
// call sites.
func isTransient(err error) bool {
	return err != nil && err != mgo.ErrNotFound && !mgo.IsDup(err)
}
