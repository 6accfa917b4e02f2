// The mmm-tail command follows a master's oplog and prints every record
// matching a namespace, useful to watch replication metadata being stamped
// in a live topology. It never writes anything.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BrightTag/mmm"
	log "github.com/sirupsen/logrus"
	"gopkg.in/mgo.v2"
	"gopkg.in/mgo.v2/bson"
)

var (
	debug     = flag.Bool("debug", false, "Show debug log messages.")
	mongoURL  = flag.String("mongo-url", os.Getenv("MMM_MONGO_URL"), "MongoDB URL of the master to tail.")
	namespace = flag.String("ns", "", "Namespace to print, exact \"db.col\" or wildcard \"db.*\".")
	ops       = flag.String("ops", "iud", "Operations to print, subset of \"iud\".")
)

type printer struct{}

func (printer) Handle(op *mmm.Operation) error {
	fmt.Printf("%v %s %s o=%v", op.Timestamp, op.Op, op.Namespace, op.Object)
	if op.Query != nil {
		fmt.Printf(" o2=%v", op.Query)
	}
	fmt.Println()
	return nil
}

func main() {
	flag.Parse()

	if *debug {
		log.SetLevel(log.DebugLevel)
	}
	if *mongoURL == "" || *namespace == "" {
		fmt.Fprintf(os.Stderr, "Usage of %s:\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(2)
	}

	session, err := mgo.Dial(*mongoURL)
	if err != nil {
		log.Fatal(err)
	}
	defer session.Close()
	session.SetMode(mgo.Monotonic, true)

	// No checkpoint store: a debug tail always starts from "now".
	tailer := mmm.NewTailer(session, nil)
	tailer.Register(printer{}, *namespace, *ops)
	start := bson.MongoTimestamp(time.Now().Unix() << 32)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signals
		tailer.Stop()
	}()

	if err := tailer.Run(start); err != nil {
		log.Fatal(err)
	}
}
