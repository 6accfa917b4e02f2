// The mmmd command runs one multi-master replication agent: it tails the
// local master's oplog and applies matching operations to the destinations
// configured in the topology file.
//
// Cross-configure one mmmd per node to form an active/active topology.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/BrightTag/mmm"
	log "github.com/sirupsen/logrus"
)

var (
	debug      = flag.Bool("debug", false, "Show debug log messages.")
	version    = flag.Bool("version", false, "Show mmm version.")
	configPath = flag.String("config", os.Getenv("MMMD_CONFIG"), "Topology config file.")
	statsAddr  = flag.String("stats-addr", os.Getenv("MMMD_STATS_ADDR"), "Expose expvar stats on this address (disabled when empty).")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Println(mmm.VERSION)
		return
	}

	if *debug {
		log.SetLevel(log.DebugLevel)
	}

	if *configPath == "" {
		fmt.Fprintf(os.Stderr, "Usage of %s:\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(2)
	}

	log.Infof("Starting mmm %s", mmm.VERSION)

	config, err := mmm.LoadConfig(*configPath)
	if err != nil {
		log.Fatal(err)
	}

	engine, err := mmm.NewEngine(config)
	if err != nil {
		log.Fatal(err)
	}
	defer engine.Close()

	if *statsAddr != "" {
		go func() {
			// expvar registers itself on the default mux.
			log.Infof("Stats listening on %s", *statsAddr)
			log.Warn(http.ListenAndServe(*statsAddr, nil))
		}()
	}

	if err := engine.Start(0); err != nil {
		log.Fatal(err)
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		s := <-signals
		log.Infof("Received %s, stopping", s)
		engine.Stop()
	}()

	if err := engine.Wait(); err != nil {
		log.Fatal(err)
	}
	log.Info("Replication stopped")
}
