// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"encoding/json"
	"flag"
	"io"
	"net/http"
	"os"
	"time"

	log "github.com/golang/glog"

	"github.com/cragfs/crag/internal/core"
	"github.com/cragfs/crag/internal/mds"
	"github.com/cragfs/crag/internal/messenger"
	"github.com/cragfs/crag/internal/server"
)

/*

Configuring various parameters follows the same three steps every command
in this tree uses:

  (1) Default config parameters are pulled from 'mds.DefaultConfig'.

  (2) An optional configuration file (in json format) can be specified via
      '-mdsCfg' to override the default values.

  (3) Optional flags override each individual parameter, e.g., '-addr=...'.

*/

var (
	cfg = mds.DefaultConfig

	mdsFile = flag.String("mdsCfg", "", "configuration file for the mds rank")

	rank        = flag.Int("rank", 0, "this rank's index in the mdsmap")
	addr        = flag.String("addr", "", "service address")
	namespaceDB = flag.String("namespaceDB", "mds-namespace.db", "path to the durable namespace store")
	monitors    = flag.String("monitors", "", "address spec for monitors to talk to")
	httpAddr    = flag.String("httpAddr", "", "address for the admin http server (fault injection, quit); empty disables")
)

func init() {
	flag.Parse()

	if *mdsFile != "" {
		f, err := os.Open(*mdsFile)
		if err != nil {
			log.Fatalf("couldn't open the provided config file: %s", err)
		}
		dec := json.NewDecoder(f)
		if err := dec.Decode(&cfg); err != nil {
			log.Fatalf("failed to decode the config file: %s", err)
		}
	}

	cfg.Rank = *rank
	if *addr != "" {
		cfg.Addr = core.EntityAddr{IP: *addr}
	}
	if *namespaceDB != "" {
		cfg.NamespaceDB = *namespaceDB
	}
}

func main() {
	if *monitors == "" {
		log.Infof("no -monitors given; starting without monitor discovery")
	}

	msgr := messenger.New(cfg.Addr, core.MonStatfsTimeout, core.MDSRequestTimeout, 0)

	m, err := mds.New(cfg, msgr)
	if err != nil {
		log.Fatalf("couldn't create mds rank: %s", err)
	}

	go m.CapSweepLoop(time.Now)

	if *httpAddr != "" {
		go serveAdmin(*httpAddr, m)
	}

	log.Infof("starting mds rank %d on %s...", cfg.Rank, cfg.Addr.HostPort())
	if err := messenger.Serve(cfg.Addr.HostPort(), msgr); err != nil {
		log.Fatalf("couldn't start mds rank: %s", err)
	}
}

// serveAdmin starts the admin http server: POST /failures registers which
// ops this rank should make fail on demand, for exercising client retry
// and failover paths without a real crash, and /_quit shuts it down.
func serveAdmin(addr string, m *mds.MDS) {
	mux := http.NewServeMux()
	mux.HandleFunc("/_quit", server.QuitHandler)
	mux.HandleFunc("/failures", func(w http.ResponseWriter, req *http.Request) {
		body, err := io.ReadAll(req.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := m.FailureHandler(body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
	})

	log.Infof("mds: admin http server listening on %s", addr)
	log.Fatalf("mds: admin http server exited: %s", http.ListenAndServe(addr, mux))
}
