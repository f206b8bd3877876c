// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"encoding/json"
	"flag"
	"io"
	"net/http"
	"os"

	log "github.com/golang/glog"

	"github.com/cragfs/crag/internal/core"
	"github.com/cragfs/crag/internal/messenger"
	"github.com/cragfs/crag/internal/osd"
	"github.com/cragfs/crag/internal/server"
	"github.com/cragfs/crag/platform/dyconfig"
)

/*

Configuring various parameters follows the same three steps every command
in this tree uses:

  (1) Default config parameters are pulled from 'osd.DefaultConfig'.

  (2) An optional configuration file (in json format) can be specified via
      '-osdCfg' to override the default values.

  (3) Optional flags override each individual parameter, e.g., '-addr=...'.

*/

var (
	cfg = osd.DefaultConfig

	osdFile = flag.String("osdCfg", "", "configuration file for the osd")

	id       = flag.Int("id", 0, "this OSD's device id within its pools")
	addr     = flag.String("addr", "", "service address")
	storeDir = flag.String("storeDir", "osd-store.db", "path to the local object store")
	monitors = flag.String("monitors", "", "address spec for monitors to talk to")
	httpAddr = flag.String("httpAddr", "", "address for the admin http server (dyconfig, fault injection, quit); empty disables")
)

func init() {
	flag.Parse()

	if *osdFile != "" {
		f, err := os.Open(*osdFile)
		if err != nil {
			log.Fatalf("couldn't open the provided config file: %s", err)
		}
		dec := json.NewDecoder(f)
		if err := dec.Decode(&cfg); err != nil {
			log.Fatalf("failed to decode the config file: %s", err)
		}
	}

	if *id != 0 {
		cfg.ID = int32(*id)
	}
	if *addr != "" {
		cfg.Addr = core.EntityAddr{IP: *addr}
	}
	if *storeDir != "" {
		cfg.StoreDir = *storeDir
	}
}

func main() {
	if *monitors == "" {
		log.Infof("no -monitors given; starting without monitor discovery")
	}

	msgr := messenger.New(cfg.Addr, core.MonStatfsTimeout, core.OpTimeout, 0)

	o, err := osd.New(cfg, msgr)
	if err != nil {
		log.Fatalf("couldn't create osd: %s", err)
	}

	go o.HeartbeatLoop(func(addr core.EntityAddr, memUsed, numObjects float64) {
		log.V(1).Infof("osd: heartbeat mem=%.2f objects=%.0f", memUsed, numObjects)
	})
	go o.ScrubLoop()
	o.RegisterDyConfig()

	if *httpAddr != "" {
		go serveAdmin(*httpAddr, o)
	}

	log.Infof("starting osd %d on %s...", cfg.ID, cfg.Addr.HostPort())
	if err := messenger.Serve(cfg.Addr.HostPort(), msgr); err != nil {
		log.Fatalf("couldn't start osd: %s", err)
	}
}

// serveAdmin starts the admin http server: POST /dyconfig retunes this
// OSD's runtime parameters (e.g. scrub bandwidth) across a whole fleet via
// platform/dyconfig, POST /failures registers which ops should be made to
// fail for fault-injection testing, and /_quit shuts the process down.
func serveAdmin(addr string, o *osd.OSD) {
	mux := http.NewServeMux()
	mux.HandleFunc("/_quit", server.QuitHandler)
	mux.HandleFunc("/dyconfig", func(w http.ResponseWriter, req *http.Request) {
		body, err := io.ReadAll(req.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := dyconfig.Update("crag-osd", body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
	})
	mux.HandleFunc("/failures", func(w http.ResponseWriter, req *http.Request) {
		body, err := io.ReadAll(req.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := o.FailureHandler(body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
	})

	log.Infof("osd: admin http server listening on %s", addr)
	log.Fatalf("osd: admin http server exited: %s", http.ListenAndServe(addr, mux))
}
