// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"encoding/json"
	"flag"
	"net/http"
	"os"

	log "github.com/golang/glog"

	"github.com/cragfs/crag/internal/clustermap"
	"github.com/cragfs/crag/internal/core"
	"github.com/cragfs/crag/internal/master/durable"
	"github.com/cragfs/crag/internal/messenger"
	"github.com/cragfs/crag/internal/monitor"
	"github.com/cragfs/crag/internal/server"
	"github.com/cragfs/crag/pkg/raft/raft"
	"github.com/cragfs/crag/pkg/raft/raftfs"
	"github.com/cragfs/crag/pkg/raft/raftrpc"
)

/*

Configuring various parameters follows the same three steps every command
in this tree uses:

  (1) Default config parameters are pulled from 'durable.DefaultStateConfig'.

  (2) An optional configuration file (in json format) can be specified via
      '-raftCfg' to override the default values.

  (3) Optional flags override each individual parameter, e.g., '-addr=...'.

*/

var (
	raftCfg = durable.DefaultStateConfig

	raftFile = flag.String("raftCfg", "", "configuration file for raft instance")

	addr        = flag.String("addr", "", "address to listen on for requests")
	raftID      = flag.String("raftID", "", "id of this raft instance, identified by the address that raft listens on")
	snapshotDir = flag.String("snapshotDir", "", "home dir for taking snapshots")
	logDir      = flag.String("logDir", "", "home dir for writing logs")
	stateDir    = flag.String("stateDir", "", "home dir for saving raft internal state")
	mapDBFile   = flag.String("mapDB", "monitor-maps.db", "path to the durable cluster-map store")
	httpAddr    = flag.String("httpAddr", "", "address for the admin http server (raft reconfig, snapshot download, readonly toggle)")
	raftACSpec  = flag.String("raftACSpec", "", "discovery spec for automatic raft membership, e.g. cluster/monitor/prod=3; empty disables")
)

func init() {
	flag.Parse()

	raftCfg.Config.ClusterID = "monitor"

	if *raftFile != "" {
		f, err := os.Open(*raftFile)
		if err != nil {
			log.Fatalf("couldn't open the provided config file: %s", err)
		}
		dec := json.NewDecoder(f)
		if err := dec.Decode(&raftCfg); err != nil {
			log.Fatalf("failed to decode the config file: %s", err)
		}
	}

	if *raftID != "" {
		raftCfg.ID = *raftID
	}
	if *snapshotDir != "" {
		raftCfg.StorageConfig.SnapshotDir = *snapshotDir
	}
	if *logDir != "" {
		raftCfg.StorageConfig.LogDir = *logDir
	}
	if *stateDir != "" {
		raftCfg.StorageConfig.StateDir = *stateDir
	}
	raftCfg.Addr = raftCfg.ID
}

func main() {
	store, err := clustermap.OpenStore(*mapDBFile)
	if err != nil {
		log.Fatalf("couldn't open cluster-map store: %s", err)
	}

	fsid := core.Fsid{}
	mon, err := monitor.New(store, fsid)
	if err != nil {
		log.Fatalf("couldn't create monitor: %s", err)
	}

	storage, err := raftfs.NewFSStorage(raftCfg.StorageConfig)
	if err != nil {
		log.Fatalf("failed to create raft storage: %s", err)
	}
	transport, err := raftrpc.NewRPCTransport(raftCfg.TransportConfig, raftCfg.RPCTransportConfig)
	if err != nil {
		log.Fatalf("failed to create raft transport: %s", err)
	}
	r := raft.NewRaft(raftCfg.Config, storage, transport)
	mon.SetSelfID(raftCfg.Config.ID)
	mon.Bind(r)

	if *httpAddr != "" {
		go serveAdmin(*httpAddr, mon, r, storage)
	}

	self := core.EntityAddr{IP: "0.0.0.0"}
	msgr := messenger.New(self, core.MonStatfsTimeout, core.OpTimeout, 0)
	msgr.Handle(core.MsgStatfs, func(env core.Envelope) {
		reply := mon.Statfs()
		log.V(1).Infof("monitor: statfs -> %+v", reply)
	})

	log.Infof("starting monitor on %s...", *addr)
	if err := messenger.Serve(*addr, msgr); err != nil {
		log.Fatalf("couldn't start monitor: %s", err)
	}
}

// serveAdmin starts the admin http server: raft membership reconfiguration
// (manual or discovery-driven via raftACSpec), snapshot download and
// read-only toggling, the same endpoint set internal/master/server.go used
// to expose over its own listener.
func serveAdmin(addr string, mon *monitor.Monitor, r *raft.Raft, storage *raft.Storage) {
	mux := http.NewServeMux()
	mux.HandleFunc("/_quit", server.QuitHandler)
	mux.HandleFunc("/readonly", func(w http.ResponseWriter, req *http.Request) {
		server.ReadOnlyHandler(w, req, mon)
	})
	mux.Handle("/raft/", http.StripPrefix("/raft", server.RaftAdminHandler(r, storage)))

	ac := server.NewAutoConfig(*raftACSpec, mon)
	mux.Handle("/reconfig/", http.StripPrefix("/reconfig", ac.HTTPHandlers()))
	if err := ac.WatchDiscovery(); err != nil {
		log.Errorf("monitor: WatchDiscovery: %s", err)
	}

	log.Infof("monitor: admin http server listening on %s", addr)
	log.Fatalf("monitor: admin http server exited: %s", http.ListenAndServe(addr, mux))
}
