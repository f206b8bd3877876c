// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/codegangsta/cli"
	shlex "github.com/flynn-archive/go-shlex"
	"github.com/peterh/liner"

	log "github.com/golang/glog"

	"github.com/cragfs/crag/internal/clustermap"
	"github.com/cragfs/crag/internal/core"
	"github.com/cragfs/crag/internal/messenger"
	"github.com/cragfs/crag/internal/monclient"
)

var usage = `
	cragctl is a tool for inspecting and administering a running crag
	cluster: it talks to the monitor quorum to report cluster-wide usage
	and, in a future revision, to issue pool and snapshot admin commands.

	You can issue a single command:

		cragctl --monitors <host:port,...> statfs

	Or start an interactive shell:

		cragctl --monitors <host:port,...> shell
	`

// cragCli is the admin shell's top-level state, mirroring blbcli's split
// between a one-shot cli.App invocation and an interactive liner loop over
// the same command set.
type cragCli struct {
	app  *cli.App
	mon  *monclient.Client
	msgr *messenger.Messenger

	inShell bool
}

func newCragCli() *cragCli {
	c := &cragCli{}
	app := cli.NewApp()
	app.Name = "cragctl"
	app.Usage = usage
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "monitors, m",
			Usage: "comma-separated host:port list of monitors to talk to",
		},
	}
	app.Before = c.beforeCommand

	app.Commands = []cli.Command{
		{
			Name:   "statfs",
			Usage:  "Prints cluster-wide usage as reported by the monitor quorum.",
			Action: c.cmdStatfs,
		},
		{
			Name:   "shell",
			Usage:  "Starts an interactive shell.",
			Action: c.cmdShell,
		},
	}
	c.app = app
	return c
}

func (c *cragCli) run(args []string) {
	if err := c.app.Run(args); err != nil {
		log.Errorf("error: %v", err)
	}
}

// beforeCommand parses -monitors and builds the monclient + messenger
// used by every subcommand, the same setup blbcli.getClient does lazily
// per-subcommand but simplified here since cragctl has a single, fixed
// quorum target for the whole process lifetime.
func (c *cragCli) beforeCommand(ctx *cli.Context) error {
	spec := ctx.GlobalString("monitors")
	if spec == "" {
		return fmt.Errorf("no -monitors given")
	}

	var mons []clustermap.MonInfo
	for i, hp := range strings.Split(spec, ",") {
		addr, err := parseHostPort(hp)
		if err != nil {
			return err
		}
		mons = append(mons, clustermap.MonInfo{
			Name: core.EntityName{Type: core.EntityMon, Num: uint64(i)},
			Addr: addr,
		})
	}

	c.msgr = messenger.New(core.EntityAddr{}, core.MonStatfsTimeout, core.OpTimeout, 0)
	c.mon = monclient.New(c.msgr, &clustermap.MonMap{Mons: mons})
	return nil
}

func parseHostPort(hp string) (core.EntityAddr, error) {
	parts := strings.SplitN(hp, ":", 2)
	if len(parts) != 2 {
		return core.EntityAddr{}, fmt.Errorf("invalid host:port %q", hp)
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil {
		return core.EntityAddr{}, fmt.Errorf("invalid port in %q: %w", hp, err)
	}
	return core.EntityAddr{IP: parts[0], Port: uint16(port)}, nil
}

func (c *cragCli) cmdStatfs(ctx *cli.Context) {
	rctx, cancel := context.WithTimeout(context.Background(), core.MonStatfsTimeout)
	defer cancel()
	reply, err := c.mon.Statfs(rctx)
	if err != nil {
		log.Errorf("statfs: %v", err)
		return
	}
	fmt.Printf("osds up: %d\npools: %d\n", reply.NumOSDs, reply.NumPools)
}

// cmdShell starts an interactive command loop, following blbcli's
// liner+shlex pattern: line-edited prompt with tab completion over the
// registered command names, shell-style tokenizing so quoted arguments
// work the way users expect from any other shell.
func (c *cragCli) cmdShell(ctx *cli.Context) {
	c.inShell = true
	defer func() { c.inShell = false }()

	cli.OsExiter = func(int) {}

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)
	line.SetCompleter(func(s string) (res []string) {
		for _, cmd := range c.app.Commands {
			if strings.HasPrefix(cmd.Name, s) {
				res = append(res, cmd.Name)
			}
		}
		return
	})

	for {
		input, err := line.Prompt("(cragctl) ")
		if err != nil {
			return
		}
		args, err := shlex.Split(input)
		if err != nil {
			log.Errorf("error: %v", err)
			continue
		}
		if len(args) == 0 {
			continue
		}
		if args[0] == "exit" {
			return
		}

		full := append([]string{"cragctl", "--monitors", ctx.GlobalString("monitors")}, args...)
		if err := c.app.Run(full); err == nil {
			line.AppendHistory(input)
		}
	}
}
