// Copyright (c) 2020 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command relaycheck-report runs one network-condition report against a
// relay map read from a JSON file and prints the result.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/mdlayher/sdnotify"
	"github.com/peterbourgon/ff/v2/ffcli"

	"github.com/quietloop/relaycheck/net/ping"
	"github.com/quietloop/relaycheck/net/portmapper"
	"github.com/quietloop/relaycheck/net/resolve"
	"github.com/quietloop/relaycheck/netcheck"
	"github.com/quietloop/relaycheck/relaymap"
)

var rootArgs struct {
	relayMapPath string
	verbose      bool
	skipExternal bool
	nameserver   string
}

var rootCmd = &ffcli.Command{
	Name:       "relaycheck-report",
	ShortUsage: "relaycheck-report -map <relaymap.json> [flags]",
	ShortHelp:  "Probe a relay map and print one network-condition report",
	Exec:       runReport,
	FlagSet: (func() *flag.FlagSet {
		fs := flag.NewFlagSet("relaycheck-report", flag.ExitOnError)
		fs.StringVar(&rootArgs.relayMapPath, "map", "", "path to a relay map JSON file (required)")
		fs.BoolVar(&rootArgs.verbose, "verbose", false, "verbose logging")
		fs.BoolVar(&rootArgs.skipExternal, "skip-external", false, "skip the port-mapper/LAN probe")
		fs.StringVar(&rootArgs.nameserver, "nameserver", "", "DNS server (host:port) to resolve relay hostnames with; default uses the system resolver")
		return fs
	})(),
}

func main() {
	if err := rootCmd.ParseAndRun(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runReport(ctx context.Context, args []string) error {
	if rootArgs.relayMapPath == "" {
		return errors.New("relaycheck-report: -map is required")
	}

	rm, err := loadRelayMap(rootArgs.relayMapPath)
	if err != nil {
		return fmt.Errorf("relaycheck-report: loading relay map: %w", err)
	}

	pinger, err := ping.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "relaycheck-report: ICMP disabled: %v\n", err)
		pinger = nil
	} else {
		defer pinger.Close()
	}

	c := &netcheck.Client{
		Verbose:             rootArgs.verbose,
		SkipExternalNetwork: rootArgs.skipExternal,
		PortMapper:          portmapper.NewClient(),
		Pinger:              pinger,
		Resolver:            &resolve.Resolver{Nameserver: rootArgs.nameserver},
	}

	if err := sdnotify.Send(sdnotify.Ready); err != nil {
		fmt.Fprintf(os.Stderr, "relaycheck-report: sdnotify: %v\n", err)
	}
	defer sdnotify.Send(sdnotify.Stopping)

	start := time.Now()
	report, err := c.GetReport(ctx, rm)
	if err != nil {
		return fmt.Errorf("relaycheck-report: %w", err)
	}

	return printReport(os.Stdout, report, time.Since(start))
}

func loadRelayMap(path string) (*relaymap.Map, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var m relaymap.Map
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return &m, nil
}
