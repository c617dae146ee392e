// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command s2pstat queries a running s2pd over the management protocol and
// renders the result in the Prometheus text exposition format on stdout, suitable
// for a Prometheus textfile collector or direct scrape-through-exec setup.
package main

import (
	"log"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/alecthomas/kong"

	"github.com/scsi2pi-go/s2p/pkg/management"
)

var cli struct {
	Host  string `flag:"" default:"localhost" help:"Management server host"`
	Port  int    `flag:"" default:"6868" help:"Management server port"`
	Token string `flag:"" optional:"" env:"S2P_TOKEN" help:"Management server access token"`
}

func main() {
	kong.Parse(&cli,
		kong.Name("s2pstat"),
		kong.Description("Prometheus metrics exporter for s2pd"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true, Summary: true}),
	)

	addr := net.JoinHostPort(cli.Host, strconv.Itoa(cli.Port))
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		log.Fatalf("s2pstat: dial %s: %v", addr, err)
	}
	defer conn.Close()

	devicesResult, err := management.SendCommand(conn, &management.PbCommand{
		Operation: management.OpDevicesInfo,
		Token:     cli.Token,
	}, true)
	if err != nil {
		log.Fatalf("s2pstat: devices info: %v", err)
	}
	if !devicesResult.Status {
		log.Fatalf("s2pstat: devices info: %s", devicesResult.Msg)
	}

	reservedResult, err := management.SendCommand(conn, &management.PbCommand{
		Operation: management.OpReservedIdsInfo,
		Token:     cli.Token,
	}, false)
	if err != nil {
		log.Fatalf("s2pstat: reserved ids info: %v", err)
	}
	if !reservedResult.Status {
		log.Fatalf("s2pstat: reserved ids info: %s", reservedResult.Msg)
	}

	outputMetrics(os.Stdout, devicesResult.DeviceList, parseReservedIDs(reservedResult.Msg))
}

func parseReservedIDs(csv string) map[int]bool {
	out := make(map[int]bool)
	if csv == "" {
		return out
	}
	for _, id := range strings.Split(csv, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(id))
		if err == nil {
			out[n] = true
		}
	}
	return out
}
