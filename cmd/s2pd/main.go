// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command s2pd is the SCSI target emulation daemon: it owns the bus, the
// per-target controllers, and the management TCP listener that ATTACH,
// DETACH, and the rest of the management operations come in over.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/scsi2pi-go/s2p/pkg/bus"
	"github.com/scsi2pi-go/s2p/pkg/config"
	"github.com/scsi2pi-go/s2p/pkg/logging"
	"github.com/scsi2pi-go/s2p/pkg/management"
)

// cli is the daemon's flat flag set; every flag also has a property-key
// equivalent so a deployment can mix property files and command-line
// overrides, the CLI values taking precedence.
var cli struct {
	Port          int      `flag:"" default:"6868" help:"Management server TCP port"`
	ImageFolder   string   `flag:"" default:"/var/lib/s2p/images" help:"Root folder image paths are resolved under"`
	ScanDepth     int      `flag:"" default:"2" help:"Maximum path depth below image-folder an image path may use"`
	TokenFile     string   `flag:"" optional:"" help:"Path to the access token file; omit to disable authentication"`
	LogLevel      string   `flag:"" default:"info" help:"Global log level (trace,debug,info,warn,error,critical,off)"`
	ReservedIds   string   `flag:"" optional:"" help:"Comma-separated target IDs no ATTACH may claim"`
	PropertyFiles []string `flag:"" optional:"" name:"property-file" help:"Property file(s) applied, in order, before the flags above"`
}

func main() {
	kong.Parse(&cli,
		kong.Name("s2pd"),
		kong.Description("SCSI target emulation daemon"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true, Summary: true}),
	)

	props := config.New()
	for _, f := range cli.PropertyFiles {
		if err := props.LoadFile(f); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
	applyFlagOverrides(props)

	if err := management.ApplyGlobalLogLevel(props); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logging.New()

	b := bus.NewLoopback()
	defer b.Close()
	exec := management.NewExecutor(b)
	exec.ApplyExtensions(props)

	if ids, ok := props.Get(config.ReservedIDs); ok && ids != "" {
		if r := exec.Execute(&management.PbCommand{
			Operation: management.OpReserveIds,
			Params:    map[string]string{"ids": ids},
		}); !r.Status {
			fmt.Fprintln(os.Stderr, r.Msg)
			os.Exit(1)
		}
	}

	for _, d := range startupDevices(props) {
		if r := exec.Execute(&management.PbCommand{Operation: management.OpAttach, Devices: []management.PbDeviceDefinition{d}}); !r.Status {
			fmt.Fprintf(os.Stderr, "attach %d:%d: %s\n", d.ID, d.Unit, r.Msg)
			os.Exit(1)
		}
	}

	overrides, err := management.ParseModePages(props)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	exec.ApplyModePageOverrides(overrides)

	auth, err := management.LoadAuthenticator(cli.TokenFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	policy := management.ImagePolicy{Folder: cli.ImageFolder, ScanDepth: cli.ScanDepth}
	disp := management.NewDispatcher(exec, auth, policy)
	exec.SetDispatcher(disp)
	srv := management.NewServer(disp)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for id := 0; id < management.MaxTargetID; id++ {
		go runServicingLoop(ctx, exec, id, log)
	}

	addr := fmt.Sprintf(":%d", cli.Port)
	go func() {
		if err := srv.ListenAndServe(addr); err != nil {
			log.Criticalf("management: %v", err)
		}
	}()
	log.Infof("s2pd listening on %s", addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Infof("received %s, shutting down", sig)
	case mode := <-disp.ShutdownRequests():
		log.Infof("shut down requested: mode=%s", mode)
	}
}

// runServicingLoop repeatedly services targetID until ctx is cancelled;
// RunServicing itself blocks inside WaitForSelection, so this never busy-waits.
func runServicingLoop(ctx context.Context, exec *management.Executor, targetID int, log *logging.Logger) {
	for {
		if err := exec.RunServicing(ctx, targetID); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Errorf("target %d: %v", targetID, err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// applyFlagOverrides layers the CLI flags on top of any property file
// already loaded, the same precedence direction config.Load documents.
func applyFlagOverrides(props *config.Properties) {
	props.Set(config.Port, strconv.Itoa(cli.Port))
	props.Set(config.ImageFolder, cli.ImageFolder)
	props.Set(config.ScanDepth, strconv.Itoa(cli.ScanDepth))
	if cli.TokenFile != "" {
		props.Set(config.TokenFile, cli.TokenFile)
	}
	props.Set(config.LogLevel, cli.LogLevel)
	if cli.ReservedIds != "" {
		props.Set(config.ReservedIDs, cli.ReservedIds)
	}
}

// startupDevices decodes "device.<id>[:<lun>].<field>" properties into
// ATTACH device definitions, one per distinct id[:lun] pair encountered.
func startupDevices(props *config.Properties) []management.PbDeviceDefinition {
	byKey := make(map[string]*management.PbDeviceDefinition)
	order := make([]string, 0)

	for key, value := range props.WithPrefix("device.") {
		dot := strings.Index(key, ".")
		if dot < 0 {
			continue
		}
		addr, field := key[:dot], key[dot+1:]

		id, lun := addr, "0"
		if colon := strings.Index(addr, ":"); colon >= 0 {
			id, lun = addr[:colon], addr[colon+1:]
		}

		def, ok := byKey[addr]
		if !ok {
			idn, err1 := strconv.Atoi(id)
			lunn, err2 := strconv.Atoi(lun)
			if err1 != nil || err2 != nil {
				continue
			}
			def = &management.PbDeviceDefinition{ID: int32(idn), Unit: int32(lunn), Params: map[string]string{}}
			byKey[addr] = def
			order = append(order, addr)
		}

		switch field {
		case "type":
			def.Type = value
		case "vendor":
			def.Vendor = value
		case "product":
			def.Product = value
		case "revision":
			def.Revision = value
		case "block_size":
			n, _ := strconv.Atoi(value)
			def.BlockSize = int32(n)
		default:
			def.Params[field] = value
		}
	}

	out := make([]management.PbDeviceDefinition, 0, len(order))
	for _, addr := range order {
		out = append(out, *byKey[addr])
	}
	return out
}
