// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command s2pctl is the management-plane client: it frames one PbCommand
// per invocation over the wire protocol s2pd listens on and prints the
// decoded PbResult.
package main

import (
	"fmt"
	"net"
	"strconv"

	"github.com/alecthomas/kong"
	"github.com/davecgh/go-spew/spew"

	"github.com/scsi2pi-go/s2p/pkg/cmdutil"
	"github.com/scsi2pi-go/s2p/pkg/management"
)

// globals carries the connection and output flags every subcommand shares.
type globals struct {
	Host string `flag:"" default:"localhost" help:"Management server host"`
	Port int    `flag:"" default:"6868" help:"Management server port"`
	Dump bool   `flag:"" help:"Dump the full decoded result with go-spew instead of a summary line"`

	cmdutil.TokenEmbed
}

var cli struct {
	globals

	Attach       attachCmd       `cmd:"" help:"Attach a new device"`
	Detach       detachCmd       `cmd:"" help:"Detach a device"`
	DetachAll    detachAllCmd    `cmd:"" help:"Detach every device on every target"`
	Insert       insertCmd       `cmd:"" help:"Insert a medium into a removable device"`
	Eject        ejectCmd        `cmd:"" help:"Eject the medium from a removable device"`
	Start        startCmd        `cmd:"" help:"Start a stopped device"`
	Stop         stopCmd         `cmd:"" help:"Stop a device"`
	Protect      protectCmd      `cmd:"" help:"Write-protect a device"`
	Unprotect    unprotectCmd    `cmd:"" help:"Remove write protection from a device"`
	ReserveIds   reserveIdsCmd   `cmd:"" help:"Reserve target IDs against ATTACH"`
	Devices      devicesCmd      `cmd:"" help:"List attached devices"`
	LogLevel     logLevelCmd     `cmd:"" help:"Set the global or a device-scoped log level"`
	Version      versionCmd      `cmd:"" help:"Print the daemon's version"`
	Shutdown     shutdownCmd     `cmd:"" help:"Request the daemon to shut down"`
	CreateImage  createImageCmd  `cmd:"" help:"Create a new image file"`
	DeleteImage  deleteImageCmd  `cmd:"" help:"Delete an image file"`
	RenameImage  renameImageCmd  `cmd:"" help:"Rename an image file"`
	CopyImage    copyImageCmd    `cmd:"" help:"Copy an image file"`
	ProtectImage protectImageCmd `cmd:"" help:"Mark an image file read-only"`
}

type context struct {
	g *globals
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("s2pctl"),
		kong.Description("Management client for the s2pd SCSI target daemon"),
		kong.UsageOnError(),
		kong.NamedMapper("accessiblefile", cmdutil.AccessibleFileMapper()),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true, Summary: true}),
	)
	err := ctx.Run(&context{g: &cli.globals})
	ctx.FatalIfErrorf(err)
}

// send dials the daemon, sends one command, and either dumps or summarizes
// the result.
func (g *globals) send(cmd *management.PbCommand) error {
	token, err := g.Resolve()
	if err != nil {
		return err
	}
	cmd.Token = token

	addr := net.JoinHostPort(g.Host, strconv.Itoa(g.Port))
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("s2pctl: dial %s: %w", addr, err)
	}
	defer conn.Close()

	result, err := management.SendCommand(conn, cmd, true)
	if err != nil {
		return fmt.Errorf("s2pctl: %w", err)
	}

	if g.Dump {
		spew.Dump(result)
		return nil
	}
	return summarize(result)
}

func summarize(r *management.PbResult) error {
	if !r.Status {
		return fmt.Errorf("s2pctl: %s", r.Msg)
	}
	if r.Msg != "" {
		fmt.Println(r.Msg)
	}
	if r.VersionMajor != 0 || r.VersionMinor != 0 || r.VersionPatch != 0 {
		fmt.Printf("%d.%d.%d\n", r.VersionMajor, r.VersionMinor, r.VersionPatch)
	}
	for _, d := range r.DeviceList {
		fmt.Printf("%d:%d  %-6s  %s\n", d.ID, d.Unit, d.Type, d.Params["file"])
	}
	if len(r.DeviceList) == 0 && r.Msg == "" && r.VersionMajor == 0 {
		fmt.Println("OK")
	}
	return nil
}

type deviceAddr struct {
	ID  int `flag:"" required:"" short:"i" help:"Target ID"`
	Lun int `flag:"" default:"0" short:"u" help:"Logical unit number"`
}

func (a deviceAddr) def() management.PbDeviceDefinition {
	return management.PbDeviceDefinition{ID: int32(a.ID), Unit: int32(a.Lun)}
}

type attachCmd struct {
	deviceAddr
	Type      string `flag:"" optional:"" help:"Device type (SCHD, SCRM, SCCD, SCMO, SAHD, SCTP, SCLP, SCHS, SCSG); inferred from --file if omitted"`
	File      string `flag:"" optional:"" type:"accessiblefile" help:"Backing image file"`
	Vendor    string `flag:"" optional:""`
	Product   string `flag:"" optional:""`
	Revision  string `flag:"" optional:""`
	BlockSize int    `flag:"" optional:"" help:"Block size in bytes"`
}

func (c *attachCmd) Run(ctx *context) error {
	d := c.def()
	d.Type = c.Type
	d.Vendor, d.Product, d.Revision = c.Vendor, c.Product, c.Revision
	d.BlockSize = int32(c.BlockSize)
	if c.File != "" {
		d.Params = map[string]string{"file": c.File}
	}
	return ctx.g.send(&management.PbCommand{Operation: management.OpAttach, Devices: []management.PbDeviceDefinition{d}})
}

type detachCmd struct{ deviceAddr }

func (c *detachCmd) Run(ctx *context) error {
	return ctx.g.send(&management.PbCommand{Operation: management.OpDetach, Devices: []management.PbDeviceDefinition{c.def()}})
}

type detachAllCmd struct{}

func (c *detachAllCmd) Run(ctx *context) error {
	return ctx.g.send(&management.PbCommand{Operation: management.OpDetachAll})
}

type insertCmd struct {
	deviceAddr
	File string `flag:"" optional:"" type:"accessiblefile" help:"Medium to insert; omit to reuse the last-ejected filename"`
}

func (c *insertCmd) Run(ctx *context) error {
	d := c.def()
	if c.File != "" {
		d.Params = map[string]string{"file": c.File}
	}
	return ctx.g.send(&management.PbCommand{Operation: management.OpInsert, Devices: []management.PbDeviceDefinition{d}})
}

type ejectCmd struct{ deviceAddr }

func (c *ejectCmd) Run(ctx *context) error {
	return ctx.g.send(&management.PbCommand{Operation: management.OpEject, Devices: []management.PbDeviceDefinition{c.def()}})
}

type startCmd struct{ deviceAddr }

func (c *startCmd) Run(ctx *context) error {
	return ctx.g.send(&management.PbCommand{Operation: management.OpStart, Devices: []management.PbDeviceDefinition{c.def()}})
}

type stopCmd struct{ deviceAddr }

func (c *stopCmd) Run(ctx *context) error {
	return ctx.g.send(&management.PbCommand{Operation: management.OpStop, Devices: []management.PbDeviceDefinition{c.def()}})
}

type protectCmd struct{ deviceAddr }

func (c *protectCmd) Run(ctx *context) error {
	return ctx.g.send(&management.PbCommand{Operation: management.OpProtect, Devices: []management.PbDeviceDefinition{c.def()}})
}

type unprotectCmd struct{ deviceAddr }

func (c *unprotectCmd) Run(ctx *context) error {
	return ctx.g.send(&management.PbCommand{Operation: management.OpUnprotect, Devices: []management.PbDeviceDefinition{c.def()}})
}

type reserveIdsCmd struct {
	Ids string `flag:"" required:"" help:"Comma-separated target IDs, or empty to clear"`
}

func (c *reserveIdsCmd) Run(ctx *context) error {
	return ctx.g.send(&management.PbCommand{Operation: management.OpReserveIds, Params: map[string]string{"ids": c.Ids}})
}

type devicesCmd struct{}

func (c *devicesCmd) Run(ctx *context) error {
	return ctx.g.send(&management.PbCommand{Operation: management.OpDevicesInfo})
}

type logLevelCmd struct {
	Level string `flag:"" required:"" help:"trace, debug, info, warn, error, critical, or off"`
	ID    int    `flag:"" optional:"" default:"-1" help:"Scope to one target ID"`
	Lun   int    `flag:"" optional:"" default:"-1" help:"Scope to one LUN (requires --id)"`
}

func (c *logLevelCmd) Run(ctx *context) error {
	level := c.Level
	if c.ID >= 0 {
		level += ":" + strconv.Itoa(c.ID)
		if c.Lun >= 0 {
			level += ":" + strconv.Itoa(c.Lun)
		}
	}
	return ctx.g.send(&management.PbCommand{Operation: management.OpLogLevel, Params: map[string]string{"level": level}})
}

type versionCmd struct{}

func (c *versionCmd) Run(ctx *context) error {
	return ctx.g.send(&management.PbCommand{Operation: management.OpVersionInfo})
}

type shutdownCmd struct {
	Mode string `flag:"" default:"rascsi" enum:"rascsi,system,reboot" help:"rascsi stops only this daemon; system/reboot require root on the daemon host"`
}

func (c *shutdownCmd) Run(ctx *context) error {
	return ctx.g.send(&management.PbCommand{Operation: management.OpShutDown, Params: map[string]string{"mode": c.Mode}})
}

type createImageCmd struct {
	File     string `flag:"" required:"" help:"Path, relative to the daemon's image folder"`
	Size     int64  `flag:"" required:"" help:"Size in bytes, a multiple of 512"`
	ReadOnly bool   `flag:"" optional:""`
}

func (c *createImageCmd) Run(ctx *context) error {
	params := map[string]string{"file": c.File, "size": strconv.FormatInt(c.Size, 10)}
	if c.ReadOnly {
		params["read_only"] = "true"
	}
	return ctx.g.send(&management.PbCommand{Operation: management.OpCreateImage, Params: params})
}

type deleteImageCmd struct {
	File string `flag:"" required:""`
}

func (c *deleteImageCmd) Run(ctx *context) error {
	return ctx.g.send(&management.PbCommand{Operation: management.OpDeleteImage, Params: map[string]string{"file": c.File}})
}

type renameImageCmd struct {
	File string `flag:"" required:""`
	To   string `flag:"" required:""`
}

func (c *renameImageCmd) Run(ctx *context) error {
	return ctx.g.send(&management.PbCommand{Operation: management.OpRenameImage, Params: map[string]string{"file": c.File, "to": c.To}})
}

type copyImageCmd struct {
	File string `flag:"" required:""`
	To   string `flag:"" required:""`
}

func (c *copyImageCmd) Run(ctx *context) error {
	return ctx.g.send(&management.PbCommand{Operation: management.OpCopyImage, Params: map[string]string{"file": c.File, "to": c.To}})
}

type protectImageCmd struct {
	File      string `flag:"" required:""`
	Unprotect bool   `flag:"" optional:"" help:"Remove protection instead of setting it"`
}

func (c *protectImageCmd) Run(ctx *context) error {
	op := management.OpProtectImage
	if c.Unprotect {
		op = management.OpUnprotectImage
	}
	return ctx.g.send(&management.PbCommand{Operation: op, Params: map[string]string{"file": c.File}})
}
