// Copyright (C) 2024 Barobo, Inc. All Rights Reserved.

// Program dongled is the host-resident daemon that brokers communication
// between local client applications and a fleet of robots reachable
// through a single USB radio dongle. It also carries a small "pack"/
// "unpack" pair of diagnostic subcommands for inspecting the addressed
// packet wire format by hand, without hardware attached — the same role
// cmd/chirp's "pack" command plays for Chirp's own packet encoding, adapted
// here to this daemon's AddressedPacket framing instead of its general
// pattern-driven packing DSL.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/barobo/dongled/dongle"
	"github.com/barobo/dongled/router"
	"github.com/barobo/dongled/serialid"
	"github.com/barobo/dongled/supervisor"
	"github.com/creachadair/command"
	"github.com/creachadair/flax"
)

// settings holds the daemon's command-line configuration, bound to flags
// via flax the way a cmd/chirp-shaped tool would, rather than hand-rolling
// flag.FlagSet calls for each field.
type settings struct {
	Addr       string `flag:"addr,default=127.0.0.1:42000,Control-plane listen address"`
	Device     string `flag:"device,,Serial device path; bypasses USB discovery when set"`
	LogLevel   string `flag:"log-level,default=info,Log level: debug, info, warn, or error"`
	LogJSON    bool   `flag:"log-json,,Emit logs as JSON instead of text"`
	PollMillis int    `flag:"poll-interval-ms,default=500,Discovery poll interval in milliseconds"`
	Baud       int    `flag:"baud,default=230400,Serial baud rate"`
}

func main() {
	var cfg settings

	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "dongled brokers USB dongle access to per-robot TCP proxies.",
		SetFlags: func(_ *command.Env, fs *flag.FlagSet) {
			flax.MustBind(fs, &cfg)
		},
		Commands: []*command.C{
			{
				Name: "serve",
				Help: "Run the daemon until SIGINT or SIGTERM.",
				Run: func(env *command.Env) error {
					return runServe(cfg)
				},
			},
			{
				Name:  "pack",
				Usage: "<serial> <port> <hex-payload>",
				Help:  "Encode an AddressedPacket as hex, for exercising the wire format by hand.",
				Run:   runPack,
			},
			{
				Name:  "unpack",
				Usage: "<hex>",
				Help:  "Decode a hex-encoded AddressedPacket.",
				Run:   runUnpack,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func runServe(cfg settings) error {
	log := slog.New(newLogHandler(cfg))

	var opts []dongle.Option
	if cfg.Baud > 0 {
		opts = append(opts, dongle.WithBaudRate(cfg.Baud))
	}
	if cfg.PollMillis > 0 {
		opts = append(opts, dongle.WithPollInterval(time.Duration(cfg.PollMillis)*time.Millisecond))
	}

	sup := supervisor.New(supervisor.Config{
		Log:         log,
		ControlAddr: cfg.Addr,
		DevicePath:  cfg.Device,
		DongleOpts:  opts,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("dongled starting", "addr", cfg.Addr, "device", cfg.Device)
	if err := sup.Run(ctx); err != nil {
		return fmt.Errorf("dongled: %w", err)
	}
	return nil
}

func newLogHandler(cfg settings) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}
	if cfg.LogJSON {
		return slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.NewTextHandler(os.Stderr, opts)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func runPack(env *command.Env) error {
	if len(env.Args) != 3 {
		return env.Usagef("want <serial> <port> <hex-payload>")
	}
	id, err := serialid.Parse(env.Args[0])
	if err != nil {
		return err
	}
	port, err := strconv.ParseUint(env.Args[1], 10, 8)
	if err != nil {
		return fmt.Errorf("invalid port %q: %w", env.Args[1], err)
	}
	payload, err := hex.DecodeString(env.Args[2])
	if err != nil {
		return fmt.Errorf("invalid hex payload: %w", err)
	}
	pkt := router.AddressedPacket{Serial: id, Port: uint8(port), Payload: payload}
	fmt.Println(hex.EncodeToString(pkt.Encode()))
	return nil
}

func runUnpack(env *command.Env) error {
	if len(env.Args) != 1 {
		return env.Usagef("want <hex>")
	}
	data, err := hex.DecodeString(env.Args[0])
	if err != nil {
		return fmt.Errorf("invalid hex: %w", err)
	}
	pkt, err := router.DecodeAddressedPacket(data)
	if err != nil {
		return err
	}
	fmt.Printf("serial=%s port=%d payload=%s\n", pkt.Serial, pkt.Port, hex.EncodeToString(pkt.Payload))
	return nil
}
