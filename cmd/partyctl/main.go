// Package main runs partyctl, the party command-line client.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	partyctlcmd "github.com/treasureparty/partysync/internal/cmd/partyctl"
)

func main() {
	cfg, err := partyctlcmd.ParseConfig(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		os.Exit(2)
	}
	log.SetPrefix("[PARTYCTL] ")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := partyctlcmd.Run(ctx, cfg, os.Stdout); err != nil {
		log.Fatal(partyctlcmd.Describe(cfg, err))
	}
}
