// Package main prints a fresh realtime identity-token signing key.
//
//	eval "$(hmac-key -export)"
package main

import (
	"flag"
	"os"

	"github.com/treasureparty/partysync/internal/platform/config"
	"github.com/treasureparty/partysync/internal/tools/hmackey"
)

func main() {
	cfg, err := hmackey.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("hmac-key: parse flags: %v", err)
	}
	if err := hmackey.Run(cfg, os.Stdout, nil); err != nil {
		config.Exitf("hmac-key: %v", err)
	}
}
