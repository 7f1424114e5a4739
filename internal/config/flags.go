package config

import (
	"flag"
	"os"
	"time"

	"github.com/halcyon-im/halcyon/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-r string   relay (queue/send) endpoint
//	-d string   directory endpoint
//	-db string  local sqlite DSN
//	-b int      inbox fetch batch size
//	-t int      direct-send timeout in seconds
//
// The function filters os.Args to only include the flags it knows about,
// using flagx.FilterArgs, to avoid interference with other components.
func parseFlags(cfg *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-r", "-d", "-db", "-b", "-t"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&cfg.RelayEndpoint, "r", cfg.RelayEndpoint, "relay endpoint (queue and send APIs)")
	fs.StringVar(&cfg.DirectoryEndpoint, "d", cfg.DirectoryEndpoint, "public-key directory endpoint")
	fs.StringVar(&cfg.DatabaseDSN, "db", cfg.DatabaseDSN, "local sqlite DSN")
	fs.IntVar(&cfg.BatchSize, "b", cfg.BatchSize, "inbox fetch batch size")
	sendTimeout := fs.Int("t", int(cfg.SendTimeout.Seconds()), "direct-send timeout (in seconds)")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	cfg.SendTimeout = time.Duration(*sendTimeout) * time.Second
}
