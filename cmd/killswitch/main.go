// Operator tool: inspect or flip the persisted kill switch.
//
// Usage:
//
//	go run ./cmd/killswitch status
//	go run ./cmd/killswitch --reason "broker outage" on
//	go run ./cmd/killswitch off
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"tradepipe/internal/cli"
	"tradepipe/internal/store"
)

func main() {
	var (
		cfgFlag = flag.String("config", "", "config file (default $TRADEPIPE_CONFIG or config/tradepipe.yaml)")
		stateDB = flag.String("state-db", "", "state database path (overrides config)")
		reason  = flag.String("reason", "manual", "reason recorded with on/off")
	)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: killswitch [flags] status|on|off\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(cli.ExitFailure)
	}

	cfg, err := cli.LoadConfig(cli.ConfigPath(*cfgFlag), *cfgFlag != "")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *stateDB != "" {
		cfg.Storage.StateDB = *stateDB
	}

	st, err := store.NewSQLiteStore(cfg.Storage.StateDB)
	if err != nil {
		log.Fatalf("opening state db: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	switch cmd := flag.Arg(0); cmd {
	case "status":
		on, err := st.KillSwitch(ctx)
		if err != nil {
			log.Fatalf("reading kill switch: %v", err)
		}
		if on {
			fmt.Println("kill switch: ON")
			st.Close()
			os.Exit(cli.ExitKillSwitch)
		}
		fmt.Println("kill switch: OFF")
	case "on", "off":
		if err := st.SetKillSwitch(ctx, cmd == "on", *reason); err != nil {
			log.Fatalf("setting kill switch: %v", err)
		}
		fmt.Printf("kill switch: %s (%s)\n", map[bool]string{true: "ON", false: "OFF"}[cmd == "on"], *reason)
	default:
		flag.Usage()
		st.Close()
		os.Exit(cli.ExitFailure)
	}
}
