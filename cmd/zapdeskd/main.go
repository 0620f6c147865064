package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"go.uber.org/fx"

	"zapdesk/internal/daemon"
	"zapdesk/internal/profile"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	listenFlag := flag.String("listen", "", "api listen address (overrides config)")
	flag.Parse()

	// Local .env is convenient in development; absence is fine.
	_ = godotenv.Load()

	name := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(name); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{Profile: name, ListenAddr: *listenFlag}),
	)

	app.Run()
}
