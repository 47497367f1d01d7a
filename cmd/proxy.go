package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"hotrelay"
)

func main() {
	port := flag.Int("p", 0, "listen port (default 9134)")
	controlPath := flag.String("u", "", "control-socket path (enables hot handover)")
	configPath := flag.String("c", "", "path to configuration file (.toml or .yaml)")
	help := flag.Bool("h", false, "print usage and exit")
	flag.Parse()

	if *help {
		fmt.Fprintf(os.Stderr, "%s [-p port] [-u socket-path]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "default port: %d\n", hotrelay.DefaultPort)
		os.Exit(0)
	}

	config := hotrelay.LoadConfig(*configPath)
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "p":
			config.Port = *port
		case "u":
			config.ControlSocketPath = *controlPath
		}
	})

	initLog(config)
	hotrelay.RaiseFdLimit()

	events := hotrelay.EventRouterFromConfig(context.Background(), config)
	relay, err := hotrelay.NewRelay(config, events)
	if err != nil {
		log.Fatal().Msgf("initializing relay: %+v", err)
	}
	if err := relay.StartHandover(config.Port, config.ControlSocketPath); err != nil {
		log.Fatal().Msgf("starting handover: %+v", err)
	}
	log.Info().Msgf("starting hotrelay on port %d", config.Port)
	if err := relay.Run(); err != nil {
		log.Fatal().Msgf("relay exited: %+v", err)
	}
}

func initLog(config *hotrelay.Config) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	level, err := zerolog.ParseLevel(config.Global.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}
