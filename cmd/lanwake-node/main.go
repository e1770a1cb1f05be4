// Command lanwake-node runs the LAN node: host discovery, Wake-on-LAN,
// and (in agent mode) the persistent C&C connection.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/lanwake/lanwake/internal/agent"
	"github.com/lanwake/lanwake/internal/config"
	"github.com/lanwake/lanwake/internal/diag"
	"github.com/lanwake/lanwake/internal/netscan"
	"github.com/lanwake/lanwake/internal/scanner"
	"github.com/lanwake/lanwake/internal/store"
	"github.com/lanwake/lanwake/internal/telemetry"
	"github.com/lanwake/lanwake/internal/transport"
	"github.com/lanwake/lanwake/internal/wol"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	checkConfig := flag.Bool("check", false, "validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("lanwake-node %s (protocol %s)\n", agent.Version, transport.ProtocolVersion)
		return
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
		os.Exit(1)
	}
	if *checkConfig {
		fmt.Println("configuration ok")
		return
	}

	log := newLogger(cfg)
	log.Info().
		Str("version", agent.Version).
		Str("mode", cfg.Agent.Mode).
		Str("db", cfg.Database.Path).
		Msg("lanwake-node starting")

	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	hosts := store.New(log, db)
	disc := netscan.NewDiscovery(log, cfg.Network.PingTimeout)
	scans := scanner.New(log, hosts, disc, scanner.Config{
		PingConcurrency:   cfg.Network.PingConcurrency,
		UsePingValidation: cfg.Network.UsePingValidation,
		ScanInterval:      cfg.Network.ScanInterval,
		ScanDelay:         cfg.Network.ScanDelay,
	})
	tel := telemetry.New()

	diagSrv := diag.New(log, tel, cfg.Server.Host, cfg.Server.Port)
	diagSrv.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var nodeAgent *agent.Agent
	if cfg.Agent.Mode == config.ModeAgent {
		nodeAgent = agent.New(cfg, log, agent.Deps{
			Hosts:     hosts,
			Scans:     scans,
			Prober:    disc,
			Telemetry: tel,
			WolSend:   wol.Send,
		})

		tokens := transport.NewTokenSource(log, transport.TokenConfig{
			URL:            cfg.Agent.SessionTokenURL,
			BootstrapToken: cfg.Agent.AuthToken,
			NodeID:         cfg.Agent.NodeID,
			RequestTimeout: cfg.Agent.SessionTokenRequestTimeout,
			RefreshBuffer:  cfg.Agent.SessionTokenRefreshBuffer,
		})
		client := transport.NewClient(log, transport.Config{
			CNCURL:               cfg.Agent.CNCURL,
			NodeID:               cfg.Agent.NodeID,
			Location:             cfg.Agent.Location,
			PublicURL:            cfg.Agent.PublicURL,
			Version:              agent.Version,
			AllowQueryToken:      cfg.Agent.AllowQueryTokenFallback,
			HeartbeatInterval:    cfg.Agent.HeartbeatInterval,
			ReconnectInterval:    cfg.Agent.ReconnectInterval,
			MaxReconnectAttempts: cfg.Agent.MaxReconnectAttempts,
		}, tokens, tel, nodeAgent)
		nodeAgent.SetTransport(client)

		nodeAgent.Run(ctx)
		scans.StartPeriodic(ctx, false)
	} else {
		scans.StartPeriodic(ctx, true)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info().Msg("shutdown signal received")

	if nodeAgent != nil {
		nodeAgent.Stop()
	}
	scans.StopPeriodic()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := diagSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("diagnostics shutdown failed")
	}

	log.Info().Msg("lanwake-node stopped")
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Logging.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Server.Env == "production" {
		return zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	out := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}
	return zerolog.New(out).With().Timestamp().Logger()
}
