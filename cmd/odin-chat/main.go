// Command odin-chat is the chat server process entrypoint: it loads
// configuration, wires every component graph the three Channel Servers
// share, and runs until stdin sees "exit"/"quit" or a termination signal
// arrives (§6). Grounded on ws/main.go's flag/config/signal-handling
// shape, widened from one WebSocket server to three TCP Channel Servers
// sharing one envelope demultiplexer.
package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"odin-chat-server/internal/auth"
	"odin-chat-server/internal/cache"
	"odin-chat-server/internal/channel"
	"odin-chat-server/internal/config"
	"odin-chat-server/internal/demux"
	"odin-chat-server/internal/filemanager"
	"odin-chat-server/internal/handlers/command"
	"odin-chat-server/internal/handlers/message"
	"odin-chat-server/internal/logging"
	"odin-chat-server/internal/metrics"
	"odin-chat-server/internal/presencebus"
	"odin-chat-server/internal/raceguard"
	"odin-chat-server/internal/ratelimit"
	"odin-chat-server/internal/reactor"
	"odin-chat-server/internal/registry"
	"odin-chat-server/internal/store"
	"odin-chat-server/internal/sysmonitor"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: odin-chat <mysql-config.json> [msg_port cmd_port data_port]")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: logging.Format(cfg.LogFormat)})

	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("starting odin-chat-server")

	storeCfg, err := config.LoadStoreConfig(os.Args[1])
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load mysql config")
	}
	applyPortOverrides(cfg, os.Args[2:])

	st, err := store.Open(storeCfg.DSN())
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}

	busLogger := logger.With().Str("component", "presencebus").Logger()
	var bus *presencebus.Bus
	if cfg.PresenceBusURL != "" {
		bus, err = presencebus.Connect(cfg.PresenceBusURL, busLogger)
	} else {
		bus, err = presencebus.Start(busLogger)
	}
	if err != nil {
		logger.Warn().Err(err).Msg("presence bus unavailable, falling back to direct delivery")
		bus = nil
	}
	defer func() {
		if bus != nil {
			bus.Close()
		}
	}()

	reg := registry.New(
		time.Duration(cfg.HeartbeatTimeout)*time.Second,
		logger.With().Str("component", "registry").Logger(),
		bus,
	)
	reg.StartHeartbeatSweep(time.Duration(cfg.HeartbeatInterval) * time.Second)
	defer reg.Stop()

	monitor, err := sysmonitor.New(cfg.CPURejectThreshold, cfg.CPUPauseThreshold)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start CPU monitor")
	}
	monitor.Start(5 * time.Second)

	metricsReg := metrics.New()
	go serveMetrics(cfg.MetricsAddr, metricsReg, logger)

	relation := cache.NewRelationCache(time.Duration(cfg.RelationCacheTTLHours) * time.Hour)
	groups := cache.NewGroupInfoCache()
	presence := cache.NewPresenceCache()
	veriCodes := cache.NewVerifyCodeCache(time.Duration(cfg.VerificationCodeTTLSeconds) * time.Second)
	tokens := auth.NewConnectionTokenManager(cfg.JWTSecret, time.Duration(cfg.JWTTokenTTLSeconds)*time.Second)
	race := raceguard.New()

	files, err := filemanager.New(cfg.FileStorageRoot, st)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start file manager")
	}

	commandHandler := command.New(command.Config{
		Store:             st,
		Registry:          reg,
		Relation:          relation,
		Groups:            groups,
		Presence:          presence,
		VerifyCodes:       veriCodes,
		Tokens:            tokens,
		RaceGuard:         race,
		Bus:               bus,
		Files:             files,
		Metrics:           metricsReg,
		Logger:            logger.With().Str("component", "command").Logger(),
		HeartbeatInterval: time.Duration(cfg.HeartbeatInterval) * time.Second,
		DownloadPace:      time.Duration(cfg.DownloadPaceMicros) * time.Microsecond,
	})
	messageHandler := message.New(st, reg, relation, groups, metricsReg, logger.With().Str("component", "message").Logger())

	actionLimiter := ratelimit.NewActionLimiter(cfg.ActionRatePerSec, cfg.ActionRateBurst)
	demuxer := demux.New(demux.Config{
		Messages:         messageHandler,
		Commands:         commandHandler,
		Files:            commandHandler,
		Actions:          actionLimiter,
		Metrics:          metricsReg,
		Logger:           logger.With().Str("component", "demux").Logger(),
		MaxParseFailures: cfg.ProtocolErrorMax,
		FailureWindow:    time.Duration(cfg.ProtocolErrorWindowSeconds) * time.Second,
	})

	connLimiter := ratelimit.NewConnectionLimiter(
		cfg.ConnRateIPBurst, cfg.ConnRateIPPerSec,
		cfg.ConnRateGlobalBurst, cfg.ConnRateGlobalPerSec,
		10*time.Minute,
	)

	pool := reactor.New(cfg.WorkerPoolSize, cfg.WorkerQueueSize, logger.With().Str("component", "reactor").Logger())
	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)

	servers := []*channel.Server{
		channel.New(channel.Config{
			Name: channel.NameMessage, Addr: fmt.Sprintf(":%d", cfg.MsgPort),
			Pool: pool, Handler: demuxer, ConnLimiter: connLimiter, Monitor: monitor,
			Metrics: metricsReg, Logger: logger, MaxFrameBytes: cfg.MaxFrameBytes,
		}),
		channel.New(channel.Config{
			Name: channel.NameCommand, Addr: fmt.Sprintf(":%d", cfg.CmdPort),
			Pool: pool, Handler: demuxer, ConnLimiter: connLimiter, Monitor: monitor,
			Metrics: metricsReg, Logger: logger, MaxFrameBytes: cfg.MaxFrameBytes,
		}),
		channel.New(channel.Config{
			Name: channel.NameData, Addr: fmt.Sprintf(":%d", cfg.DataPort),
			Pool: pool, Handler: demuxer, ConnLimiter: connLimiter, Monitor: monitor,
			Metrics: metricsReg, Logger: logger, MaxFrameBytes: cfg.MaxFrameBytes,
		}),
	}
	for _, s := range servers {
		s := s
		go func() {
			if err := s.ListenAndServe(ctx); err != nil {
				logger.Error().Err(err).Msg("channel server exited")
			}
		}()
	}
	logger.Info().Int("msg_port", cfg.MsgPort).Int("cmd_port", cfg.CmdPort).Int("data_port", cfg.DataPort).Msg("channel servers listening")

	waitForShutdown(logger)

	logger.Info().Msg("shutting down")
	cancel()
	for _, s := range servers {
		_ = s.Close()
	}
	pool.Stop()
}

// applyPortOverrides implements §6's optional positional port arguments,
// falling back to the env-configured defaults when omitted.
func applyPortOverrides(cfg *config.Config, args []string) {
	ports := []*int{&cfg.MsgPort, &cfg.CmdPort, &cfg.DataPort}
	for i, arg := range args {
		if i >= len(ports) {
			break
		}
		if p, err := strconv.Atoi(arg); err == nil {
			*ports[i] = p
		}
	}
}

func serveMetrics(addr string, reg *metrics.Registry, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", reg.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error().Err(err).Msg("metrics server exited")
	}
}

// waitForShutdown blocks until stdin sees "exit"/"quit" (§6) or the
// process receives SIGINT/SIGTERM.
func waitForShutdown(logger zerolog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	stdinCh := make(chan struct{})
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			switch strings.TrimSpace(scanner.Text()) {
			case "exit", "quit":
				close(stdinCh)
				return
			}
		}
	}()

	select {
	case <-sigCh:
		logger.Info().Msg("received termination signal")
	case <-stdinCh:
		logger.Info().Msg("received exit command on stdin")
	}
}
