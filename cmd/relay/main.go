// Command relay runs a standalone sync client: it joins (or creates) a
// session, publishes a wandering local player, mirrors the remote
// state, and relays chat typed on stdin. Useful for soaking a backend
// and for watching a session without a game attached.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/opencoop/relay/internal/backend"
	"github.com/opencoop/relay/internal/batch"
	"github.com/opencoop/relay/internal/chat"
	"github.com/opencoop/relay/internal/config"
	"github.com/opencoop/relay/internal/delta"
	"github.com/opencoop/relay/internal/directory"
	"github.com/opencoop/relay/internal/engine"
	"github.com/opencoop/relay/internal/influx"
	"github.com/opencoop/relay/internal/journal"
	"github.com/opencoop/relay/internal/logging"
	"github.com/opencoop/relay/internal/metrics"
	"github.com/opencoop/relay/pkg/core"
)

var (
	Version   = "0.0.1"
	BuildDate = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "relay:", err)
		os.Exit(1)
	}
}

func run() error {
	configDir := "."
	if len(os.Args) > 1 {
		configDir = os.Args[1]
	}
	if err := config.Load(configDir); err != nil {
		return err
	}

	logsDir := config.GetString("logsDir")
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("create logs dir: %w", err)
	}
	sessionStart := time.Now()
	logFile, err := os.Create(logging.LogFilePath(logsDir, "relay", sessionStart))
	if err != nil {
		return fmt.Errorf("create log file: %w", err)
	}
	defer logFile.Close()

	slogMgr := logging.NewSlogManager()
	slogMgr.Setup(logFile, config.GetString("logLevel"))
	log := slogMgr.Logger()
	log.Info("relay starting", "version", Version, "buildDate", BuildDate)

	level := config.GetString("logLevel")
	rootLog := logging.NewComponentLogger(logFile, "relay", level)

	client, err := backend.New(backend.OptionsFromConfig())
	if err != nil {
		return err
	}

	var rec *journal.Recorder
	if config.GetBool("journal.enabled") {
		rec = journal.NewRecorder(logging.NewComponentLogger(logFile, "journal", level))
		if err := rec.Connect(
			config.GetString("journal.driver"),
			config.GetString("journal.path"),
			config.GetString("journal.dsn"),
		); err != nil {
			log.Warn("journal disabled", "error", err)
			rec = nil
		} else {
			defer rec.Close()
		}
	}

	var flux *influx.Manager
	if config.GetBool("influx.enabled") {
		flux = influx.NewManager(
			logging.NewComponentLogger(logFile, "influx", level),
			logging.LogFilePath(logsDir, "influx_backup", sessionStart)+".gz",
		)
		if err := flux.Connect(); err != nil {
			log.Warn("influx disabled", "error", err)
			flux = nil
		} else {
			defer flux.Close()
		}
	}

	var eng *engine.Engine
	m, err := metrics.New(func() int {
		if eng == nil {
			return 0
		}
		return eng.QueueDepth()
	})
	if err != nil {
		log.Warn("metrics disabled", "error", err)
	}

	eng = engine.New(client, rootLog, rec, m, engine.Options{
		LocalID:   uuid.NewString(),
		LocalName: localName(),
		Region:    config.GetString("region"),
		Directory: directory.Options{
			MaxPlayers:          config.GetInt("session.maxPlayers"),
			HeartbeatInterval:   config.GetDuration("session.heartbeatInterval"),
			HealthCheckInterval: config.GetDuration("session.healthCheckInterval"),
			StaleAfter:          config.GetDuration("session.staleAfter"),
			ExpireAfter:         config.GetDuration("session.expireAfter"),
		},
		PlayerFetchCooldown:      config.GetDuration("sync.playerFetchCooldown"),
		VehicleFetchCooldown:     config.GetDuration("sync.vehicleFetchCooldown"),
		EnvironmentFetchCooldown: config.GetDuration("sync.environmentFetchCooldown"),
		EntityTTL:                config.GetDuration("sync.entityTTL"),
		InterestRadius:           config.GetFloat64("sync.interestRadius"),
		VehicleRadiusFactor:      config.GetFloat64("sync.vehicleRadiusFactor"),
		Delta: delta.Options{
			PlayerMoveThreshold:  config.GetFloat64("sync.playerMoveThreshold"),
			VehicleMoveThreshold: config.GetFloat64("sync.vehicleMoveThreshold"),
			HeadingThreshold:     config.GetFloat64("sync.headingThreshold"),
		},
		Batch: batch.Options{
			Tick:    config.GetDuration("batch.tick"),
			MaxSize: config.GetInt("batch.maxSize"),
		},
		Chat: chat.Options{
			FetchCooldown: config.GetDuration("chat.fetchCooldown"),
			HistoryLimit:  config.GetInt("chat.historyLimit"),
			MaxTextLength: config.GetInt("chat.maxTextLength"),
			MaxNameLength: config.GetInt("chat.maxNameLength"),
		},
		ShutdownTimeout: config.GetDuration("session.shutdownTimeout"),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, err := eng.AutoJoin(ctx)
	if err != nil {
		return fmt.Errorf("auto join: %w", err)
	}
	log.Info("in session", "session", sess.String(), "hosting", eng.IsHost())
	eng.Start(ctx)

	go relayStdinChat(ctx, eng, log)
	loop(ctx, eng, flux, log)

	return eng.Shutdown()
}

// loop drives publish and fetch at the engine's recommended cadence
// until the context is cancelled.
func loop(ctx context.Context, eng *engine.Engine, flux *influx.Manager, log *slog.Logger) {
	pos := core.Position3D{X: 100, Y: 100}
	heading := 0.0
	statsTicker := time.NewTicker(10 * time.Second)
	defer statsTicker.Stop()

	for {
		interval := eng.RecommendedPublishInterval()
		select {
		case <-ctx.Done():
			return
		case <-statsTicker.C:
			stats := eng.Stats()
			log.Info("sync stats", "stats", stats.String(), "queueDepth", eng.QueueDepth())
			if flux != nil {
				sess, _ := eng.Session()
				role := "member"
				if eng.IsHost() {
					role = "host"
				}
				if err := flux.WriteSyncStats(sess.ID, role, stats, eng.QueueDepth()); err != nil {
					log.Warn("stats export failed", "error", err)
				}
			}
		case <-time.After(interval):
		}

		// Random walk so remote viewers see movement.
		pos.X += rand.Float64()*2 - 1
		pos.Y += rand.Float64()*2 - 1
		heading += rand.Float64()*10 - 5

		if err := eng.PublishLocalPlayer(core.PlayerSnapshot{
			Name:      "wanderer",
			Position:  pos,
			Heading:   heading,
			Animation: core.AnimRunning,
			IsAlive:   true,
			Health:    100,
			Timestamp: time.Now().UnixMilli(),
		}); err != nil {
			log.Warn("publish failed", "error", err)
		}

		if _, err := eng.SyncPlayers(ctx); err != nil {
			log.Warn("player sync failed", "error", err)
		}
		if _, err := eng.SyncVehicles(ctx); err != nil {
			log.Warn("vehicle sync failed", "error", err)
		}
		if _, _, err := eng.SyncEnvironment(ctx); err != nil {
			log.Warn("environment sync failed", "error", err)
		}

		if msgs, err := eng.PollChat(ctx); err == nil {
			for _, m := range msgs {
				fmt.Printf("[%s] %s\n", m.SenderName, m.Text)
			}
		}
	}
}

// relayStdinChat posts each stdin line as a chat message.
func relayStdinChat(ctx context.Context, eng *engine.Engine, log *slog.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		if _, err := eng.SendChat(ctx, scanner.Text()); err != nil {
			log.Warn("chat send failed", "error", err)
		}
	}
}

func localName() string {
	if name := os.Getenv("RELAY_NAME"); name != "" {
		return name
	}
	host, err := os.Hostname()
	if err != nil {
		return "player"
	}
	return host
}
