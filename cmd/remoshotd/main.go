package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/remoshot/remoshot/internal/auth"
	"github.com/remoshot/remoshot/internal/clock"
	"github.com/remoshot/remoshot/internal/config"
	"github.com/remoshot/remoshot/internal/events"
	"github.com/remoshot/remoshot/internal/hub"
	"github.com/remoshot/remoshot/internal/logging"
	"github.com/remoshot/remoshot/internal/metrics"
	"github.com/remoshot/remoshot/internal/notify"
	"github.com/remoshot/remoshot/internal/store"
	"github.com/remoshot/remoshot/internal/web"
)

var version = "dev"

func main() {
	cfg := config.Load()

	configPath := flag.String("config", "", "path to YAML config file")
	wsAddr := flag.String("ws-addr", "", "agent WebSocket listen address (overrides config)")
	httpAddr := flag.String("http-addr", "", "client HTTP listen address (overrides config)")
	retention := flag.Int("retention", -1, "image retention in minutes (overrides config)")
	textfile := flag.String("metrics-textfile", "", "write metrics to this path for the node_exporter textfile collector")
	flag.Parse()

	if *configPath != "" {
		if err := config.LoadFile(cfg, *configPath); err != nil {
			fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
			os.Exit(1)
		}
	}
	if *wsAddr != "" {
		cfg.WSAddr = *wsAddr
	}
	if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}
	if *retention >= 0 {
		cfg.RetentionMins = *retention
	}

	// Nothing configured these: ask, the way operators expect on a first
	// interactive run.
	if cfg.WSAddr == "" {
		cfg.WSAddr = promptString("Agent WebSocket listen address", ":9951")
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = promptString("Client HTTP listen address", ":8080")
	}
	if cfg.RetentionMins == 0 {
		cfg.RetentionMins = promptInt("Image retention in minutes", 60)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON, cfg.LogLevel)

	fmt.Println("remoshot " + version)
	fmt.Println("=============================================")
	fmt.Printf("REMOSHOT_WS_ADDR=%s\n", cfg.WSAddr)
	fmt.Printf("REMOSHOT_HTTP_ADDR=%s\n", cfg.HTTPAddr)
	fmt.Printf("REMOSHOT_IMAGE_DIR=%s\n", cfg.ImageDir)
	fmt.Printf("REMOSHOT_DB_PATH=%s\n", cfg.DBPath)
	fmt.Printf("REMOSHOT_RETENTION_MINS=%d\n", cfg.RetentionMins)
	fmt.Printf("REMOSHOT_REQUEST_TIMEOUT=%s\n", cfg.RequestTimeout)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	secret, err := auth.LoadOrGenerateSecret(cfg.SecretPath, log.Logger)
	if err != nil {
		log.Error("failed to obtain shared secret", "error", err)
		os.Exit(1)
	}
	// Agents need this value to authenticate; print it the way the secret
	// file stores it.
	fmt.Printf("shared secret: %s\n", secret)

	clk := clock.Real{}
	st, err := store.Open(cfg.DBPath, cfg.ImageDir, clk, log.Logger)
	if err != nil {
		log.Error("failed to open image store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	// Build notification chain.
	var notifiers []notify.Notifier
	notifiers = append(notifiers, notify.NewLogNotifier(log))
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, notify.NewWebhook(cfg.WebhookURL, cfg.WebhookHeaders))
		log.Info("webhook notifications enabled", "url", cfg.WebhookURL)
	}
	if cfg.MQTTBroker != "" {
		notifiers = append(notifiers, notify.NewMQTT(
			cfg.MQTTBroker, cfg.MQTTTopic, "", cfg.MQTTUsername, cfg.MQTTPassword, 0))
		log.Info("mqtt notifications enabled", "broker", cfg.MQTTBroker, "topic", cfg.MQTTTopic)
	}
	notifier := notify.NewMulti(log, notifiers...)

	bus := events.New()
	registry := hub.NewRegistry(log.Logger)
	coordinator := hub.NewCoordinator(registry, st, bus, cfg.RequestTimeout, clk, log.Logger)
	agentHub := hub.NewHub(registry, coordinator, secret, bus, log.Logger)

	// Bridge bus events into the notifier chain.
	go runNotifyBridge(ctx, bus, notifier)

	// Retention sweeper.
	sweeper := store.NewSweeper(st, cfg.Retention(), cfg.SweepInterval, clk, log.Logger)
	go sweeper.Run(ctx)

	// Scheduled jobs: the orphan reconcile scan, plus the optional metrics
	// textfile export.
	sched := cron.New()
	_, err = sched.AddFunc(cfg.OrphanSchedule, func() {
		files, entries, err := st.RemoveOrphans()
		if err != nil {
			log.Error("orphan scan failed", "error", err)
			return
		}
		if files > 0 || entries > 0 {
			log.Info("orphan scan complete", "files_removed", files, "entries_evicted", entries)
		}
	})
	if err != nil {
		log.Error("failed to schedule orphan scan", "schedule", cfg.OrphanSchedule, "error", err)
		os.Exit(1)
	}
	if *textfile != "" {
		if _, err := sched.AddFunc("@every 1m", func() {
			if err := metrics.WriteTextfile(*textfile); err != nil {
				log.Warn("metrics textfile write failed", "path", *textfile, "error", err)
			}
		}); err != nil {
			log.Error("failed to schedule metrics textfile export", "error", err)
			os.Exit(1)
		}
	}
	sched.Start()
	defer sched.Stop()

	// Client-facing HTTP server.
	srv := web.NewServer(web.Dependencies{
		Dispatcher: coordinator,
		Agents:     registry,
		Images:     st,
		EventBus:   bus,
		ImageDir:   st.Dir(),
		Log:        log.Logger,
	})

	errCh := make(chan error, 2)
	go func() {
		if err := agentHub.ListenAndServe(cfg.WSAddr); err != nil {
			errCh <- fmt.Errorf("agent server: %w", err)
		}
	}()
	go func() {
		if err := srv.ListenAndServe(cfg.HTTPAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("client server: %w", err)
		}
	}()

	log.Info("remoshot started", "version", version,
		"ws_addr", cfg.WSAddr, "http_addr", cfg.HTTPAddr,
		"retention", cfg.Retention())

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		log.Error("server failed", "error", err)
		cancel()
		os.Exit(1)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := agentHub.Shutdown(shutdownCtx); err != nil {
		log.Warn("agent server shutdown incomplete", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("client server shutdown incomplete", "error", err)
	}

	log.Info("remoshot shutdown complete")
}

// runNotifyBridge forwards bus events to the notification chain until ctx
// is cancelled. Only externally interesting events are forwarded; request
// start and per-image events stay on the SSE stream.
func runNotifyBridge(ctx context.Context, bus *events.Bus, notifier *notify.Multi) {
	ch, cancel := bus.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			var nt notify.EventType
			switch evt.Type {
			case events.EventAgentConnected:
				nt = notify.EventAgentConnected
			case events.EventAgentDisconnected:
				nt = notify.EventAgentDisconnected
			case events.EventAuthFailed:
				nt = notify.EventAuthFailed
			case events.EventRequestCompleted:
				nt = notify.EventScreenshotCompleted
			default:
				continue
			}
			notifier.Notify(ctx, notify.Event{
				Type:      nt,
				AgentName: evt.AgentName,
				RequestID: evt.RequestID,
				Error:     errorFromOutcome(evt.Message),
				Timestamp: evt.Timestamp,
			})
		}
	}
}

// errorFromOutcome maps a non-clean request outcome onto the notification
// error field.
func errorFromOutcome(outcome string) string {
	switch outcome {
	case "timeout", "cancelled":
		return outcome
	default:
		return ""
	}
}

// promptString reads a line from stdin, returning def on empty input
// (including a non-interactive stdin).
func promptString(label, def string) string {
	fmt.Printf("%s [%s]: ", label, def)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		fmt.Println()
		return def
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return def
	}
	return line
}

// promptInt reads an integer from stdin, returning def on empty or
// unparseable input (including a non-interactive stdin).
func promptInt(label string, def int) int {
	fmt.Printf("%s [%d]: ", label, def)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		fmt.Println()
		return def
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return def
	}
	n, err := strconv.Atoi(line)
	if err != nil || n <= 0 {
		fmt.Printf("invalid value %q, using %d\n", line, def)
		return def
	}
	return n
}
