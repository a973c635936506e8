package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/basekick-labs/fluxq/internal/api"
	"github.com/basekick-labs/fluxq/internal/circuitbreaker"
	"github.com/basekick-labs/fluxq/internal/config"
	"github.com/basekick-labs/fluxq/internal/dispatch"
	"github.com/basekick-labs/fluxq/internal/events"
	"github.com/basekick-labs/fluxq/internal/export"
	"github.com/basekick-labs/fluxq/internal/fluxcsv"
	"github.com/basekick-labs/fluxq/internal/logger"
	"github.com/basekick-labs/fluxq/internal/metrics"
	"github.com/basekick-labs/fluxq/internal/queryregistry"
	"github.com/basekick-labs/fluxq/internal/scheduler"
	"github.com/basekick-labs/fluxq/internal/session"
	"github.com/basekick-labs/fluxq/internal/shutdown"
	"github.com/rs/zerolog/log"
)

// Version is set at build time
var Version = "dev"

const usage = `Usage: fluxq <command> [flags] [query...]

Commands:
  query   Run Flux queries and write decoded records (default)
  watch   Re-run the queries on a cron schedule until interrupted
  raw     Run one query and copy the undecoded response to stdout
  ping    Check that the query service is reachable
  version Print the version

Queries are taken from arguments, -f files, or stdin when neither is given.
Configuration comes from fluxq.toml and FLUXQ_* environment variables.
`

func main() {
	cmd, args := "query", os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		switch args[0] {
		case "query", "watch", "raw", "ping", "version", "help":
			cmd, args = args[0], args[1:]
		}
	}

	switch cmd {
	case "version":
		fmt.Println("fluxq", Version)
		return
	case "help":
		fmt.Print(usage)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Log.Level, cfg.Log.Format)
	log.Debug().Str("version", Version).Str("command", cmd).Msg("Starting fluxq")

	if err := run(cmd, args, cfg); err != nil {
		log.Error().Err(err).Msg("Command failed")
		fmt.Fprintln(os.Stderr, "fluxq:", err)
		os.Exit(1)
	}
}

func run(cmd string, args []string, cfg *config.Config) error {
	coord := shutdown.New(time.Duration(cfg.Shutdown.TimeoutSeconds)*time.Second, logger.Get("shutdown"))
	defer coord.Shutdown()

	go coord.WaitForSignal(context.Background())

	metrics.Init(logger.Get("metrics"))

	var breaker *circuitbreaker.CircuitBreaker
	if cfg.Breaker.Enabled {
		breaker = circuitbreaker.New(&circuitbreaker.Config{
			Name:                "query-service",
			MaxFailures:         cfg.Breaker.MaxFailures,
			Timeout:             time.Duration(cfg.Breaker.TimeoutSeconds) * time.Second,
			HalfOpenMaxRequests: cfg.Breaker.HalfOpenMax,
			IsFailure:           dispatch.IsServerFailure,
		}, logger.Get("circuit-breaker"))
	}

	client, err := dispatch.New(dispatch.Config{
		URL:       cfg.Server.URL,
		Org:       cfg.Server.Org,
		Token:     cfg.Server.Token,
		UserAgent: cfg.Server.UserAgent + "/" + Version,
		Timeout:   cfg.Server.Timeout(),
		Gzip:      cfg.Server.Gzip,
	}, breaker, logger.Get("dispatch"))
	if err != nil {
		return err
	}
	coord.RegisterFunc("dispatch", func(context.Context) error {
		client.Close()
		return nil
	}, shutdown.PriorityDispatch)

	ctx := coord.Context()

	switch cmd {
	case "ping":
		return runPing(ctx, client)
	case "raw":
		queries, err := collectQueries(nil, args, os.Stdin)
		if err != nil {
			return err
		}
		if len(queries) != 1 {
			return fmt.Errorf("raw takes exactly one query, got %d", len(queries))
		}
		return runRaw(ctx, client, queries[0])
	default:
		return runQueries(ctx, coord, cfg, client, breaker, args, cmd == "watch")
	}
}

func runPing(ctx context.Context, client *dispatch.Client) error {
	ok, err := client.Ping(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("query service is not healthy")
	}
	fmt.Println("ok")
	return nil
}

func runRaw(ctx context.Context, client *dispatch.Client, query string) error {
	body, err := client.QueryRaw(ctx, query, dispatch.DefaultDialect())
	if err != nil {
		return err
	}
	defer body.Close()

	if _, err := io.Copy(os.Stdout, body); err != nil && !session.IsBenignClose(err) {
		return err
	}
	return nil
}

func runQueries(ctx context.Context, coord *shutdown.Coordinator, cfg *config.Config, client *dispatch.Client, breaker *circuitbreaker.CircuitBreaker, args []string, watch bool) error {
	fs := flag.NewFlagSet("query", flag.ContinueOnError)
	var files []string
	fs.Func("f", "read a query from `file` (repeatable)", func(v string) error {
		files = append(files, v)
		return nil
	})
	mode := fs.String("mode", cfg.Query.Mode, "delivery mode: stream or batch")
	format := fs.String("format", cfg.Output.Format, "output format: json, msgpack or arrow")
	schedule := fs.String("schedule", cfg.Watch.Schedule, "watch: cron expression or descriptor such as \"@every 1m\"")
	runTimeout := fs.Duration("timeout", time.Duration(cfg.Watch.TimeoutSeconds)*time.Second, "watch: limit for one run of all queries, 0 for none")
	fs.Usage = func() {
		fmt.Fprint(fs.Output(), usage, "\nFlags:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	decodeMode, err := fluxcsv.ParseMode(*mode)
	if err != nil {
		return err
	}
	if export.RequiresBatch(*format) && decodeMode != fluxcsv.ModeBatch {
		return fmt.Errorf("%s output requires -mode batch", *format)
	}

	queries, err := collectQueries(files, fs.Args(), os.Stdin)
	if err != nil {
		return err
	}
	if len(queries) == 0 {
		return errors.New("no query given")
	}

	bus := events.NewBus(logger.Get("events"))
	coord.RegisterFunc("event-bus", func(context.Context) error {
		bus.Close()
		return nil
	}, shutdown.PriorityEvents+1)

	if cfg.Events.MQTTEnabled {
		sink := events.NewMQTTSink(events.MQTTConfig{
			Broker:   cfg.Events.MQTTBroker,
			ClientID: cfg.Events.MQTTClientID,
			Topic:    cfg.Events.MQTTTopic,
			QoS:      cfg.Events.MQTTQoS,
			Username: cfg.Events.MQTTUsername,
			Password: cfg.Events.MQTTPassword,
			Buffer:   cfg.Events.Buffer,
		}, bus, logger.Get("mqtt"))
		if err := sink.Start(); err != nil {
			log.Warn().Err(err).Msg("MQTT event sink unavailable, continuing without it")
		} else {
			coord.Register("mqtt-sink", sink, shutdown.PriorityEvents)
		}
	}

	registry := queryregistry.NewRegistry(&queryregistry.RegistryConfig{HistorySize: cfg.Registry.HistorySize}, logger.Get("registry"))
	coord.RegisterFunc("sessions", func(context.Context) error {
		if n := registry.CancelAll(); n > 0 {
			log.Info().Int("sessions", n).Msg("Cancelled running sessions")
		}
		return nil
	}, shutdown.PrioritySessions)

	runner := session.NewRunner(session.RunnerConfig{
		Org: cfg.Server.Org,
		Decode: fluxcsv.Options{
			Mode:              decodeMode,
			ValueDestinations: cfg.Query.ValueDestinations,
		},
		ChunkSize:   int(cfg.Query.ChunkSize),
		MaxSessions: int64(cfg.Query.MaxSessions),
	}, client, registry, bus, logger.Get("session"))

	out := bufio.NewWriter(os.Stdout)
	w, err := export.NewWriter(*format, out)
	if err != nil {
		return err
	}
	coord.RegisterFunc("output", func(context.Context) error {
		if err := w.Close(); err != nil {
			return err
		}
		return out.Flush()
	}, shutdown.PriorityOutput)

	runAll := func(ctx context.Context) error {
		err := runner.RunAll(ctx, queries, func(s *session.Session) error {
			return session.Drain(s, func(it fluxcsv.Item) error {
				return export.WriteItem(w, it)
			})
		})
		if ferr := out.Flush(); err == nil {
			err = ferr
		}
		return err
	}

	var watcher *scheduler.WatchScheduler
	if watch {
		watcher, err = scheduler.New(scheduler.Config{
			Schedule: *schedule,
			Timeout:  *runTimeout,
			Logger:   logger.Get("scheduler"),
		}, runAll)
		if err != nil {
			return fmt.Errorf("invalid schedule: %w", err)
		}
		coord.Register("watch-scheduler", watcher, shutdown.PrioritySessions-1)
	}

	if cfg.Admin.Enabled {
		deps := api.Deps{
			Registry: registry,
			Breaker:  breaker,
			Bus:      bus,
			Pinger:   client,
		}
		if watcher != nil {
			deps.Watch = watcher
		}
		srv := api.NewServer(&api.ServerConfig{
			Host:         cfg.Admin.Host,
			Port:         cfg.Admin.Port,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}, deps, logger.Get("api"))
		srv.Start()
		coord.RegisterFunc("admin-server", srv.Shutdown, shutdown.PriorityAdminServer)
	}

	if watcher == nil {
		err = runAll(ctx)
		if err != nil && ctx.Err() != nil {
			return fmt.Errorf("interrupted: %w", context.Cause(ctx))
		}
		return err
	}

	// First run right away, then on schedule until a signal arrives
	watcher.RunNow(ctx)
	if err := watcher.Start(ctx); err != nil {
		return err
	}
	log.Info().Time("next_run", watcher.NextRun()).Msg("Watching, press Ctrl+C to stop")
	<-ctx.Done()
	return nil
}

// collectQueries gathers queries from files then arguments, falling back to
// stdin when neither is given
func collectQueries(files, args []string, stdin io.Reader) ([]string, error) {
	var queries []string
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read query file: %w", err)
		}
		if q := strings.TrimSpace(string(data)); q != "" {
			queries = append(queries, q)
		}
	}
	for _, a := range args {
		if q := strings.TrimSpace(a); q != "" {
			queries = append(queries, q)
		}
	}
	if len(files) > 0 || len(args) > 0 {
		return queries, nil
	}

	data, err := io.ReadAll(stdin)
	if err != nil {
		return nil, fmt.Errorf("read stdin: %w", err)
	}
	if q := strings.TrimSpace(string(data)); q != "" {
		queries = append(queries, q)
	}
	return queries, nil
}
