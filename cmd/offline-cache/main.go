package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	offlinecache "github.com/always-cache/offline-cache"
	"github.com/always-cache/offline-cache/cache"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	configFilenameFlag string
	originFlag         string
	hostFlag           string
	scopeFlag          string
	portFlag           int
	dbFilenameFlag     string
	workerVersionFlag  string
	verbosityTraceFlag bool
	logFilenameFlag    string
	checkIntervalFlag  time.Duration

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to fetch from")
	flag.StringVar(&hostFlag, "host", "", "Hostname of origin")
	flag.StringVar(&scopeFlag, "scope", "", "Public URL of the pages (defaults to http://localhost:<port>)")
	flag.IntVar(&portFlag, "port", 8080, "Port to listen on")
	flag.StringVar(&dbFilenameFlag, "db", "cache.db", "Cache DB file name (use 'memory' for in-memory db)")
	flag.StringVar(&workerVersionFlag, "version", "", "Worker version to install")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")
	flag.DurationVar(&checkIntervalFlag, "check-interval", time.Minute, "How often to check the config file for a new version")

	if version == "" {
		version = "DEV"
	}
}

// applyFlags overrides the config with the flags given on the command line.
func applyFlags(config *Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "origin":
			config.Origin = originFlag
		case "host":
			config.Host = hostFlag
		case "scope":
			config.Scope = scopeFlag
		case "port":
			config.Port = portFlag
		case "db":
			config.DB = dbFilenameFlag
		case "version":
			config.Version = workerVersionFlag
		case "check-interval":
			config.CheckInterval = checkIntervalFlag
		}
	})
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("build", version).Logger()

	config, err := loadConfig(configFilenameFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not load config")
	}
	applyFlags(&config)
	if err := config.validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}

	originURL, err := url.Parse(config.Origin)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not parse origin url")
	}
	scope := fmt.Sprintf("http://localhost:%d", config.Port)
	if config.Scope != "" {
		scope = config.Scope
	}
	scopeURL, err := url.Parse(scope)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not parse scope url")
	}

	// set up sqlite storage, in memory if requested
	dbFilename := config.DB
	if dbFilename == "memory" {
		dbFilename = ""
	}
	storage, err := cache.NewSQLiteStorage(dbFilename)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open cache db")
	}
	defer storage.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	network := offlinecache.NewOriginFetcher(*originURL, *scopeURL, config.Host)
	srv := newServer(ctx, storage, network, *scopeURL, log.Logger)
	defer srv.close()
	srv.register(config)

	if configFilenameFlag != "" {
		upd := newUpdater(configFilenameFlag, config, srv, log.Logger)
		go upd.run(ctx)
	}

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Port),
		Handler: srv.routes(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	log.Info().Msgf("Serving %s on port %v from %s (with hostname '%s')", scopeURL.String(), config.Port, originURL.String(), config.Host)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("Server failed")
	}
}
