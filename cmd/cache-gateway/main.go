package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	gateway "github.com/ericselin/cache-gateway"
	"github.com/ericselin/cache-gateway/cache"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	configFilenameFlag string
	portFlag           int
	originFlag         string
	addrFlag           string
	hostFlag           string
	dbFilenameFlag     string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to deployment config file (YAML)")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to proxy to (overrides config, addr and host)")
	flag.StringVar(&addrFlag, "addr", "", "Origin IP address to proxy to")
	flag.StringVar(&hostFlag, "host", "", "Hostname of origin")
	flag.IntVar(&portFlag, "port", 8080, "Port to listen on")
	flag.StringVar(&dbFilenameFlag, "db", "cache.db", "Cache DB: sqlite file name, 'memory', or 'bolt:<path>'")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
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
		With().Str("version", version).Logger()

	fileConfig, err := gateway.LoadConfigFile(configFilenameFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not load config")
	}
	// get the downstream server address
	if originFlag != "" {
		fileConfig.Origin = originFlag
	} else if addrFlag != "" {
		fileConfig.Origin = "https://" + addrFlag
		fileConfig.Host = hostFlag
	}
	if fileConfig.Origin == "" {
		log.Fatal().Msg("Please specify origin")
	}

	provider, err := openProvider(dbFilenameFlag)
	if err != nil {
		log.Fatal().Err(err).Str("db", dbFilenameFlag).Msg("Could not open cache db")
	}
	defer provider.Close()

	config, err := fileConfig.Config(provider, &log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}

	registration := gateway.NewRegistration(&log.Logger)
	if _, err := registration.Register(context.Background(), config); err != nil {
		log.Fatal().Err(err).Msg("Could not install gateway")
	}

	log.Info().Msgf("Serving port %v from store %s for %s (with hostname '%s')",
		portFlag, config.StoreName(), config.OriginURL.String(), config.OriginHost)
	err = http.ListenAndServe(fmt.Sprintf(":%d", portFlag), registration.Router())
	if err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}

func openProvider(db string) (cache.CacheProvider, error) {
	switch {
	case db == "memory":
		return cache.NewMemCache(), nil
	case strings.HasPrefix(db, "bolt:"):
		return cache.NewBoltCache(strings.TrimPrefix(db, "bolt:"))
	default:
		return cache.NewSQLiteCache(db)
	}
}
