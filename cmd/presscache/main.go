package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	presscache "github.com/always-cache/presscache"
	"github.com/always-cache/presscache/cache"
	cachesweep "github.com/always-cache/presscache/pkg/cache-sweep"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

// this is set by goreleaser
var version string

const shutdownTimeout = 10 * time.Second

func init() {
	if version == "" {
		version = "DEV"
	}
}

func main() {
	s, err := loadSettings(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(2)
	}

	setupLogging(s)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, s); err != nil {
		log.Fatal().Err(err).Msg("Exiting")
	}
}

func setupLogging(s settings) {
	// set log level
	logLevel := zerolog.DebugLevel
	if s.trace {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := []io.Writer{zerolog.ConsoleWriter{Out: os.Stdout}}
	if s.logFile != "" {
		if logFileOutput, err := os.OpenFile(s.logFile, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()
}

func run(ctx context.Context, s settings) error {
	scripts, styles, db, err := openStores(s)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	press := presscache.New(presscache.Config{
		Strategy:       s.strategy,
		GzipEnabled:    s.gzip,
		ClearEnabled:   s.clearEnabled,
		KeyStorageTime: s.keyStorageTime,
		Scripts:        scripts,
		Styles:         styles,
		Logger:         &log.Logger,
	})

	if err := registerBundles(ctx, press, s); err != nil {
		return err
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: press,
	}
	sweeper := cachesweep.New(map[string]cache.Store{
		cache.JavaScript.Short(): press.Store(cache.JavaScript),
		cache.CSS.Short():        press.Store(cache.CSS),
	}, s.sweepInterval, log.Logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Msgf("Serving bundles on port %d with strategy %s", s.port, s.strategy)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return sweeper.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// openStores returns nil stores for the in-memory backend;
// the press creates its own in that case.
func openStores(s settings) (scripts, styles cache.Store, db *sql.DB, err error) {
	if s.db == "memory" {
		return nil, nil, nil, nil
	}
	db, err = cache.OpenSQLite(s.db)
	if err != nil {
		return nil, nil, nil, err
	}
	opts := presscache.StoreOptions(s.strategy, s.keyStorageTime)
	scriptStore, err := cache.NewSQLiteStore(db, "scripts", opts)
	if err != nil {
		db.Close()
		return nil, nil, nil, err
	}
	styleStore, err := cache.NewSQLiteStore(db, "styles", opts)
	if err != nil {
		db.Close()
		return nil, nil, nil, err
	}
	log.Debug().Str("db", s.db).Msg("Using SQLite stores")
	return scriptStore, styleStore, db, nil
}

func registerBundles(ctx context.Context, press *presscache.Press, s settings) error {
	if len(s.bundles) == 0 {
		return nil
	}
	producer := presscache.NewProducer(press, os.DirFS(s.root))
	for _, b := range s.bundles {
		bundle, err := producer.Build(ctx, b.contentType, b.name, b.files)
		if err != nil {
			return err
		}
		log.Info().Str("key", bundle.Key).Msgf("%s bundle %s available at %s", b.contentType, bundle.Name, bundle.URL)
	}
	return nil
}
