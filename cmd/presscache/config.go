package main

import (
	"os"
	"time"

	"github.com/always-cache/presscache/cache"
	strategy "github.com/always-cache/presscache/pkg/caching-strategy"

	"github.com/spf13/pflag"
	"go.trai.ch/zerr"
	"gopkg.in/yaml.v3"
)

var (
	ErrConfigRead  = zerr.New("failed to read config file")
	ErrConfigParse = zerr.New("failed to parse config file")
)

type Config struct {
	Port           int            `yaml:"port"`
	Strategy       string         `yaml:"strategy"`
	Gzip           *bool          `yaml:"gzip"`
	ClearEnabled   bool           `yaml:"clearEnabled"`
	KeyStorageTime time.Duration  `yaml:"keyStorageTime"`
	P3P            string         `yaml:"p3p"`
	DB             string         `yaml:"db"`
	SweepInterval  time.Duration  `yaml:"sweepInterval"`
	Root           string         `yaml:"root"`
	Bundles        []ConfigBundle `yaml:"bundles"`
}

// ConfigBundle is a bundle registered at startup.
type ConfigBundle struct {
	Name  string   `yaml:"name"`
	Type  string   `yaml:"type"`
	Files []string `yaml:"files"`
}

func getConfig(filename string) (Config, error) {
	var config Config
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, zerr.With(zerr.Wrap(err, ErrConfigRead.Error()), "file", filename)
	}
	if err := yaml.Unmarshal(configBytes, &config); err != nil {
		return config, zerr.With(zerr.Wrap(err, ErrConfigParse.Error()), "file", filename)
	}
	return config, nil
}

// settings is the resolved configuration: defaults, then the config file,
// then flags that were set explicitly.
type settings struct {
	port           int
	strategy       strategy.Strategy
	gzip           bool
	clearEnabled   bool
	keyStorageTime time.Duration
	db             string
	sweepInterval  time.Duration
	root           string
	logFile        string
	trace          bool
	bundles        []bundleSource
}

type bundleSource struct {
	name        string
	contentType cache.ContentType
	files       []string
}

func newFlagSet() *pflag.FlagSet {
	flagSet := pflag.NewFlagSet("presscache", pflag.ContinueOnError)
	flagSet.String("config", "", "Path to config file")
	flagSet.Int("port", 8080, "Port to listen on")
	flagSet.String("strategy", "change", "Caching strategy: always, never or change")
	flagSet.Bool("gzip", true, "Gzip responses for clients that accept it")
	flagSet.Bool("clear-enabled", false, "Allow clearing the cache over HTTP")
	flagSet.Duration("key-storage-time", 2*time.Minute, "How long a per-render key stays valid if never requested")
	flagSet.String("p3p", "", "P3P header sent with cacheable bundles")
	flagSet.String("db", "memory", "Cache DB file name (use 'memory' for in-memory stores)")
	flagSet.Duration("sweep-interval", time.Minute, "How often expired keys are swept (0 disables)")
	flagSet.String("root", ".", "Directory bundle source files are read from")
	flagSet.String("log-file", "", "Log file to use (in addition to stdout)")
	flagSet.Bool("vv", false, "Verbosity: trace logging")
	return flagSet
}

func loadSettings(args []string) (settings, error) {
	flagSet := newFlagSet()
	if err := flagSet.Parse(args); err != nil {
		return settings{}, err
	}

	var config Config
	if filename, _ := flagSet.GetString("config"); filename != "" {
		var err error
		if config, err = getConfig(filename); err != nil {
			return settings{}, err
		}
	}

	// flags set on the command line win over the config file,
	// which wins over flag defaults
	str := func(name, fromConfig string) string {
		value, _ := flagSet.GetString(name)
		if fromConfig != "" && !flagSet.Changed(name) {
			return fromConfig
		}
		return value
	}
	duration := func(name string, fromConfig time.Duration) time.Duration {
		value, _ := flagSet.GetDuration(name)
		if fromConfig != 0 && !flagSet.Changed(name) {
			return fromConfig
		}
		return value
	}

	s := settings{
		keyStorageTime: duration("key-storage-time", config.KeyStorageTime),
		db:             str("db", config.DB),
		sweepInterval:  duration("sweep-interval", config.SweepInterval),
		root:           str("root", config.Root),
	}
	s.port, _ = flagSet.GetInt("port")
	if config.Port > 0 && !flagSet.Changed("port") {
		s.port = config.Port
	}
	s.gzip, _ = flagSet.GetBool("gzip")
	if config.Gzip != nil && !flagSet.Changed("gzip") {
		s.gzip = *config.Gzip
	}
	s.clearEnabled, _ = flagSet.GetBool("clear-enabled")
	if config.ClearEnabled && !flagSet.Changed("clear-enabled") {
		s.clearEnabled = true
	}
	s.logFile, _ = flagSet.GetString("log-file")
	s.trace, _ = flagSet.GetBool("vv")

	var err error
	s.strategy, err = strategy.Parse(str("strategy", config.Strategy), str("p3p", config.P3P))
	if err != nil {
		return settings{}, err
	}

	for _, b := range config.Bundles {
		ct, err := cache.ParseContentType(b.Type)
		if err != nil {
			return settings{}, zerr.With(err, "bundle", b.Name)
		}
		s.bundles = append(s.bundles, bundleSource{name: b.Name, contentType: ct, files: b.Files})
	}
	return s, nil
}
