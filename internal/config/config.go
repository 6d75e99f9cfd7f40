// Package config
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

/*
YAML config example:
mode: "replay"
input: "data/ticks.csv"
symbol: "BTCIRT"
output: "out/features.csv"
level_policy: "reject"
trade_tolerance: 0
store: "postgres"
db_conn_str: "host=localhost user=postgres password=postgres dbname=replay sslmode=disable"
save_features: true
metrics_addr: ":9100"
log_level: "debug"
capture_polls: 120
capture_interval: "1s"

TOML works the same way with a .toml extension.
*/

const (
	ModeReplay  = "replay"
	ModeImport  = "import"
	ModeCapture = "capture"
	ModeMigrate = "migrate"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

const (
	SourceCSV   = "csv"
	SourceStore = "store"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "REPLAY_"

type Config struct {
	Mode   string `yaml:"mode" toml:"mode"`
	Input  string `yaml:"input" toml:"input"`
	Source string `yaml:"source" toml:"source"`
	Symbol string `yaml:"symbol" toml:"symbol"`
	From   int64  `yaml:"from" toml:"from"`
	To     int64  `yaml:"to" toml:"to"`

	Output         string  `yaml:"output" toml:"output"`
	SaveFeatures   bool    `yaml:"save_features" toml:"save_features"`
	LevelPolicy    string  `yaml:"level_policy" toml:"level_policy"`
	TradeTolerance float64 `yaml:"trade_tolerance" toml:"trade_tolerance"`
	DumpBook       bool    `yaml:"dump_book" toml:"dump_book"`
	ProgressEvery  int     `yaml:"progress_every" toml:"progress_every"`

	Store     string `yaml:"store" toml:"store"`
	DBConnStr string `yaml:"db_conn_str" toml:"db_conn_str"`
	DBMaxOpen int    `yaml:"db_max_open" toml:"db_max_open"`
	DBMaxIdle int    `yaml:"db_max_idle" toml:"db_max_idle"`

	MetricsAddr string `yaml:"metrics_addr" toml:"metrics_addr"`
	LogLevel    string `yaml:"log_level" toml:"log_level"`
	LogPretty   bool   `yaml:"log_pretty" toml:"log_pretty"`

	TelegramToken       string        `yaml:"telegram_token" toml:"telegram_token"`
	TelegramChatID      string        `yaml:"telegram_chat_id" toml:"telegram_chat_id"`
	NotificationRetries int           `yaml:"notification_retries" toml:"notification_retries"`
	NotificationDelay   time.Duration `yaml:"notification_delay" toml:"notification_delay"`

	WallexAPIKey    string        `yaml:"wallex_api_key" toml:"wallex_api_key"`
	CaptureStream   bool          `yaml:"capture_stream" toml:"capture_stream"`
	CapturePolls    int           `yaml:"capture_polls" toml:"capture_polls"`
	CaptureInterval time.Duration `yaml:"capture_interval" toml:"capture_interval"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Mode:                ModeReplay,
		Source:              SourceCSV,
		Symbol:              "BTCIRT",
		LevelPolicy:         "reject",
		ProgressEvery:       10000,
		Store:               StoreMemory,
		DBMaxOpen:           10,
		DBMaxIdle:           5,
		LogLevel:            "info",
		NotificationRetries: 3,
		NotificationDelay:   5 * time.Second,
		CapturePolls:        60,
		CaptureInterval:     time.Second,
	}
}

// MustLoadConfig loads configuration from the command line and exits on failure.
func MustLoadConfig() Config {
	cfg, err := Load(os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	return cfg
}

// Load builds a Config from defaults, an optional YAML or TOML file, a .env file,
// REPLAY_* environment variables and finally explicitly set flags, then validates it.
func Load(args []string) (Config, error) {
	cfg := Defaults()

	fs := flag.NewFlagSet("orderbook-replay", flag.ContinueOnError)
	configFile := fs.String("config", "", "Path to YAML or TOML config file")
	fs.StringVar(&cfg.Mode, "mode", cfg.Mode, "Mode: replay or import or capture or migrate")
	fs.StringVar(&cfg.Input, "input", cfg.Input, "Tick log CSV path")
	fs.StringVar(&cfg.Source, "source", cfg.Source, "Replay source: csv or store")
	fs.StringVar(&cfg.Symbol, "symbol", cfg.Symbol, "Market symbol")
	fs.Int64Var(&cfg.From, "from", cfg.From, "First timestamp (ns) read from the store")
	fs.Int64Var(&cfg.To, "to", cfg.To, "Timestamp (ns) the store read stops before, 0 for no bound")
	fs.StringVar(&cfg.Output, "output", cfg.Output, "Feature CSV output path")
	fs.BoolVar(&cfg.SaveFeatures, "save-features", cfg.SaveFeatures, "Persist feature rows to the store")
	fs.StringVar(&cfg.LevelPolicy, "level-policy", cfg.LevelPolicy, "Out-of-range level handling: reject or ignore")
	fs.Float64Var(&cfg.TradeTolerance, "trade-tolerance", cfg.TradeTolerance, "Absolute price tolerance for trade matching, 0 for exact")
	fs.BoolVar(&cfg.DumpBook, "dump-book", cfg.DumpBook, "Log the book after the final batch")
	fs.IntVar(&cfg.ProgressEvery, "progress-every", cfg.ProgressEvery, "Log progress every N batches, 0 to disable")
	fs.StringVar(&cfg.Store, "store", cfg.Store, "Storage: memory or postgres")
	fs.StringVar(&cfg.DBConnStr, "db", cfg.DBConnStr, "Postgres connection string")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Serve Prometheus metrics on this address")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level")
	fs.BoolVar(&cfg.LogPretty, "log-pretty", cfg.LogPretty, "Human readable console logs")
	fs.StringVar(&cfg.TelegramToken, "telegram-token", cfg.TelegramToken, "Telegram bot token for notifications")
	fs.StringVar(&cfg.TelegramChatID, "telegram-chat", cfg.TelegramChatID, "Telegram chat ID for notifications")
	fs.IntVar(&cfg.NotificationRetries, "notification-retries", cfg.NotificationRetries, "Number of notification send attempts")
	fs.DurationVar(&cfg.NotificationDelay, "notification-delay", cfg.NotificationDelay, "Delay between notification retries (e.g., 5s)")
	fs.BoolVar(&cfg.CaptureStream, "capture-stream", cfg.CaptureStream, "Sample the Wallex websocket feed instead of polling REST")
	fs.IntVar(&cfg.CapturePolls, "capture-polls", cfg.CapturePolls, "Number of depth polls in capture mode")
	fs.DurationVar(&cfg.CaptureInterval, "capture-interval", cfg.CaptureInterval, "Delay between depth polls")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	// file and env values go under explicitly set flags
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if *configFile != "" {
		fileCfg := Defaults()
		if err := decodeFile(*configFile, &fileCfg); err != nil {
			return Config{}, err
		}
		mergeUnset(&cfg, fileCfg, set)
	}

	_ = godotenv.Load()
	envCfg := cfg
	applyEnvOverrides(&envCfg)
	mergeUnset(&cfg, envCfg, set)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return fmt.Errorf("failed to parse config file: %w", err)
		}
	case ".yaml", ".yml", "":
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse config file: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file extension %q", filepath.Ext(path))
	}
	return nil
}

// mergeUnset copies every field of src into dst except those bound to flags named in set.
func mergeUnset(dst *Config, src Config, set map[string]bool) {
	keep := *dst
	*dst = src
	restore := map[string]func(){
		"mode":                 func() { dst.Mode = keep.Mode },
		"input":                func() { dst.Input = keep.Input },
		"source":               func() { dst.Source = keep.Source },
		"symbol":               func() { dst.Symbol = keep.Symbol },
		"from":                 func() { dst.From = keep.From },
		"to":                   func() { dst.To = keep.To },
		"output":               func() { dst.Output = keep.Output },
		"save-features":        func() { dst.SaveFeatures = keep.SaveFeatures },
		"level-policy":         func() { dst.LevelPolicy = keep.LevelPolicy },
		"trade-tolerance":      func() { dst.TradeTolerance = keep.TradeTolerance },
		"dump-book":            func() { dst.DumpBook = keep.DumpBook },
		"progress-every":       func() { dst.ProgressEvery = keep.ProgressEvery },
		"store":                func() { dst.Store = keep.Store },
		"db":                   func() { dst.DBConnStr = keep.DBConnStr },
		"metrics-addr":         func() { dst.MetricsAddr = keep.MetricsAddr },
		"log-level":            func() { dst.LogLevel = keep.LogLevel },
		"log-pretty":           func() { dst.LogPretty = keep.LogPretty },
		"telegram-token":       func() { dst.TelegramToken = keep.TelegramToken },
		"telegram-chat":        func() { dst.TelegramChatID = keep.TelegramChatID },
		"notification-retries": func() { dst.NotificationRetries = keep.NotificationRetries },
		"notification-delay":   func() { dst.NotificationDelay = keep.NotificationDelay },
		"capture-stream":       func() { dst.CaptureStream = keep.CaptureStream },
		"capture-polls":        func() { dst.CapturePolls = keep.CapturePolls },
		"capture-interval":     func() { dst.CaptureInterval = keep.CaptureInterval },
	}
	for name := range set {
		if fn, ok := restore[name]; ok {
			fn()
		}
	}
}

func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Mode, "MODE")
	setStr(&cfg.Input, "INPUT")
	setStr(&cfg.Source, "SOURCE")
	setStr(&cfg.Symbol, "SYMBOL")
	setInt64(&cfg.From, "FROM")
	setInt64(&cfg.To, "TO")
	setStr(&cfg.Output, "OUTPUT")
	setBool(&cfg.SaveFeatures, "SAVE_FEATURES")
	setStr(&cfg.LevelPolicy, "LEVEL_POLICY")
	setFloat64(&cfg.TradeTolerance, "TRADE_TOLERANCE")
	setBool(&cfg.DumpBook, "DUMP_BOOK")
	setInt(&cfg.ProgressEvery, "PROGRESS_EVERY")
	setStr(&cfg.Store, "STORE")
	setStr(&cfg.DBConnStr, "DB_CONN_STR")
	setInt(&cfg.DBMaxOpen, "DB_MAX_OPEN")
	setInt(&cfg.DBMaxIdle, "DB_MAX_IDLE")
	setStr(&cfg.MetricsAddr, "METRICS_ADDR")
	setStr(&cfg.LogLevel, "LOG_LEVEL")
	setBool(&cfg.LogPretty, "LOG_PRETTY")
	setStr(&cfg.TelegramToken, "TELEGRAM_TOKEN")
	setStr(&cfg.TelegramChatID, "TELEGRAM_CHAT_ID")
	setInt(&cfg.NotificationRetries, "NOTIFICATION_RETRIES")
	setDuration(&cfg.NotificationDelay, "NOTIFICATION_DELAY")
	setStr(&cfg.WallexAPIKey, "WALLEX_API_KEY")
	setBool(&cfg.CaptureStream, "CAPTURE_STREAM")
	setInt(&cfg.CapturePolls, "CAPTURE_POLLS")
	setDuration(&cfg.CaptureInterval, "CAPTURE_INTERVAL")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// Validate checks the combination of settings needed by the selected mode.
func (c Config) Validate() error {
	var errs []error

	switch c.Mode {
	case ModeReplay, ModeImport, ModeCapture, ModeMigrate:
	default:
		errs = append(errs, fmt.Errorf("unknown mode %q", c.Mode))
	}

	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if c.DBConnStr == "" {
			errs = append(errs, errors.New("postgres store requires a connection string"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store %q", c.Store))
	}

	switch c.LevelPolicy {
	case "", "reject", "ignore":
	default:
		errs = append(errs, fmt.Errorf("unknown level policy %q", c.LevelPolicy))
	}

	if c.TradeTolerance < 0 {
		errs = append(errs, errors.New("trade tolerance cannot be negative"))
	}
	if c.ProgressEvery < 0 {
		errs = append(errs, errors.New("progress interval cannot be negative"))
	}

	switch c.Mode {
	case ModeReplay:
		switch c.Source {
		case SourceCSV:
			if c.Input == "" {
				errs = append(errs, errors.New("replay from csv requires an input path"))
			}
		case SourceStore:
			if c.Symbol == "" {
				errs = append(errs, errors.New("replay from store requires a symbol"))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown source %q", c.Source))
		}
		if c.SaveFeatures && c.Store == StoreMemory {
			errs = append(errs, errors.New("saving features requires the postgres store"))
		}
	case ModeImport:
		if c.Input == "" || c.Symbol == "" {
			errs = append(errs, errors.New("import requires an input path and a symbol"))
		}
		if c.Store != StorePostgres {
			errs = append(errs, errors.New("import requires the postgres store"))
		}
	case ModeCapture:
		if c.Symbol == "" {
			errs = append(errs, errors.New("capture requires a symbol"))
		}
		if c.CapturePolls <= 0 {
			errs = append(errs, errors.New("capture polls must be positive"))
		}
		if c.CaptureInterval < 0 {
			errs = append(errs, errors.New("capture interval cannot be negative"))
		}
		if c.Output == "" && c.Store != StorePostgres {
			errs = append(errs, errors.New("capture requires an output path or the postgres store"))
		}
	case ModeMigrate:
		if c.Store != StorePostgres {
			errs = append(errs, errors.New("migrate requires the postgres store"))
		}
	}

	return errors.Join(errs...)
}
