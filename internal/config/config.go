package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/thatsimonsguy/relayboard/internal/codec"
	"github.com/thatsimonsguy/relayboard/internal/model"
)

type Serial struct {
	Port          string `json:"port"`
	Baud          int    `json:"baud"`
	ReadTimeoutMS int    `json:"read_timeout_ms"`
}

type Switch struct {
	Name        string `json:"name"`
	RelayNumber *int   `json:"relay_number"`
}

type Config struct {
	ConfigFile string
	LogFile    string
	LogLevel   zerolog.Level
	SafeMode   bool

	Serial        Serial `json:"serial"`
	DeviceAddress string `json:"device_address"`

	PollIntervalMS int           `json:"poll_interval_ms"`
	PollTimeoutMS  int           `json:"poll_timeout_ms"`
	WriteTimeoutMS int           `json:"write_timeout_ms"`
	AckMode        model.AckMode `json:"ack_mode"`
	AckTimeoutMS   int           `json:"ack_timeout_ms"`
	LoopIntervalMS int           `json:"loop_interval_ms"`

	Switches []Switch `json:"switches"`

	APIPort     int    `json:"api_port"`
	JournalPath string `json:"journal_path"`
	StatusFile  string `json:"status_file"`

	EnableDatadog bool     `json:"enable_datadog"`
	DDAgentAddr   string   `json:"dd_agent_addr"`
	DDNamespace   string   `json:"dd_namespace"`
	DDTags        []string `json:"dd_tags"`

	NtfyTopic string `json:"ntfy_topic"`
}

func Load() Config {
	var cfg Config
	var logLevel string

	flag.StringVar(&cfg.ConfigFile, "config-file", "config.json", "Path to relay board config file")
	flag.StringVar(&cfg.LogFile, "log-file", "", "Path to log file (console when empty)")
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.BoolVar(&cfg.SafeMode, "safe-mode", false, "Log relay commands without opening the serial port")
	flag.Parse()

	cfg.LogLevel = parseLogLevel(logLevel)

	file, err := os.Open(cfg.ConfigFile)
	if err != nil {
		panic("Failed to load config file: " + err.Error())
	}
	defer file.Close()

	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		panic("Failed to parse config file: " + err.Error())
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		panic(err.Error())
	}
	return cfg
}

func parseLogLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func (cfg *Config) applyDefaults() {
	if cfg.Serial.Baud == 0 {
		cfg.Serial.Baud = 9600
	}
	if cfg.Serial.ReadTimeoutMS == 0 {
		cfg.Serial.ReadTimeoutMS = 50
	}
	if cfg.DeviceAddress == "" {
		cfg.DeviceAddress = codec.DefaultAddress.String()
	}
	if cfg.PollIntervalMS == 0 {
		cfg.PollIntervalMS = 1000
	}
	if cfg.PollTimeoutMS == 0 {
		cfg.PollTimeoutMS = 100
	}
	if cfg.WriteTimeoutMS == 0 {
		cfg.WriteTimeoutMS = 250
	}
	if cfg.AckMode == "" {
		cfg.AckMode = model.AckOptimistic
	}
	if cfg.AckTimeoutMS == 0 {
		cfg.AckTimeoutMS = 500
	}
	if cfg.LoopIntervalMS == 0 {
		cfg.LoopIntervalMS = 20
	}
	if cfg.DDAgentAddr == "" {
		cfg.DDAgentAddr = "127.0.0.1:8125"
	}
	if cfg.DDNamespace == "" {
		cfg.DDNamespace = "relayboard."
	}
}

// validate collects every configuration problem so they can be fixed in one pass.
func (cfg *Config) validate() error {
	var (
		problems  []string
		usedRelay = map[int]string{}
	)

	if cfg.Serial.Port == "" && !cfg.SafeMode {
		problems = append(problems, "serial.port is required")
	}
	if cfg.Serial.Baud < 0 {
		problems = append(problems, fmt.Sprintf("serial.baud %d is invalid", cfg.Serial.Baud))
	}
	if _, err := codec.ParseAddress(cfg.DeviceAddress); err != nil {
		problems = append(problems, err.Error())
	}
	if cfg.AckMode != model.AckOptimistic && cfg.AckMode != model.AckAwait {
		problems = append(problems, fmt.Sprintf("ack_mode %q must be %q or %q", cfg.AckMode, model.AckOptimistic, model.AckAwait))
	}
	for name, v := range map[string]int{
		"poll_interval_ms": cfg.PollIntervalMS,
		"poll_timeout_ms":  cfg.PollTimeoutMS,
		"write_timeout_ms": cfg.WriteTimeoutMS,
		"ack_timeout_ms":   cfg.AckTimeoutMS,
		"loop_interval_ms": cfg.LoopIntervalMS,
	} {
		if v < 0 {
			problems = append(problems, fmt.Sprintf("%s must not be negative", name))
		}
	}

	if len(cfg.Switches) == 0 {
		problems = append(problems, "at least one switch is required")
	}
	if len(cfg.Switches) > codec.MaxRelay {
		problems = append(problems, fmt.Sprintf("%d switches configured, the board has %d relays", len(cfg.Switches), codec.MaxRelay))
	}
	for i, sw := range cfg.Switches {
		label := fmt.Sprintf("switches[%d]", i)
		if sw.Name != "" {
			label = fmt.Sprintf("switches[%d] (%s)", i, sw.Name)
		}
		if sw.RelayNumber == nil {
			problems = append(problems, label+": relay_number is required")
			continue
		}
		n := *sw.RelayNumber
		if !codec.ValidRelay(n) {
			problems = append(problems, fmt.Sprintf("%s: relay_number %d must be between %d and %d", label, n, codec.MinRelay, codec.MaxRelay))
			continue
		}
		if other, exists := usedRelay[n]; exists {
			problems = append(problems, fmt.Sprintf("%s and %s both use relay %d", label, other, n))
			continue
		}
		usedRelay[n] = label
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid relay board config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

func (cfg *Config) PollInterval() time.Duration { return ms(cfg.PollIntervalMS) }
func (cfg *Config) PollTimeout() time.Duration  { return ms(cfg.PollTimeoutMS) }
func (cfg *Config) WriteTimeout() time.Duration { return ms(cfg.WriteTimeoutMS) }
func (cfg *Config) AckTimeout() time.Duration   { return ms(cfg.AckTimeoutMS) }
func (cfg *Config) LoopInterval() time.Duration { return ms(cfg.LoopIntervalMS) }
func (cfg *Config) ReadTimeout() time.Duration  { return ms(cfg.Serial.ReadTimeoutMS) }

// Address returns the parsed board address. Only valid after Load.
func (cfg *Config) Address() codec.Address {
	a, err := codec.ParseAddress(cfg.DeviceAddress)
	if err != nil {
		return codec.DefaultAddress
	}
	return a
}
