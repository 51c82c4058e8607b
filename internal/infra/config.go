// Package infra holds the operational plumbing: configuration,
// filesystem layout, reconnect/backoff policies, rate limiting and the
// websocket worker shared by venue adapters.
package infra

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"tradecore/pkg/quant"
)

// Config is the full application configuration. Secrets present in the
// file are overridden by environment variables when set.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Engine struct {
		// Mode selects the execution backend: sim, paper or live.
		Mode string `yaml:"mode"`
		// Margin is spot or isolated.
		Margin    string   `yaml:"margin"`
		Hedged    bool     `yaml:"hedged"`
		Timeframe string   `yaml:"timeframe"`
		Symbols   []string `yaml:"symbols"`

		InitialCashMicros int64  `yaml:"initial_cash_micros"`
		Currency          string `yaml:"currency"`

		// LiqBufferBps widens the liquidation trigger, in 1e-8 rate
		// units. Zero uses the engine default.
		LiqBufferBps int64 `yaml:"liq_buffer_bps"`

		// WaitForMS bounds how long paper/live placements block for a
		// confirming event.
		WaitForMS int `yaml:"wait_for_ms"`
		// WatcherIdleMS stops idle account watchers after this long.
		WatcherIdleMS int `yaml:"watcher_idle_ms"`
		// ClockIntervalMS paces paper/live strategy ticks.
		ClockIntervalMS int `yaml:"clock_interval_ms"`

		// From/To bound the simulated candle grid, RFC3339. Empty
		// means the full archive.
		From string `yaml:"from"`
		To   string `yaml:"to"`
	} `yaml:"engine"`

	Strategy struct {
		Name        string `yaml:"name"`
		ShortPeriod int    `yaml:"short_period"`
		LongPeriod  int    `yaml:"long_period"`
		SizeSats    int64  `yaml:"size_sats"`
	} `yaml:"strategy"`

	API struct {
		Bitget struct {
			WSURL      string `yaml:"ws_url"`
			RestURL    string `yaml:"rest_url"`
			AccessKey  string `yaml:"access_key"`
			SecretKey  string `yaml:"secret_key"`
			Passphrase string `yaml:"passphrase"`
		} `yaml:"bitget"`
	} `yaml:"api"`

	Storage struct {
		CandleDB    string `yaml:"candle_db"`
		JournalDB   string `yaml:"journal_db"`
		SnapshotDir string `yaml:"snapshot_dir"`
	} `yaml:"storage"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// LoadConfig reads and validates the configuration file. Environment
// variables override file values for secrets and tuning knobs.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	overrideWithEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// WaitFor returns the placement wait bound as a duration.
func (c *Config) WaitFor() time.Duration {
	return time.Duration(c.Engine.WaitForMS) * time.Millisecond
}

// WatcherIdle returns the watcher idle-stop timeout.
func (c *Config) WatcherIdle() time.Duration {
	return time.Duration(c.Engine.WatcherIdleMS) * time.Millisecond
}

// ClockInterval returns the paper/live tick pacing.
func (c *Config) ClockInterval() time.Duration {
	if c.Engine.ClockIntervalMS <= 0 {
		return time.Second
	}
	return time.Duration(c.Engine.ClockIntervalMS) * time.Millisecond
}

// TimeRange parses the simulated grid bounds. An empty from means the
// start of the archive, an empty to means its end.
func (c *Config) TimeRange() (from, to quant.TimeStamp, err error) {
	to = quant.TimeStamp(math.MaxInt64)
	if c.Engine.From != "" {
		t, err := time.Parse(time.RFC3339, c.Engine.From)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid engine.from: %w", err)
		}
		from = quant.TimeStamp(t.UnixMicro())
	}
	if c.Engine.To != "" {
		t, err := time.Parse(time.RFC3339, c.Engine.To)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid engine.to: %w", err)
		}
		to = quant.TimeStamp(t.UnixMicro())
	}
	return from, to, nil
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	mode := strings.ToLower(c.Engine.Mode)
	switch mode {
	case "sim", "paper", "live":
	default:
		return fmt.Errorf("unknown engine mode %q (want sim, paper or live)", c.Engine.Mode)
	}

	switch strings.ToLower(c.Engine.Margin) {
	case "", "spot", "isolated":
	default:
		return fmt.Errorf("unknown margin mode %q (want spot or isolated)", c.Engine.Margin)
	}

	if len(c.Engine.Symbols) == 0 {
		return fmt.Errorf("at least one symbol is required")
	}
	if c.Engine.Timeframe == "" {
		return fmt.Errorf("engine timeframe is required")
	}
	if mode != "live" && c.Engine.InitialCashMicros <= 0 {
		return fmt.Errorf("initial cash must be positive for %s mode", mode)
	}

	if _, _, err := c.TimeRange(); err != nil {
		return err
	}

	if mode != "sim" {
		ws := c.API.Bitget.WSURL
		if !strings.HasPrefix(ws, "ws://") && !strings.HasPrefix(ws, "wss://") {
			return fmt.Errorf("invalid bitget WS URL: %s", ws)
		}
	}
	return nil
}

// overrideWithEnv applies environment overrides. Environment wins over
// the file so secrets can stay out of it.
func overrideWithEnv(cfg *Config) {
	if cfg.API.Bitget.SecretKey != "" {
		fmt.Println("WARNING: API secrets found in config file.")
		fmt.Println("  Prefer environment variables: TRADECORE_BITGET_KEY, TRADECORE_BITGET_SECRET, TRADECORE_BITGET_PASSPHRASE")
	}

	if key := os.Getenv("TRADECORE_BITGET_KEY"); key != "" {
		cfg.API.Bitget.AccessKey = key
	}
	if secret := os.Getenv("TRADECORE_BITGET_SECRET"); secret != "" {
		cfg.API.Bitget.SecretKey = secret
	}
	if pass := os.Getenv("TRADECORE_BITGET_PASSPHRASE"); pass != "" {
		cfg.API.Bitget.Passphrase = pass
	}
	if buf := os.Getenv("ENGINE_LIQ_BUFFER_BPS"); buf != "" {
		if v, err := strconv.ParseInt(buf, 10, 64); err == nil && v > 0 {
			cfg.Engine.LiqBufferBps = v
		}
	}
}
