// Package config loads service settings from defaults, an optional YAML file
// and the environment, in that order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	yaml "gopkg.in/yaml.v3"

	"ridernav/internal/clock"
)

type Config struct {
	Port        string `yaml:"port"`
	DatabaseURL string `yaml:"databaseUrl"`
	RedisURL    string `yaml:"redisUrl"`

	Kafka struct {
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
	} `yaml:"kafka"`

	AMQP struct {
		URL   string `yaml:"url"`
		Queue string `yaml:"queue"`
	} `yaml:"amqp"`

	Solver Solver `yaml:"solver"`

	Depot struct {
		Lat float64 `yaml:"lat"`
		Lng float64 `yaml:"lng"`
	} `yaml:"depot"`

	// DayStartUTC is "HH:MM", the operational cutover all deadlines are offset from.
	DayStartUTC string `yaml:"dayStartUtc"`
	LocalTZ     string `yaml:"localTz"`

	Travel struct {
		DetourFactor float64 `yaml:"detourFactor"`
		Calibration  float64 `yaml:"calibration"`
		Jitter       float64 `yaml:"jitter"`
	} `yaml:"travel"`

	Rate struct {
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
	} `yaml:"rate"`

	WebhookMaxAttempts int `yaml:"webhookMaxAttempts"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

type Solver struct {
	DispatchBinary string        `yaml:"dispatchBinary"`
	PickupBinary   string        `yaml:"pickupBinary"`
	DebugDir       string        `yaml:"debugDir"`
	Timeout        time.Duration `yaml:"timeout"`
}

// Default mirrors the warehouse the system was first deployed at.
func Default() Config {
	var c Config
	c.Port = "8080"
	c.Kafka.Topic = "ridernav.events"
	c.AMQP.Queue = "ridernav.notifications"
	c.Solver = Solver{
		DispatchBinary: "./solver/bin/dispatch",
		PickupBinary:   "./solver/bin/pickup",
		DebugDir:       "./solver",
		Timeout:        10 * time.Second,
	}
	c.Depot.Lat = 17.405991509704737
	c.Depot.Lng = 78.40374949215402
	c.DayStartUTC = "04:30"
	c.LocalTZ = "Asia/Kolkata"
	c.Travel.DetourFactor = 1.25
	c.Travel.Calibration = 30
	c.Travel.Jitter = 0.10
	c.Rate.RPS = 5
	c.Rate.Burst = 10
	c.WebhookMaxAttempts = 10
	c.Log.Level = "info"
	c.Log.Format = "json"
	return c
}

// Load reads .env (if present), then CONFIG_FILE (if set), then env overrides.
func Load() (Config, error) {
	_ = godotenv.Load()
	c := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return c, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return c, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	if err := c.applyEnv(); err != nil {
		return c, err
	}
	return c, c.Validate()
}

func (c *Config) applyEnv() error {
	str := func(k string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			*dst = v
		}
	}
	str("PORT", &c.Port)
	str("DATABASE_URL", &c.DatabaseURL)
	str("REDIS_URL", &c.RedisURL)
	str("KAFKA_TOPIC", &c.Kafka.Topic)
	str("AMQP_URL", &c.AMQP.URL)
	str("AMQP_QUEUE", &c.AMQP.Queue)
	str("SOLVER_DISPATCH_BIN", &c.Solver.DispatchBinary)
	str("SOLVER_PICKUP_BIN", &c.Solver.PickupBinary)
	str("SOLVER_DEBUG_DIR", &c.Solver.DebugDir)
	str("DAY_START_UTC", &c.DayStartUTC)
	str("LOCAL_TZ", &c.LocalTZ)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = splitList(v)
	}
	if v := os.Getenv("SOLVER_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("SOLVER_TIMEOUT: %w", err)
		}
		c.Solver.Timeout = d
	}
	floats := map[string]*float64{
		"DEPOT_LAT": &c.Depot.Lat,
		"DEPOT_LNG": &c.Depot.Lng,
		"RATE_RPS":  &c.Rate.RPS,
	}
	for k, dst := range floats {
		if v := os.Getenv(k); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
			*dst = f
		}
	}
	ints := map[string]*int{
		"RATE_BURST":           &c.Rate.Burst,
		"WEBHOOK_MAX_ATTEMPTS": &c.WebhookMaxAttempts,
	}
	for k, dst := range ints {
		if v := os.Getenv(k); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
			*dst = n
		}
	}
	return nil
}

func (c Config) Validate() error {
	if c.Solver.Timeout <= 0 {
		return fmt.Errorf("solver timeout must be > 0")
	}
	if c.Travel.Calibration <= 0 {
		return fmt.Errorf("travel calibration must be > 0")
	}
	if c.Travel.Jitter < 0 || c.Travel.Jitter >= 1 {
		return fmt.Errorf("travel jitter must be in [0,1)")
	}
	if _, err := c.DayStart(); err != nil {
		return err
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// DayStart parses DayStartUTC.
func (c Config) DayStart() (time.Duration, error) {
	return clock.ParseDayStart(c.DayStartUTC)
}

func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.LocalTZ)
	if err != nil {
		return nil, fmt.Errorf("localTz %q: %w", c.LocalTZ, err)
	}
	return loc, nil
}

func splitList(v string) []string {
	out := []string{}
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
