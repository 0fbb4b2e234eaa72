package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Backend selection values.
const (
	BackendLive      = "live"
	BackendSimulated = "simulated"
	BackendAuto      = "auto"
)

// Config holds environment-driven settings for the execution core.
type Config struct {
	Port     string
	GRPCPort string

	Backend    string // "live", "simulated" or "auto"
	Instrument string

	DBPath  string
	LogFile string

	// Operator auth
	JWTSecret            string
	OperatorUser         string
	OperatorPasswordHash string // bcrypt; login is disabled when empty

	// Synthetic feed for simulated mode
	UseMockFeed      bool
	MockFeedInterval time.Duration

	RiskAlertInterval time.Duration

	Live      LiveConfig      `yaml:"live"`
	Execution ExecutionConfig `yaml:"execution"`
	Risk      RiskConfig      `yaml:"risk"`
	Simulated SimulatedConfig `yaml:"simulated"`
}

type LiveConfig struct {
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"-"`
	APISecret   string        `yaml:"-"`
	Passphrase  string        `yaml:"-"`
	MinInterval time.Duration `yaml:"min_interval"`
}

// HasCredentials reports whether all three credentials are present.
func (l LiveConfig) HasCredentials() bool {
	return l.APIKey != "" && l.APISecret != "" && l.Passphrase != ""
}

type ExecutionConfig struct {
	Strategy        string        `yaml:"strategy"` // "aggressive" (MARKET) or "passive" (LIMIT)
	LimitOffset     float64       `yaml:"limit_offset"`
	OrderTimeout    time.Duration `yaml:"order_timeout"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	MonitorInterval time.Duration `yaml:"monitor_interval"`
	MaxDailyTrades  int           `yaml:"max_daily_trades"`
	Cooldown        time.Duration `yaml:"cooldown"`
	QualityWindow   int           `yaml:"quality_window"`
}

type RiskConfig struct {
	InitialBalance       float64 `yaml:"initial_balance"`
	BaseFraction         float64 `yaml:"base_fraction"`
	MaxFraction          float64 `yaml:"max_fraction"`
	StopLossPct          float64 `yaml:"stop_loss_pct"`
	TakeProfitPct        float64 `yaml:"take_profit_pct"`
	MaxDrawdown          float64 `yaml:"max_drawdown"`
	DrawdownThreshold    float64 `yaml:"drawdown_threshold"`
	MaxConsecutiveLosses int     `yaml:"max_consecutive_losses"`
	LossStreakThreshold  int     `yaml:"loss_streak_threshold"`
	VolatilityThreshold  float64 `yaml:"volatility_threshold"`
	UseTrailingStop      bool    `yaml:"use_trailing_stop"`
	TrailingPercent      float64 `yaml:"trailing_percent"`
}

type SimulatedConfig struct {
	Slippage       float64            `yaml:"slippage"`
	FeeRate        float64            `yaml:"fee_rate"`
	ReferencePrice float64            `yaml:"reference_price"`
	Spread         float64            `yaml:"spread"`
	Depth          int                `yaml:"depth"`
	Balances       map[string]float64 `yaml:"balances"`
}

// Load reads environment variables (optionally via .env) into Config, then
// applies the YAML file named by CONFIG_FILE on top, if any.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		GRPCPort:             getEnv("GRPC_PORT", "9090"),
		Backend:              strings.ToLower(getEnv("BACKEND", BackendAuto)),
		Instrument:           strings.ToUpper(getEnv("INSTRUMENT", "BTC-USD")),
		DBPath:               getEnv("DB_PATH", "./data/execution.db"),
		LogFile:              os.Getenv("LOG_FILE"),
		JWTSecret:            getEnv("JWT_SECRET", "dev-secret"),
		OperatorUser:         getEnv("OPERATOR_USER", "admin"),
		OperatorPasswordHash: os.Getenv("OPERATOR_PASSWORD_HASH"),
		UseMockFeed:          getEnv("USE_MOCK_FEED", "true") == "true",
		MockFeedInterval:     getEnvDuration("MOCK_FEED_INTERVAL", time.Second),
		RiskAlertInterval:    getEnvDuration("RISK_ALERT_INTERVAL", 30*time.Second),
		Live: LiveConfig{
			BaseURL:     getEnv("LIVE_BASE_URL", "https://api.exchange.coinbase.com"),
			APIKey:      os.Getenv("LIVE_API_KEY"),
			APISecret:   os.Getenv("LIVE_API_SECRET"),
			Passphrase:  os.Getenv("LIVE_PASSPHRASE"),
			MinInterval: getEnvDuration("LIVE_MIN_INTERVAL", 100*time.Millisecond),
		},
		Execution: ExecutionConfig{
			Strategy:        strings.ToLower(getEnv("EXEC_STRATEGY", "aggressive")),
			LimitOffset:     getEnvFloat("EXEC_LIMIT_OFFSET", 0.0005),
			OrderTimeout:    getEnvDuration("EXEC_ORDER_TIMEOUT", 300*time.Second),
			PollInterval:    getEnvDuration("EXEC_POLL_INTERVAL", time.Second),
			MonitorInterval: getEnvDuration("EXEC_MONITOR_INTERVAL", 5*time.Second),
			MaxDailyTrades:  getEnvInt("EXEC_MAX_DAILY_TRADES", 50),
			Cooldown:        getEnvDuration("EXEC_COOLDOWN", time.Hour),
			QualityWindow:   getEnvInt("EXEC_QUALITY_WINDOW", 1000),
		},
		Risk: RiskConfig{
			InitialBalance:       getEnvFloat("RISK_INITIAL_BALANCE", 10000),
			BaseFraction:         getEnvFloat("RISK_BASE_FRACTION", 0.10),
			MaxFraction:          getEnvFloat("RISK_MAX_FRACTION", 0.25),
			StopLossPct:          getEnvFloat("RISK_STOP_LOSS_PCT", 0.05),
			TakeProfitPct:        getEnvFloat("RISK_TAKE_PROFIT_PCT", 0.10),
			MaxDrawdown:          getEnvFloat("RISK_MAX_DRAWDOWN", 0.20),
			DrawdownThreshold:    getEnvFloat("RISK_DRAWDOWN_THRESHOLD", 0.05),
			MaxConsecutiveLosses: getEnvInt("RISK_MAX_CONSECUTIVE_LOSSES", 5),
			LossStreakThreshold:  getEnvInt("RISK_LOSS_STREAK_THRESHOLD", 2),
			VolatilityThreshold:  getEnvFloat("RISK_VOLATILITY_THRESHOLD", 0.02),
			UseTrailingStop:      getEnv("RISK_USE_TRAILING_STOP", "false") == "true",
			TrailingPercent:      getEnvFloat("RISK_TRAILING_PERCENT", 0.02),
		},
		Simulated: SimulatedConfig{
			Slippage:       getEnvFloat("SIM_SLIPPAGE", 0.001),
			FeeRate:        getEnvFloat("SIM_FEE_RATE", 0.005),
			ReferencePrice: getEnvFloat("SIM_REFERENCE_PRICE", 50000),
			Spread:         getEnvFloat("SIM_SPREAD", 0.0002),
			Depth:          getEnvInt("SIM_DEPTH", 5),
			Balances:       parseBalances(getEnv("SIM_BALANCES", "USD:10000")),
		},
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ResolvedBackend turns "auto" into a concrete choice: live only when all
// credentials are configured.
func (c *Config) ResolvedBackend() string {
	if c.Backend == BackendAuto {
		if c.Live.HasCredentials() {
			return BackendLive
		}
		return BackendSimulated
	}
	return c.Backend
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) validate() error {
	switch c.Backend {
	case BackendLive, BackendSimulated, BackendAuto:
	default:
		return fmt.Errorf("invalid BACKEND %q: want live, simulated or auto", c.Backend)
	}
	if c.Backend == BackendLive && !c.Live.HasCredentials() {
		return fmt.Errorf("BACKEND=live requires LIVE_API_KEY, LIVE_API_SECRET and LIVE_PASSPHRASE")
	}
	switch c.Execution.Strategy {
	case "aggressive", "passive":
	default:
		return fmt.Errorf("invalid execution strategy %q", c.Execution.Strategy)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// parseBalances reads "USD:10000,BTC:0.5".
func parseBalances(val string) map[string]float64 {
	out := make(map[string]float64)
	for _, kv := range splitAndTrim(val) {
		cur, amt, ok := strings.Cut(kv, ":")
		if !ok {
			continue
		}
		if f, err := strconv.ParseFloat(strings.TrimSpace(amt), 64); err == nil {
			out[strings.ToUpper(strings.TrimSpace(cur))] = f
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
