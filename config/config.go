package config

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/vadiminshakov/crashgame/internal/domain"
)

const (
	RateSourceBinance = "binance"
	RateSourceBybit   = "bybit"
	RateSourceStatic  = "static"
)

type Config struct {
	HTTPAddr string
	WALDir   string
	Debug    bool
	// TLSDomains switches the server to ACME certificates for these hosts.
	TLSDomains  []string
	TLSCacheDir string

	BetWindow       time.Duration
	TickInterval    time.Duration
	InterRoundDelay time.Duration
	StoreTimeout    time.Duration
	GrowthRate      decimal.Decimal

	HouseEdge          decimal.Decimal
	MinCrash           decimal.Decimal
	MaxCrash           decimal.Decimal
	DiscloseCrashPoint bool

	RateSource  string
	RateTTL     time.Duration
	RateTimeout time.Duration

	Currencies       []domain.Currency
	StartingBalances map[domain.Currency]decimal.Decimal
	FallbackRates    map[domain.Currency]decimal.Decimal
}

// ConfigTmp is the yaml representation. Decimals are strings, empty values take defaults.
type ConfigTmp struct {
	HTTPAddr    string   `yaml:"http_addr,omitempty"`
	WALDir      string   `yaml:"wal_dir,omitempty"`
	TLSDomains  []string `yaml:"tls_domains,omitempty"`
	TLSCacheDir string   `yaml:"tls_cache_dir,omitempty"`

	BetWindow       time.Duration `yaml:"bet_window,omitempty"`
	TickInterval    time.Duration `yaml:"tick_interval,omitempty"`
	InterRoundDelay time.Duration `yaml:"inter_round_delay,omitempty"`
	StoreTimeout    time.Duration `yaml:"store_timeout,omitempty"`
	GrowthRateStr   string        `yaml:"growth_rate,omitempty"`

	HouseEdgeStr       string `yaml:"house_edge,omitempty"`
	MinCrashStr        string `yaml:"min_crash,omitempty"`
	MaxCrashStr        string `yaml:"max_crash,omitempty"`
	DiscloseCrashPoint bool   `yaml:"disclose_crash_point,omitempty"`

	RateSource  string        `yaml:"rate_source,omitempty"`
	RateTTL     time.Duration `yaml:"rate_ttl,omitempty"`
	RateTimeout time.Duration `yaml:"rate_timeout,omitempty"`

	Currencies       []string          `yaml:"currencies,omitempty"`
	StartingBalances map[string]string `yaml:"starting_balances,omitempty"`
	FallbackRates    map[string]string `yaml:"fallback_rates,omitempty"`
}

// Default returns the stock configuration.
func Default() Config {
	return Config{
		HTTPAddr:        ":8000",
		WALDir:          "./wal/crash",
		TLSCacheDir:     "cert-cache",
		BetWindow:       5 * time.Second,
		TickInterval:    100 * time.Millisecond,
		InterRoundDelay: 10 * time.Second,
		StoreTimeout:    2 * time.Second,
		GrowthRate:      decimal.RequireFromString("0.05"),
		HouseEdge:       decimal.RequireFromString("0.01"),
		MinCrash:        decimal.NewFromInt(1),
		MaxCrash:        decimal.NewFromInt(100),
		RateSource:      RateSourceBinance,
		RateTTL:         10 * time.Second,
		RateTimeout:     2 * time.Second,
		Currencies:      []domain.Currency{domain.CurrencyUSD, domain.CurrencyBTC, domain.CurrencyETH},
		StartingBalances: map[domain.Currency]decimal.Decimal{
			domain.CurrencyUSD: decimal.NewFromInt(100),
			domain.CurrencyBTC: decimal.RequireFromString("0.001"),
			domain.CurrencyETH: decimal.RequireFromString("0.01"),
		},
		FallbackRates: map[domain.Currency]decimal.Decimal{
			domain.CurrencyUSD: decimal.NewFromInt(1),
			domain.CurrencyBTC: decimal.NewFromInt(60000),
			domain.CurrencyETH: decimal.NewFromInt(3000),
		},
	}
}

// Get reads the configuration from --config or from command line flags.
func Get() (Config, error) {
	return Parse(os.Args[1:])
}

// Parse reads the configuration from args. A --config file wins over the other flags,
// except --debug.
func Parse(args []string) (Config, error) {
	def := Default()

	fs := flag.NewFlagSet("crashd", flag.ContinueOnError)
	path := fs.String("config", "", "path to yaml config")
	debug := fs.Bool("debug", false, "development logging")
	httpAddr := fs.String("http", def.HTTPAddr, "http listen address")
	walDir := fs.String("wal-dir", def.WALDir, "directory of the write-ahead log")
	tlsDomains := fs.String("tls-domains", "", "comma separated hosts for automatic TLS")
	betWindow := fs.Duration("bet-window", def.BetWindow, "time bets are accepted after a round opens")
	tick := fs.Duration("tick", def.TickInterval, "multiplier tick interval")
	delay := fs.Duration("inter-round-delay", def.InterRoundDelay, "pause between a crash and the next round")
	growth := fs.String("growth", def.GrowthRate.String(), "multiplier growth per second")
	edge := fs.String("house-edge", def.HouseEdge.String(), "house edge, example: 0.01")
	minCrash := fs.String("min-crash", def.MinCrash.String(), "lowest crash point")
	maxCrash := fs.String("max-crash", def.MaxCrash.String(), "highest crash point")
	disclose := fs.Bool("disclose-crash-point", false, "publish the crash point when the round opens")
	rateSource := fs.String("rate-source", def.RateSource, "binance, bybit or static")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if *path != "" {
		cfg, err := Load(*path)
		if err != nil {
			return Config{}, err
		}
		cfg.Debug = *debug
		return cfg, nil
	}

	tmp := ConfigTmp{
		HTTPAddr:           *httpAddr,
		WALDir:             *walDir,
		TLSDomains:         splitList(*tlsDomains),
		BetWindow:          *betWindow,
		TickInterval:       *tick,
		InterRoundDelay:    *delay,
		GrowthRateStr:      *growth,
		HouseEdgeStr:       *edge,
		MinCrashStr:        *minCrash,
		MaxCrashStr:        *maxCrash,
		DiscloseCrashPoint: *disclose,
		RateSource:         *rateSource,
	}
	cfg, err := tmp.ToConfig()
	if err != nil {
		return Config{}, err
	}
	cfg.Debug = *debug

	return cfg, nil
}

// Load reads a yaml config file.
func Load(path string) (Config, error) {
	f, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var tmp ConfigTmp
	if err := yaml.Unmarshal(f, &tmp); err != nil {
		return Config{}, fmt.Errorf("incorrect yaml config %s: %w", path, err)
	}

	return tmp.ToConfig()
}

// ToConfig parses the raw values on top of the defaults and validates the result.
func (c ConfigTmp) ToConfig() (Config, error) {
	cfg := Default()

	if c.HTTPAddr != "" {
		cfg.HTTPAddr = c.HTTPAddr
	}
	if c.WALDir != "" {
		cfg.WALDir = c.WALDir
	}
	cfg.TLSDomains = c.TLSDomains
	if c.TLSCacheDir != "" {
		cfg.TLSCacheDir = c.TLSCacheDir
	}
	if c.BetWindow != 0 {
		cfg.BetWindow = c.BetWindow
	}
	if c.TickInterval != 0 {
		cfg.TickInterval = c.TickInterval
	}
	if c.InterRoundDelay != 0 {
		cfg.InterRoundDelay = c.InterRoundDelay
	}
	if c.StoreTimeout != 0 {
		cfg.StoreTimeout = c.StoreTimeout
	}
	if c.RateTTL != 0 {
		cfg.RateTTL = c.RateTTL
	}
	if c.RateTimeout != 0 {
		cfg.RateTimeout = c.RateTimeout
	}
	if c.RateSource != "" {
		cfg.RateSource = strings.ToLower(c.RateSource)
	}
	cfg.DiscloseCrashPoint = c.DiscloseCrashPoint

	decimals := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"growth_rate", c.GrowthRateStr, &cfg.GrowthRate},
		{"house_edge", c.HouseEdgeStr, &cfg.HouseEdge},
		{"min_crash", c.MinCrashStr, &cfg.MinCrash},
		{"max_crash", c.MaxCrashStr, &cfg.MaxCrash},
	}
	for _, d := range decimals {
		if d.raw == "" {
			continue
		}
		v, err := decimal.NewFromString(d.raw)
		if err != nil {
			return Config{}, fmt.Errorf("incorrect '%s' param (must be a decimal), error: %w", d.name, err)
		}
		*d.dst = v
	}

	if len(c.Currencies) > 0 {
		cfg.Currencies = cfg.Currencies[:0:0]
		for _, raw := range c.Currencies {
			cur, err := domain.ParseCurrency(raw)
			if err != nil {
				return Config{}, fmt.Errorf("incorrect 'currencies' entry %q: %w", raw, err)
			}
			cfg.Currencies = append(cfg.Currencies, cur)
		}
	}

	var err error
	if len(c.StartingBalances) > 0 {
		if cfg.StartingBalances, err = parseAmounts("starting_balances", c.StartingBalances); err != nil {
			return Config{}, err
		}
	}
	if len(c.FallbackRates) > 0 {
		if cfg.FallbackRates, err = parseAmounts("fallback_rates", c.FallbackRates); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Tmp converts the config back into its yaml representation.
func (c Config) Tmp() ConfigTmp {
	tmp := ConfigTmp{
		HTTPAddr:           c.HTTPAddr,
		WALDir:             c.WALDir,
		TLSDomains:         c.TLSDomains,
		TLSCacheDir:        c.TLSCacheDir,
		BetWindow:          c.BetWindow,
		TickInterval:       c.TickInterval,
		InterRoundDelay:    c.InterRoundDelay,
		StoreTimeout:       c.StoreTimeout,
		GrowthRateStr:      c.GrowthRate.String(),
		HouseEdgeStr:       c.HouseEdge.String(),
		MinCrashStr:        c.MinCrash.String(),
		MaxCrashStr:        c.MaxCrash.String(),
		DiscloseCrashPoint: c.DiscloseCrashPoint,
		RateSource:         c.RateSource,
		RateTTL:            c.RateTTL,
		RateTimeout:        c.RateTimeout,
		StartingBalances:   make(map[string]string, len(c.StartingBalances)),
		FallbackRates:      make(map[string]string, len(c.FallbackRates)),
	}
	for _, cur := range c.Currencies {
		tmp.Currencies = append(tmp.Currencies, cur.String())
	}
	for cur, v := range c.StartingBalances {
		tmp.StartingBalances[cur.String()] = v.String()
	}
	for cur, v := range c.FallbackRates {
		tmp.FallbackRates[cur.String()] = v.String()
	}
	return tmp
}

// Validate rejects inconsistent settings.
func (c Config) Validate() error {
	if c.BetWindow <= 0 {
		return fmt.Errorf("bet window must be positive, got %s", c.BetWindow)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick interval must be positive, got %s", c.TickInterval)
	}
	if c.InterRoundDelay < 0 {
		return fmt.Errorf("inter round delay must not be negative, got %s", c.InterRoundDelay)
	}
	if !c.GrowthRate.IsPositive() {
		return fmt.Errorf("growth rate must be positive, got %s", c.GrowthRate)
	}
	if c.HouseEdge.IsNegative() || c.HouseEdge.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("house edge must be in [0, 1), got %s", c.HouseEdge)
	}
	if c.MinCrash.LessThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("min crash must be at least 1, got %s", c.MinCrash)
	}
	if c.MaxCrash.LessThanOrEqual(c.MinCrash) {
		return fmt.Errorf("max crash %s must be greater than min crash %s", c.MaxCrash, c.MinCrash)
	}

	switch c.RateSource {
	case RateSourceBinance, RateSourceBybit, RateSourceStatic:
	default:
		return fmt.Errorf("unsupported rate source %q", c.RateSource)
	}

	if len(c.Currencies) == 0 {
		return fmt.Errorf("at least one currency is required")
	}
	for _, cur := range c.Currencies {
		if cur.IsNormalized() {
			continue
		}
		rate, ok := c.FallbackRates[cur]
		if !ok || !rate.IsPositive() {
			return fmt.Errorf("currency %s needs a positive fallback rate", cur)
		}
	}
	for cur, v := range c.StartingBalances {
		if v.IsNegative() {
			return fmt.Errorf("starting balance of %s must not be negative", cur)
		}
	}

	return nil
}

// CurrencyList renders the configured currencies, e.g. "usd, btc, eth".
func (c Config) CurrencyList() string {
	names := make([]string, 0, len(c.Currencies))
	for _, cur := range c.Currencies {
		names = append(names, cur.String())
	}
	return strings.Join(names, ", ")
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseAmounts(name string, raw map[string]string) (map[domain.Currency]decimal.Decimal, error) {
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[domain.Currency]decimal.Decimal, len(raw))
	for _, k := range keys {
		cur, err := domain.ParseCurrency(k)
		if err != nil {
			return nil, fmt.Errorf("incorrect '%s' currency %q: %w", name, k, err)
		}
		v, err := decimal.NewFromString(raw[k])
		if err != nil {
			return nil, fmt.Errorf("incorrect '%s' amount for %s (must be a decimal), error: %w", name, k, err)
		}
		out[cur] = v
	}
	return out, nil
}
