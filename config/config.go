package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"linechain/crypto"
	"linechain/native/loan"
	"linechain/native/market"
)

// Config drives the lined daemon: where it listens, where state lives, and
// the protocol parameters applied at boot. Addresses are bech32 with the
// "line" prefix.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	DataDir       string `toml:"DataDir"`
	Environment   string `toml:"Environment"`

	AdminAddress   string `toml:"AdminAddress"`
	CustodyAddress string `toml:"CustodyAddress"`

	OriginationFeeBps uint64 `toml:"OriginationFeeBps"`
	InterestRateBps   uint64 `toml:"InterestRateBps"`
	ExchangeFeeBps    uint64 `toml:"ExchangeFeeBps"`
	BootstrapRateNum  uint64 `toml:"BootstrapRateNum"`
	BootstrapRateDen  uint64 `toml:"BootstrapRateDen"`

	RateLimitPerSecond float64 `toml:"RateLimitPerSecond"`
	RateLimitBurst     int     `toml:"RateLimitBurst"`

	PausedModules []string `toml:"PausedModules"`

	// AdminAPIKeys maps API key identifiers to shared HMAC secrets for the
	// gateway's admin surface. Empty means admin routes are unauthenticated.
	AdminAPIKeys map[string]string `toml:"AdminAPIKeys"`
}

// Load reads the configuration from path, creating a default file when none
// exists yet.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = ":8645"
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./line-data"
	}
	defaults := loan.DefaultParams()
	if c.InterestRateBps == 0 {
		c.InterestRateBps = defaults.InterestRateBps
	}
	if c.BootstrapRateNum == 0 || c.BootstrapRateDen == 0 {
		c.BootstrapRateNum = defaults.BootstrapRateNum
		c.BootstrapRateDen = defaults.BootstrapRateDen
	}
	if c.RateLimitPerSecond <= 0 {
		c.RateLimitPerSecond = 50
	}
	if c.RateLimitBurst <= 0 {
		c.RateLimitBurst = 100
	}
	if c.PausedModules == nil {
		c.PausedModules = []string{}
	}
}

// Validate rejects configurations the daemon cannot safely start with.
func (c *Config) Validate() error {
	if _, err := c.Admin(); err != nil {
		return fmt.Errorf("config: AdminAddress: %w", err)
	}
	if _, err := c.Custody(); err != nil {
		return fmt.Errorf("config: CustodyAddress: %w", err)
	}
	if c.OriginationFeeBps > 10_000 {
		return fmt.Errorf("config: OriginationFeeBps %d exceeds 10000", c.OriginationFeeBps)
	}
	if c.ExchangeFeeBps > 10_000 {
		return fmt.Errorf("config: ExchangeFeeBps %d exceeds 10000", c.ExchangeFeeBps)
	}
	if c.BootstrapRateDen == 0 {
		return fmt.Errorf("config: BootstrapRateDen must be positive")
	}
	return nil
}

// Admin decodes the configured admin address.
func (c *Config) Admin() (crypto.Address, error) {
	return crypto.DecodeAddress(strings.TrimSpace(c.AdminAddress))
}

// Custody decodes the configured custody address.
func (c *Config) Custody() (crypto.Address, error) {
	return crypto.DecodeAddress(strings.TrimSpace(c.CustodyAddress))
}

// LoanParams assembles the loan engine parameters from the config.
func (c *Config) LoanParams() loan.Params {
	return loan.Params{
		OriginationFeeBps: c.OriginationFeeBps,
		InterestRateBps:   c.InterestRateBps,
		BootstrapRateNum:  c.BootstrapRateNum,
		BootstrapRateDen:  c.BootstrapRateDen,
	}
}

// createDefault writes a fresh configuration with generated admin and custody
// keys so a new deployment boots without manual address plumbing.
func createDefault(path string) (*Config, error) {
	adminKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	custodyKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	defaults := loan.DefaultParams()
	cfg := &Config{
		ListenAddress:      ":8645",
		DataDir:            "./line-data",
		Environment:        "local",
		AdminAddress:       adminKey.PubKey().Address().String(),
		CustodyAddress:     custodyKey.PubKey().Address().String(),
		OriginationFeeBps:  defaults.OriginationFeeBps,
		InterestRateBps:    defaults.InterestRateBps,
		ExchangeFeeBps:     market.DefaultExchangeFeeBps,
		BootstrapRateNum:   defaults.BootstrapRateNum,
		BootstrapRateDen:   defaults.BootstrapRateDen,
		RateLimitPerSecond: 50,
		RateLimitBurst:     100,
		PausedModules:      []string{},
	}
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return toml.NewEncoder(file).Encode(cfg)
}
