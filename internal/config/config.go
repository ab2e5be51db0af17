package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"gopkg.in/yaml.v3"

	"saferelay/internal/safe"
)

type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar")
	}
	if value.Value == "" {
		d.Duration = 0
		return nil
	}
	if value.Tag == "!!int" {
		var v int64
		if err := value.Decode(&v); err != nil {
			return err
		}
		d.Duration = time.Duration(v) * time.Millisecond
		return nil
	}
	dur, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	d.Duration = dur
	return nil
}

type Config struct {
	Chain   string `yaml:"chain"`
	ChainID uint64 `yaml:"chain_id"`

	RPC struct {
		HTTP           string   `yaml:"http"`
		RequestTimeout Duration `yaml:"request_timeout"`
	} `yaml:"rpc"`

	Database struct {
		// DSN is the PostgreSQL connection string. Empty selects the
		// in-memory store.
		DSN string `yaml:"dsn"`
	} `yaml:"database"`

	KeyStore struct {
		Dir            string `yaml:"dir"`
		PassphraseEnv  string `yaml:"passphrase_env"`
		FundingAccount string `yaml:"funding_account"`
	} `yaml:"keystore"`

	GasStation struct {
		RefreshInterval   Duration     `yaml:"refresh_interval"`
		SourceTimeout     Duration     `yaml:"source_timeout"`
		MinQuorum         int          `yaml:"min_quorum"`
		OutlierMultiplier int64        `yaml:"outlier_multiplier"`
		StalenessCeiling  Duration     `yaml:"staleness_ceiling"`
		BlockSampleSize   uint64       `yaml:"block_sample_size"`
		HTTPSources       []HTTPSource `yaml:"http_sources"`
	} `yaml:"gas_station"`

	Relay struct {
		MaxGasPriceGwei      uint64   `yaml:"max_gas_price_gwei"`
		MaxTxGas             uint64   `yaml:"max_tx_gas"`
		GasLimitMultiplier   float64  `yaml:"gas_limit_multiplier"`
		BroadcastAttempts    int      `yaml:"broadcast_attempts"`
		BroadcastBackoff     Duration `yaml:"broadcast_backoff"`
		BumpPercent          int64    `yaml:"bump_percent"`
		AllowStalePrices     bool     `yaml:"allow_stale_prices"`
		RequireRefund        bool     `yaml:"require_refund"`
		RejectRevertingCalls bool     `yaml:"reject_reverting_calls"`
	} `yaml:"relay"`

	Tracker struct {
		SweepInterval     Duration `yaml:"sweep_interval"`
		ConfirmationDepth uint64   `yaml:"confirmation_depth"`
		ReplaceAfter      Duration `yaml:"replace_after"`
	} `yaml:"tracker"`

	MasterCopies []MasterCopy `yaml:"master_copies"`

	API struct {
		Listen    string `yaml:"listen"`
		AuthToken string `yaml:"auth_token"`
	} `yaml:"api"`
}

type HTTPSource struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// MasterCopy declares one wallet revision the relay accepts, with the
// factory that deploys its proxies and the proxy creation bytecode.
type MasterCopy struct {
	Version      string `yaml:"version"`
	Address      string `yaml:"address"`
	Factory      string `yaml:"factory"`
	CreationCode string `yaml:"creation_code"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Chain == "" {
		c.Chain = "mainnet"
	}
	if c.ChainID == 0 {
		switch strings.ToLower(c.Chain) {
		case "mainnet":
			c.ChainID = 1
		case "goerli":
			c.ChainID = 5
		case "sepolia":
			c.ChainID = 11155111
		}
	}
	if c.RPC.RequestTimeout.Duration == 0 {
		c.RPC.RequestTimeout = Duration{Duration: 15 * time.Second}
	}
	if c.KeyStore.Dir == "" {
		c.KeyStore.Dir = "data/keystore"
	}
	if c.KeyStore.PassphraseEnv == "" {
		c.KeyStore.PassphraseEnv = "SAFERELAY_KEYSTORE_PASSPHRASE"
	}
	if c.GasStation.RefreshInterval.Duration == 0 {
		c.GasStation.RefreshInterval = Duration{Duration: 30 * time.Second}
	}
	if c.GasStation.SourceTimeout.Duration == 0 {
		c.GasStation.SourceTimeout = Duration{Duration: 10 * time.Second}
	}
	if c.GasStation.MinQuorum == 0 {
		c.GasStation.MinQuorum = 1
	}
	if c.GasStation.OutlierMultiplier == 0 {
		c.GasStation.OutlierMultiplier = 5
	}
	if c.GasStation.StalenessCeiling.Duration == 0 {
		c.GasStation.StalenessCeiling = Duration{Duration: 5 * time.Minute}
	}
	if c.GasStation.BlockSampleSize == 0 {
		c.GasStation.BlockSampleSize = 20
	}
	if c.Relay.MaxGasPriceGwei == 0 {
		c.Relay.MaxGasPriceGwei = 500
	}
	if c.Relay.MaxTxGas == 0 {
		c.Relay.MaxTxGas = 8_000_000
	}
	if c.Relay.GasLimitMultiplier == 0 {
		c.Relay.GasLimitMultiplier = 1.3
	}
	if c.Relay.BroadcastAttempts == 0 {
		c.Relay.BroadcastAttempts = 3
	}
	if c.Relay.BroadcastBackoff.Duration == 0 {
		c.Relay.BroadcastBackoff = Duration{Duration: time.Second}
	}
	if c.Relay.BumpPercent == 0 {
		c.Relay.BumpPercent = 20
	}
	if c.Tracker.SweepInterval.Duration == 0 {
		c.Tracker.SweepInterval = Duration{Duration: 15 * time.Second}
	}
	if c.Tracker.ConfirmationDepth == 0 {
		c.Tracker.ConfirmationDepth = 6
	}
	if c.Tracker.ReplaceAfter.Duration == 0 {
		c.Tracker.ReplaceAfter = Duration{Duration: 5 * time.Minute}
	}
	if c.API.Listen == "" {
		c.API.Listen = ":8080"
	}
}

func (c *Config) validate() error {
	if c.RPC.HTTP == "" {
		return fmt.Errorf("rpc.http is required")
	}
	if c.ChainID == 0 {
		return fmt.Errorf("chain_id is required for chain %q", c.Chain)
	}
	if c.KeyStore.FundingAccount == "" {
		return fmt.Errorf("keystore.funding_account is required")
	}
	if !common.IsHexAddress(c.KeyStore.FundingAccount) {
		return fmt.Errorf("keystore.funding_account %q is not a hex address", c.KeyStore.FundingAccount)
	}
	if len(c.MasterCopies) == 0 {
		return fmt.Errorf("at least one master_copies entry is required")
	}
	for i, mc := range c.MasterCopies {
		if !common.IsHexAddress(mc.Address) {
			return fmt.Errorf("master_copies[%d].address %q is not a hex address", i, mc.Address)
		}
		if !common.IsHexAddress(mc.Factory) {
			return fmt.Errorf("master_copies[%d].factory %q is not a hex address", i, mc.Factory)
		}
		if mc.CreationCode == "" {
			return fmt.Errorf("master_copies[%d].creation_code is required", i)
		}
	}
	for i, src := range c.GasStation.HTTPSources {
		if src.Name == "" || src.URL == "" {
			return fmt.Errorf("gas_station.http_sources[%d] needs both name and url", i)
		}
	}
	return nil
}

// SafeMasterCopies decodes the configured master-copy table into the
// registry's representation.
func (c *Config) SafeMasterCopies() ([]safe.MasterCopy, error) {
	out := make([]safe.MasterCopy, 0, len(c.MasterCopies))
	for i, mc := range c.MasterCopies {
		code, err := hexutil.Decode(mc.CreationCode)
		if err != nil {
			return nil, fmt.Errorf("master_copies[%d].creation_code: %w", i, err)
		}
		out = append(out, safe.MasterCopy{
			Version:      safe.Version(mc.Version),
			Address:      common.HexToAddress(mc.Address),
			Factory:      common.HexToAddress(mc.Factory),
			CreationCode: code,
		})
	}
	return out, nil
}
