package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

type ChannelsConfig struct {
	// DepositMultiplier is used for deposit of auto opened channels, amount * multiplier.
	DepositMultiplier uint64
	// MinDeposit in token units, decimal.
	MinDeposit       string
	DurationSec      uint32
	DisputeWindowSec uint32

	// ArchiveKeep hot payments are kept per channel, older are moved to archive.
	ArchiveKeep        int
	ArchiveIntervalSec uint32
}

type RedisConfig struct {
	Address   string
	Password  string
	DB        int
	Namespace string
}

type StorageConfig struct {
	// Type is leveldb or redis
	Type                string
	DBPath              string
	Redis               RedisConfig
	ArchiveMySQLDSN     string
	AutoSaveIntervalSec uint32
}

type SettlementConfig struct {
	// Type is simulated or evm
	Type         string
	Network      string
	NetworksFile string
	GasLimit     uint64
}

type EventsConfig struct {
	AMQPURL  string
	Exchange string

	WebhookURL string
	// WebhookKey signs webhook bodies with hmac-sha256, hex encoded.
	WebhookKey string
}

type MetricsConfig struct {
	// ListenAddr empty disables metrics
	ListenAddr string
	Namespace  string
}

type LogConfig struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

type Config struct {
	SenderPrivateKey string
	Token            Token
	Channels         ChannelsConfig
	Storage          StorageConfig
	Settlement       SettlementConfig
	Events           EventsConfig
	Metrics          MetricsConfig
	Log              LogConfig
}

func (c *Config) ChannelDuration() time.Duration {
	return time.Duration(c.Channels.DurationSec) * time.Second
}

func (c *Config) DisputeWindow() time.Duration {
	return time.Duration(c.Channels.DisputeWindowSec) * time.Second
}

func (c *Config) AutoSaveInterval() time.Duration {
	return time.Duration(c.Storage.AutoSaveIntervalSec) * time.Second
}

func (c *Config) ArchiveInterval() time.Duration {
	return time.Duration(c.Channels.ArchiveIntervalSec) * time.Second
}

func (c *Config) MinDeposit() (uint64, error) {
	if c.Channels.MinDeposit == "" {
		return 0, nil
	}

	v, err := c.Token.ParseAmount(c.Channels.MinDeposit)
	if err != nil {
		return 0, fmt.Errorf("incorrect min deposit: %w", err)
	}
	return v, nil
}

func (c *Config) Validate() error {
	if c.SenderPrivateKey == "" {
		return fmt.Errorf("sender private key is not set")
	}
	if c.Token.Decimals > 18 {
		return fmt.Errorf("token decimals %d are too big", c.Token.Decimals)
	}
	if c.Token.Address != "" && !common.IsHexAddress(c.Token.Address) {
		return fmt.Errorf("token address %q is not valid", c.Token.Address)
	}
	if c.Channels.DepositMultiplier == 0 {
		return fmt.Errorf("deposit multiplier should be positive")
	}
	if c.Channels.DurationSec == 0 {
		return fmt.Errorf("channel duration should be positive")
	}
	if _, err := c.MinDeposit(); err != nil {
		return err
	}

	switch c.Storage.Type {
	case "leveldb":
		if c.Storage.DBPath == "" {
			return fmt.Errorf("db path is not set")
		}
	case "redis":
		if c.Storage.Redis.Address == "" {
			return fmt.Errorf("redis address is not set")
		}
	default:
		return fmt.Errorf("unknown storage type %q", c.Storage.Type)
	}

	switch c.Settlement.Type {
	case "simulated", "evm":
	default:
		return fmt.Errorf("unknown settlement type %q", c.Settlement.Type)
	}
	return nil
}

func defaultConfig() (*Config, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}

	return &Config{
		SenderPrivateKey: common.Bytes2Hex(crypto.FromECDSA(key)),
		Token: Token{
			Symbol:   "USDC",
			Decimals: 6,
		},
		Channels: ChannelsConfig{
			DepositMultiplier:  100,
			MinDeposit:         "1",
			DurationSec:        24 * 3600,
			DisputeWindowSec:   24 * 3600,
			ArchiveKeep:        1000,
			ArchiveIntervalSec: 300,
		},
		Storage: StorageConfig{
			Type:                "leveldb",
			DBPath:              "./paynet-db",
			AutoSaveIntervalSec: 5,
		},
		Settlement: SettlementConfig{
			Type:         "simulated",
			Network:      "base-sepolia",
			NetworksFile: "./networks.yaml",
		},
		Metrics: MetricsConfig{
			Namespace: "paynet",
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  256,
			MaxBackups: 8,
			MaxAgeDays: 30,
		},
	}, nil
}

// LoadConfig reads config, or generates a new one with a fresh sender key when file not exists.
func LoadConfig(path string) (*Config, error) {
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	_, err = os.Stat(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			err = os.MkdirAll(dir, os.ModePerm)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to check directory: %w", err)
		}
	}

	_, err = os.Stat(path)
	if os.IsNotExist(err) {
		cfg, err := defaultConfig()
		if err != nil {
			return nil, err
		}

		err = SaveConfig(cfg, path)
		if err != nil {
			return nil, err
		}

		return cfg, nil
	} else if err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}

		var cfg Config
		err = json.Unmarshal(data, &cfg)
		if err != nil {
			return nil, err
		}

		if err = cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid config %s: %w", path, err)
		}
		return &cfg, nil
	}

	return nil, err
}

func SaveConfig(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "\t")
	if err != nil {
		return err
	}

	err = os.WriteFile(path, data, 0600)
	if err != nil {
		return err
	}
	return nil
}
