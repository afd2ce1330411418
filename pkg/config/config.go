package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var (
	ErrInvalid = errors.New("config: invalid")

	validate = validator.New()
)

type Config struct {
	Session SessionConfig `yaml:"session"`
	TxnMgr  TxnMgrConfig  `yaml:"txn_manager"`
	Forward ForwardConfig `yaml:"forward"`
}

type SessionConfig struct {
	ExecTimeoutSecond      int64 `yaml:"exec_timeout_second" validate:"min=1"`
	InsertVisibleTimeoutMs int64 `yaml:"insert_visible_timeout_ms" validate:"min=1"`
	AbortTimeoutMs         int64 `yaml:"abort_timeout_ms" validate:"min=1"`
	StreamBatchRows        int   `yaml:"stream_batch_rows" validate:"min=1,max=1048576"`
}

type TxnMgrConfig struct {
	PublishWorkers        int   `yaml:"publish_workers" validate:"min=1,max=1024"`
	Replicas              int   `yaml:"replicas" validate:"min=1,max=16"`
	MaxFinishedTxns       int   `yaml:"max_finished_txns" validate:"min=1"`
	ExpireCheckIntervalMs int64 `yaml:"expire_check_interval_ms" validate:"min=0"`
}

type ForwardConfig struct {
	Leader        bool   `yaml:"leader"`
	ListenAddr    string `yaml:"listen_addr"`
	LeaderAddr    string `yaml:"leader_addr"`
	TimeoutMs     int64  `yaml:"timeout_ms" validate:"min=1"`
	ServerWorkers int    `yaml:"server_workers" validate:"min=1,max=256"`
}

func Default() *Config {
	return &Config{
		Session: SessionConfig{
			ExecTimeoutSecond:      300,
			InsertVisibleTimeoutMs: 60000,
			AbortTimeoutMs:         5000,
			StreamBatchRows:        4096,
		},
		TxnMgr: TxnMgrConfig{
			PublishWorkers:        8,
			Replicas:              3,
			MaxFinishedTxns:       10000,
			ExpireCheckIntervalMs: 10000,
		},
		Forward: ForwardConfig{
			Leader:        true,
			TimeoutMs:     5000,
			ServerWorkers: 4,
		},
	}
}

// Parse overlays the YAML document on the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if !c.Forward.Leader && c.Forward.LeaderAddr == "" {
		return fmt.Errorf("%w: follower needs forward.leader_addr", ErrInvalid)
	}
	return nil
}

func (c *SessionConfig) ExecTimeout() time.Duration {
	return time.Duration(c.ExecTimeoutSecond) * time.Second
}

func (c *SessionConfig) InsertVisibleTimeout() time.Duration {
	return time.Duration(c.InsertVisibleTimeoutMs) * time.Millisecond
}

func (c *SessionConfig) AbortTimeout() time.Duration {
	return time.Duration(c.AbortTimeoutMs) * time.Millisecond
}

func (c *TxnMgrConfig) ExpireCheckInterval() time.Duration {
	return time.Duration(c.ExpireCheckIntervalMs) * time.Millisecond
}

func (c *ForwardConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}
