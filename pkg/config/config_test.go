package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Nil(t, cfg.Validate())
	assert.Equal(t, 300*time.Second, cfg.Session.ExecTimeout())
	assert.Equal(t, 60*time.Second, cfg.Session.InsertVisibleTimeout())
	assert.Equal(t, 5*time.Second, cfg.Session.AbortTimeout())
	assert.Equal(t, 5*time.Second, cfg.Forward.Timeout())
	assert.Equal(t, 10*time.Second, cfg.TxnMgr.ExpireCheckInterval())
}

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(`
session:
  exec_timeout_second: 30
  stream_batch_rows: 128
forward:
  leader: false
  leader_addr: tcp://10.0.0.1:9030
`))
	assert.Nil(t, err)
	assert.Equal(t, int64(30), cfg.Session.ExecTimeoutSecond)
	assert.Equal(t, 128, cfg.Session.StreamBatchRows)
	assert.Equal(t, int64(60000), cfg.Session.InsertVisibleTimeoutMs)
	assert.False(t, cfg.Forward.Leader)
	assert.Equal(t, "tcp://10.0.0.1:9030", cfg.Forward.LeaderAddr)

	_, err = Parse([]byte("forward:\n  leader: false\n"))
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = Parse([]byte("session:\n  stream_batch_rows: 0\n"))
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = Parse([]byte("txn_manager:\n  publish_workers: -1\n"))
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = Parse([]byte("session: ["))
	assert.NotNil(t, err)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "txn.yaml")
	assert.Nil(t, os.WriteFile(path, []byte("txn_manager:\n  replicas: 1\n"), 0o644))
	cfg, err := Load(path)
	assert.Nil(t, err)
	assert.Equal(t, 1, cfg.TxnMgr.Replicas)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.NotNil(t, err)
}
