package vsock

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	cfg := Config{CID: 3}
	cfg.applyDefaults()

	require.Equal(t, []uint16{256, 256, 256}, cfg.QueueSizes)
	require.Equal(t, DefaultTxBufWatermark, cfg.TxBufWatermark)
	require.Equal(t, DefaultMaxConnections, cfg.MaxConnections)
	require.NoError(t, cfg.Validate())
}

func TestConfigValidate(t *testing.T) {
	base := func() Config {
		cfg := Config{CID: 3}
		cfg.applyDefaults()
		return cfg
	}

	cfg := base()
	cfg.CID = 2
	require.Error(t, cfg.Validate(), "reserved cid")

	cfg = base()
	cfg.QueueSizes[1] = 0
	require.Error(t, cfg.Validate(), "zero queue size")

	cfg = base()
	cfg.QueueSizes[0] = 100
	require.Error(t, cfg.Validate(), "non power of two")

	cfg = base()
	cfg.TxBufWatermark = -1
	require.Error(t, cfg.Validate())
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vsock.yaml")
	data := `
cid: 52
socket_path: /run/ember/vsock.sock
queue_sizes: [128, 128, 64]
tx_buf_watermark: 32768
max_connections: 16
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, uint64(52), cfg.CID)
	require.Equal(t, "/run/ember/vsock.sock", cfg.SocketPath)
	require.Equal(t, []uint16{128, 128, 64}, cfg.QueueSizes)
	require.Equal(t, 32768, cfg.TxBufWatermark)
	require.Equal(t, 16, cfg.MaxConnections)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfigPartial(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vsock.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cid: 7\n"), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, uint64(7), cfg.CID)
	require.Equal(t, []uint16{256, 256, 256}, cfg.QueueSizes)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cid: [not a number"), 0o644))
	_, err = LoadConfig(path)
	require.Error(t, err)
}
