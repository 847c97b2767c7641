package panel

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tanaka-ryuya/tcprelay/internal/relay"
)

func TestLoadTabsMissingFile(t *testing.T) {
	assert.Empty(t, LoadTabs(filepath.Join(t.TempDir(), "nope.json")))
}

func TestLoadTabsParseError(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFile)
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	assert.Empty(t, LoadTabs(path))
}

func TestLoadTabsCoercesStringsAndNumbers(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFile)
	raw := `{
	  "tabs": [
	    {"src_host": "127.0.0.1", "src_port": "4001",
	     "dst_host": "0.0.0.0", "dst_port": 5000,
	     "mode": "connect-listen", "dump": true, "retry": "7"},
	    {"src_host": "10.0.0.1", "src_port": 4002,
	     "dst_host": "10.0.0.2", "dst_port": "5001",
	     "mode": "listen-connect", "dump": false, "retry": 5}
	  ]
	}`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	tabs := LoadTabs(path)
	require.Len(t, tabs, 2)
	assert.Equal(t, FlexInt(4001), tabs[0].SrcPort)
	assert.Equal(t, FlexInt(5000), tabs[0].DstPort)
	assert.Equal(t, FlexInt(7), tabs[0].Retry)
	assert.True(t, tabs[0].Dump)
	assert.Equal(t, FlexInt(5001), tabs[1].DstPort)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFile)
	in := []TabConfig{
		{SrcHost: "127.0.0.1", SrcPort: 4001, DstHost: "0.0.0.0", DstPort: 5000,
			Mode: "connect-listen", Dump: true, Retry: 5},
	}
	require.NoError(t, SaveTabs(path, in))
	assert.Equal(t, in, LoadTabs(path))
}

func TestTabConfigToRelayConfig(t *testing.T) {
	tc := TabConfig{
		SrcHost: "127.0.0.1", SrcPort: 4001,
		DstHost: "0.0.0.0", DstPort: 5000,
		Mode: "listen-listen", Dump: true, Retry: 2,
	}
	cfg, err := tc.RelayConfig()
	require.NoError(t, err)
	assert.Equal(t, relay.ModeListenListen, cfg.Mode)
	assert.Equal(t, 2*time.Second, cfg.Retry)
	assert.True(t, cfg.Dump)

	// Zero retry falls back to the engine default.
	tc.Retry = 0
	cfg, err = tc.RelayConfig()
	require.NoError(t, err)
	assert.Equal(t, relay.DefaultRetry, cfg.Retry)

	tc.Mode = "bogus"
	_, err = tc.RelayConfig()
	assert.Error(t, err)

	tc.Mode = "listen-listen"
	tc.DstPort = 0
	_, err = tc.RelayConfig()
	assert.Error(t, err)
}
