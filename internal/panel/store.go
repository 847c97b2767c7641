// Package panel is the browser control panel for the relay: a tab manager
// that owns one engine per tab, persists tab configurations on disk, and
// streams engine events to the browser over a websocket.
package panel

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tanaka-ryuya/tcprelay/internal/relay"
)

// ConfigFile is the default persisted-configuration path, relative to the
// working directory.
const ConfigFile = "relay_gui_config.json"

// FlexInt is an int that unmarshals from either a JSON number or a quoted
// numeric string. Hand-edited config files store ports both ways.
type FlexInt int

func (f *FlexInt) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*f = 0
			return nil
		}
		v, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("invalid numeric string %q", s)
		}
		*f = FlexInt(v)
		return nil
	}
	var v int
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = FlexInt(v)
	return nil
}

// TabConfig is the persisted shape of one relay tab.
type TabConfig struct {
	SrcHost string  `json:"src_host"`
	SrcPort FlexInt `json:"src_port"`
	DstHost string  `json:"dst_host"`
	DstPort FlexInt `json:"dst_port"`
	Mode    string  `json:"mode"`
	Dump    bool    `json:"dump"`
	Retry   FlexInt `json:"retry"`
}

// RelayConfig converts the persisted shape into an engine configuration,
// filling defaults and validating.
func (t TabConfig) RelayConfig() (relay.Config, error) {
	mode, err := relay.ParseMode(t.Mode)
	if err != nil {
		return relay.Config{}, err
	}
	retry := time.Duration(t.Retry) * time.Second
	if retry <= 0 {
		retry = relay.DefaultRetry
	}
	cfg := relay.Config{
		SrcHost: t.SrcHost,
		SrcPort: int(t.SrcPort),
		DstHost: t.DstHost,
		DstPort: int(t.DstPort),
		Mode:    mode,
		Dump:    t.Dump,
		Retry:   retry,
	}
	if err := cfg.Validate(); err != nil {
		return relay.Config{}, err
	}
	return cfg, nil
}

type fileConfig struct {
	Tabs []TabConfig `json:"tabs"`
}

// LoadTabs reads the persisted tab list. A missing file or a parse error
// yields an empty configuration, never an error; the panel starts blank.
func LoadTabs(path string) []TabConfig {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var fc fileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil
	}
	return fc.Tabs
}

// SaveTabs writes the tab list back to disk.
func SaveTabs(path string, tabs []TabConfig) error {
	data, err := json.MarshalIndent(fileConfig{Tabs: tabs}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
