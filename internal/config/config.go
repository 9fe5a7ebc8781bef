// Package config loads the TOML configuration for the node and manager
// executables.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// HTTP is the shared HTTP listener config block.
type HTTP struct {
	Listen string `toml:"listen"`
	CORS   bool   `toml:"cors"`
}

// Auth is the shared bearer/basic auth config block.
type Auth struct {
	Tokens   []string `toml:"tokens"`
	Accounts []string `toml:"accounts"` // "user:pass" pairs
	Secret   string   `toml:"secret"`   // HMAC key for stream-scoped tokens
}

// Strategy holds node-local forwarding policy knobs.
type Strategy struct {
	CascadePushCloseSub bool `toml:"cascade_push_close_sub"`
	EachStreamMaxSub    int  `toml:"each_stream_max_sub"`
}

// Cascade holds the canonical cascade knobs. Older deployments used a
// top-level [reforward] section for the same settings; those are
// accepted as aliases (with a deprecation warning) for any field not
// set under [cascade], and rejected outright when both name the same
// field.
type Cascade struct {
	CloseOtherSub      bool `toml:"close_other_sub"`
	CheckAttempts      int  `toml:"check_attempts"`
	CheckTickTimeMS    int  `toml:"check_tick_time_ms"`
	MaximumIdleTimeSec int  `toml:"maximum_idle_time_sec"`
	MaxDepth           int  `toml:"max_depth"`
}

func (c Cascade) CheckInterval() time.Duration {
	return time.Duration(c.CheckTickTimeMS) * time.Millisecond
}

func (c Cascade) AttemptSpacing() time.Duration {
	if c.CheckAttempts <= 0 {
		return c.CheckInterval()
	}
	return c.CheckInterval() / time.Duration(c.CheckAttempts)
}

func (c Cascade) MaximumIdle() time.Duration {
	return time.Duration(c.MaximumIdleTimeSec) * time.Second
}

// ReforwardAliases is the deprecated [reforward] section. Pointer
// fields distinguish "set" from "zero value" so resolveCascade can
// tell an explicit false/0 apart from absence.
type ReforwardAliases struct {
	CloseOtherSub      *bool `toml:"close_other_sub"`
	CheckAttempts      *int  `toml:"check_attempts"`
	CheckTickTimeMS    *int  `toml:"check_tick_time_ms"`
	MaximumIdleTimeSec *int  `toml:"maximum_idle_time_sec"`
}

// resolveCascade folds [reforward] aliases into the [cascade] block.
// A field set in BOTH sections is a hard error: the overlap across
// deployments is ambiguous enough that guessing a winner is worse than
// making the operator delete one. Applied aliases come back as
// deprecation messages for the caller to log.
func resolveCascade(md toml.MetaData, c *Cascade, r *ReforwardAliases) ([]string, error) {
	if r == nil {
		return nil, nil
	}
	var notes []string
	type field struct {
		name  string
		alias bool
		apply func()
	}
	fields := []field{
		{"close_other_sub", r.CloseOtherSub != nil, func() { c.CloseOtherSub = *r.CloseOtherSub }},
		{"check_attempts", r.CheckAttempts != nil, func() { c.CheckAttempts = *r.CheckAttempts }},
		{"check_tick_time_ms", r.CheckTickTimeMS != nil, func() { c.CheckTickTimeMS = *r.CheckTickTimeMS }},
		{"maximum_idle_time_sec", r.MaximumIdleTimeSec != nil, func() { c.MaximumIdleTimeSec = *r.MaximumIdleTimeSec }},
	}
	for _, f := range fields {
		if !f.alias {
			continue
		}
		if md.IsDefined("cascade", f.name) {
			return nil, fmt.Errorf("config: both cascade.%s and reforward.%s are set; reforward.* is a deprecated alias, remove one", f.name, f.name)
		}
		f.apply()
		notes = append(notes, fmt.Sprintf("reforward.%s is deprecated; use cascade.%s", f.name, f.name))
	}
	return notes, nil
}

func defaultCascade() Cascade {
	return Cascade{
		CloseOtherSub:      false,
		CheckAttempts:      5,
		CheckTickTimeMS:    500,
		MaximumIdleTimeSec: 60,
		MaxDepth:           1,
	}
}

// NodeConfig is the TOML shape for the SFU node executable.
type NodeConfig struct {
	HTTP      HTTP              `toml:"http"`
	Auth      Auth              `toml:"auth"`
	Strategy  Strategy          `toml:"strategy"`
	Cascade   Cascade           `toml:"cascade"`
	Reforward *ReforwardAliases `toml:"reforward"`
	Log       struct {
		Level string `toml:"level"`
	} `toml:"log"`

	PublisherLeaveGraceSec int `toml:"publisher_leave_grace_sec"`
	CheckTickTimeSec       int `toml:"check_tick_time_sec"`
	LayerSwitchTimeoutMS   int `toml:"layer_switch_timeout_ms"`
}

func (c NodeConfig) PublisherLeaveGrace() time.Duration {
	return time.Duration(c.PublisherLeaveGraceSec) * time.Second
}

func (c NodeConfig) CheckTick() time.Duration {
	return time.Duration(c.CheckTickTimeSec) * time.Second
}

func (c NodeConfig) LayerSwitchTimeout() time.Duration {
	return time.Duration(c.LayerSwitchTimeoutMS) * time.Millisecond
}

func DefaultNodeConfig() NodeConfig {
	return NodeConfig{
		HTTP:                   HTTP{Listen: ":7777"},
		Strategy:               Strategy{EachStreamMaxSub: 1000},
		Cascade:                defaultCascade(),
		PublisherLeaveGraceSec: 15,
		CheckTickTimeSec:       60,
		LayerSwitchTimeoutMS:   2000,
	}
}

// NodeRef is how a manager's TOML describes a node it can route to.
type NodeRef struct {
	Alias  string `toml:"alias"`
	URL    string `toml:"url"`
	Auth   string `toml:"auth"`
	PubMax int    `toml:"pub_max"`
	SubMax int    `toml:"sub_max"`
}

// ManagerConfig is the TOML shape for the manager executable.
type ManagerConfig struct {
	HTTP      HTTP              `toml:"http"`
	Auth      Auth              `toml:"auth"`
	Cascade   Cascade           `toml:"cascade"`
	Reforward *ReforwardAliases `toml:"reforward"`
	Nodes     []NodeRef         `toml:"nodes"`
	Log       struct {
		Level string `toml:"level"`
	} `toml:"log"`

	DirectoryDSN string `toml:"directory_dsn"` // sqlite file path, or "postgres://..." for the postgres driver
}

func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		HTTP:         HTTP{Listen: ":8080"},
		Cascade:      defaultCascade(),
		DirectoryDSN: "manager.db",
	}
}

// LoadNode reads and validates a node TOML file, returning any
// deprecation notes for the caller to log.
func LoadNode(path string) (NodeConfig, []string, error) {
	cfg := DefaultNodeConfig()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	notes, err := resolveCascade(md, &cfg.Cascade, cfg.Reforward)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, notes, nil
}

// LoadManager reads and validates a manager TOML file.
func LoadManager(path string) (ManagerConfig, []string, error) {
	cfg := DefaultManagerConfig()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	notes, err := resolveCascade(md, &cfg.Cascade, cfg.Reforward)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, notes, nil
}

// Exists reports whether a config file is present, used by the
// executables to decide between loading a file and running on defaults.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
