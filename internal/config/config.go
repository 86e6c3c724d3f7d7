// Package config loads shelfd settings from a YAML file and SHELFD_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"shelfd/internal/state/paths"
)

const (
	// FileName is the config file name without extension.
	FileName = "shelfd"
	// EnvPrefix prefixes environment overrides (SHELFD_WEB_PORT, ...).
	EnvPrefix = "SHELFD"
	// EnvConfigDir names an extra directory searched for shelfd.yaml.
	EnvConfigDir = "SHELFD_CONFIG_DIR"

	DefaultControlAddr     = "127.0.0.1:1121"
	DefaultPushIdleTimeout = 30 * time.Second
	DefaultRescanInterval  = 10 * time.Minute
)

// Config is a snapshot of the effective settings.
type Config struct {
	StateDir string
	Web      Web
	Library  Library
	Control  Control
	MDNS     MDNS
	Log      Log
}

type Web struct {
	// Port is the preferred base port; nil when the user never set one.
	Port             *int
	Host             string
	PushIdleTimeout  time.Duration
	Autostart        bool
	ValidateRequests bool
}

type Library struct {
	Dir string
	// RescanInterval is the period of background rescans; zero disables them.
	RescanInterval time.Duration
}

type Control struct {
	Addr string
}

type MDNS struct {
	Enabled  bool
	Instance string
}

type Log struct {
	Level string
}

// Loader owns the viper instance and the latest parsed snapshot.
type Loader struct {
	v    *viper.Viper
	mu   sync.RWMutex
	cur  *Config
	file string
}

// Load reads configuration. An explicit path must exist; otherwise the
// default search locations are tried and a missing file is not an error.
func Load(path string) (*Loader, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(FileName)
		v.SetConfigType("yaml")
		if dir := os.Getenv(EnvConfigDir); dir != "" {
			v.AddConfigPath(dir)
		}
		v.AddConfigPath(filepath.Join("/etc", FileName))
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	l := &Loader{v: v, file: v.ConfigFileUsed()}
	l.cur = l.parse()
	return l, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("state_dir", paths.Root())
	v.SetDefault("web.host", "")
	v.SetDefault("web.push_idle_timeout", DefaultPushIdleTimeout)
	v.SetDefault("web.autostart", true)
	v.SetDefault("web.validate_requests", false)
	v.SetDefault("library.dir", "")
	v.SetDefault("library.rescan_interval", DefaultRescanInterval)
	v.SetDefault("control.addr", DefaultControlAddr)
	v.SetDefault("mdns.enabled", true)
	v.SetDefault("mdns.instance", "")
	v.SetDefault("log.level", "info")
}

// parse builds a snapshot from viper. Values that fail to convert fall back
// to their zero value; the web service normalizes the port on its own.
func (l *Loader) parse() *Config {
	v := l.v
	cfg := &Config{
		StateDir: v.GetString("state_dir"),
		Web: Web{
			Host:             v.GetString("web.host"),
			PushIdleTimeout:  v.GetDuration("web.push_idle_timeout"),
			Autostart:        v.GetBool("web.autostart"),
			ValidateRequests: v.GetBool("web.validate_requests"),
		},
		Library: Library{
			Dir:            v.GetString("library.dir"),
			RescanInterval: v.GetDuration("library.rescan_interval"),
		},
		Control: Control{Addr: v.GetString("control.addr")},
		MDNS: MDNS{
			Enabled:  v.GetBool("mdns.enabled"),
			Instance: v.GetString("mdns.instance"),
		},
		Log: Log{Level: v.GetString("log.level")},
	}
	if v.IsSet("web.port") {
		p := v.GetInt("web.port")
		cfg.Web.Port = &p
	}
	if cfg.Library.Dir == "" {
		cfg.Library.Dir = paths.LibraryDir(cfg.StateDir)
	}
	if cfg.Library.RescanInterval < 0 {
		cfg.Library.RescanInterval = 0
	}
	if cfg.Web.PushIdleTimeout <= 0 {
		cfg.Web.PushIdleTimeout = DefaultPushIdleTimeout
	}
	return cfg
}

// Current returns the latest snapshot. Callers must not mutate it.
func (l *Loader) Current() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cur
}

// File reports the config file in use, or "" when running on defaults.
func (l *Loader) File() string { return l.file }

// PreferredPort returns the configured base port, nil when unset.
func (l *Loader) PreferredPort() *int {
	return l.Current().Web.Port
}

// Watch re-reads the config file when it changes and calls fn with the old
// and new snapshots plus the keys that differ. It is a no-op without a file.
func (l *Loader) Watch(fn func(prev, next *Config, changed []string)) {
	if l.file == "" {
		return
	}
	l.v.OnConfigChange(func(fsnotify.Event) {
		next := l.parse()
		l.mu.Lock()
		prev := l.cur
		l.cur = next
		l.mu.Unlock()
		if changed := Diff(prev, next); len(changed) > 0 && fn != nil {
			fn(prev, next, changed)
		}
	})
	l.v.WatchConfig()
}

// Diff lists the dotted keys whose values differ between two snapshots.
func Diff(a, b *Config) []string {
	var out []string
	add := func(key string, x, y any) {
		if !reflect.DeepEqual(x, y) {
			out = append(out, key)
		}
	}
	add("state_dir", a.StateDir, b.StateDir)
	add("web.port", a.Web.Port, b.Web.Port)
	add("web.host", a.Web.Host, b.Web.Host)
	add("web.push_idle_timeout", a.Web.PushIdleTimeout, b.Web.PushIdleTimeout)
	add("web.autostart", a.Web.Autostart, b.Web.Autostart)
	add("web.validate_requests", a.Web.ValidateRequests, b.Web.ValidateRequests)
	add("library.dir", a.Library.Dir, b.Library.Dir)
	add("library.rescan_interval", a.Library.RescanInterval, b.Library.RescanInterval)
	add("control.addr", a.Control.Addr, b.Control.Addr)
	add("mdns.enabled", a.MDNS.Enabled, b.MDNS.Enabled)
	add("mdns.instance", a.MDNS.Instance, b.MDNS.Instance)
	add("log.level", a.Log.Level, b.Log.Level)
	return out
}

type yamlView struct {
	StateDir string `yaml:"state_dir"`
	Web      struct {
		Port             *int   `yaml:"port,omitempty"`
		Host             string `yaml:"host"`
		PushIdleTimeout  string `yaml:"push_idle_timeout"`
		Autostart        bool   `yaml:"autostart"`
		ValidateRequests bool   `yaml:"validate_requests"`
	} `yaml:"web"`
	Library struct {
		Dir            string `yaml:"dir"`
		RescanInterval string `yaml:"rescan_interval"`
	} `yaml:"library"`
	Control struct {
		Addr string `yaml:"addr"`
	} `yaml:"control"`
	MDNS struct {
		Enabled  bool   `yaml:"enabled"`
		Instance string `yaml:"instance"`
	} `yaml:"mdns"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// YAML renders the snapshot in config-file form.
func (c *Config) YAML() ([]byte, error) {
	var view yamlView
	view.StateDir = c.StateDir
	view.Web.Port = c.Web.Port
	view.Web.Host = c.Web.Host
	view.Web.PushIdleTimeout = c.Web.PushIdleTimeout.String()
	view.Web.Autostart = c.Web.Autostart
	view.Web.ValidateRequests = c.Web.ValidateRequests
	view.Library.Dir = c.Library.Dir
	view.Library.RescanInterval = c.Library.RescanInterval.String()
	view.Control.Addr = c.Control.Addr
	view.MDNS.Enabled = c.MDNS.Enabled
	view.MDNS.Instance = c.MDNS.Instance
	view.Log.Level = c.Log.Level
	return yaml.Marshal(&view)
}
