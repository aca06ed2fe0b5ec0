// Package config loads pgmux's declarative YAML configuration: listen
// sockets, per-pool server settings, per-user credentials and pool sizing,
// HBA rules, and the admin surface's own credentials. It supports env-var
// substitution and hot reload via fsnotify or SIGHUP.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/pgmux/pgmux/internal/hba"
)

// Config is pgmux's top-level configuration.
type Config struct {
	Listen ListenConfig          `yaml:"listen"`
	Pools  map[string]PoolConfig `yaml:"pools"`
	Users  map[string]UserConfig `yaml:"users"`
	HBA    []HBARule             `yaml:"hba"`
	Admin  AdminConfig           `yaml:"admin"`
}

// ListenConfig controls the sockets pgmux binds and the protocol limits
// applied to every connection accepted on them.
type ListenConfig struct {
	Host             string `yaml:"host"`
	Port             int    `yaml:"port"`
	UnixSocketDir    string `yaml:"unix_socket_dir"`
	AdminBind        string `yaml:"admin_bind"`
	AdminPort        int    `yaml:"admin_port"`
	TLSCert          string `yaml:"tls_cert"`
	TLSKey           string `yaml:"tls_key"`
	MaxMessageSize   int    `yaml:"max_message_size"`
	WorkerThreads    int    `yaml:"worker_threads"`
	VirtualPoolCount int    `yaml:"virtual_pool_count"`
}

// TLSEnabled reports whether both a cert and key path were configured.
func (lc ListenConfig) TLSEnabled() bool {
	return lc.TLSCert != "" && lc.TLSKey != ""
}

// PoolConfig describes one named pool's backend server and pooling policy.
type PoolConfig struct {
	ServerHost                     string        `yaml:"server_host"`
	ServerPort                     int           `yaml:"server_port"`
	ServerDatabase                 string        `yaml:"server_database"`
	PoolMode                       string        `yaml:"pool_mode"`
	ApplicationName                string        `yaml:"application_name"`
	IdleTimeout                    time.Duration `yaml:"idle_timeout"`
	ServerLifetime                 time.Duration `yaml:"server_lifetime"`
	ConnectTimeout                 time.Duration `yaml:"connect_timeout"`
	SanitizeDeadline                time.Duration `yaml:"sanitize_deadline"`
	LogClientParameterStatusChanges bool          `yaml:"log_client_parameter_status_changes"`
	CleanupServerConnections        bool          `yaml:"cleanup_server_connections"`
	SyncServerParameters            bool          `yaml:"sync_server_parameters"`
	PreparedStatementsCacheSize      int           `yaml:"prepared_statements_cache_size"`
}

// Address returns the pool's backend dial target.
func (p PoolConfig) Address() string {
	return fmt.Sprintf("%s:%d", p.ServerHost, p.ServerPort)
}

// UserConfig describes one client-facing role: the credential pgmux
// verifies clients against, and the credential it presents to the real
// backend (which may belong to a different server-side role entirely).
type UserConfig struct {
	Password        string `yaml:"password"`
	ServerUsername  string `yaml:"server_username"`
	ServerPassword  string `yaml:"server_password"`
	PoolSize        int    `yaml:"pool_size"`
	MinPoolSize     int    `yaml:"min_pool_size"`
	PoolMode        string `yaml:"pool_mode"`
	AuthPAMService  string `yaml:"auth_pam_service"`
}

// HBARule is the YAML shape of one internal/hba.Rule.
type HBARule struct {
	Type     string `yaml:"type"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Address  string `yaml:"address"`
	Method   string `yaml:"method"`
	Reject   bool   `yaml:"reject"`
}

// AdminConfig credentials the admin HTTP surface.
type AdminConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment variable values.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file with env var substitution.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listen.Host == "" {
		cfg.Listen.Host = "0.0.0.0"
	}
	if cfg.Listen.Port == 0 {
		cfg.Listen.Port = 6432
	}
	if cfg.Listen.AdminBind == "" {
		cfg.Listen.AdminBind = "127.0.0.1"
	}
	if cfg.Listen.AdminPort == 0 {
		cfg.Listen.AdminPort = 9930
	}
	if cfg.Listen.MaxMessageSize == 0 {
		cfg.Listen.MaxMessageSize = 256 << 20
	}
	if cfg.Listen.WorkerThreads == 0 {
		cfg.Listen.WorkerThreads = 4
	}
	if cfg.Listen.VirtualPoolCount == 0 {
		cfg.Listen.VirtualPoolCount = 1
	}

	for name, pool := range cfg.Pools {
		if pool.PoolMode == "" {
			pool.PoolMode = "transaction"
		}
		if pool.ApplicationName == "" {
			pool.ApplicationName = "pgmux"
		}
		if pool.IdleTimeout == 0 {
			pool.IdleTimeout = 5 * time.Minute
		}
		if pool.ServerLifetime == 0 {
			pool.ServerLifetime = 30 * time.Minute
		}
		if pool.ConnectTimeout == 0 {
			pool.ConnectTimeout = 5 * time.Second
		}
		if pool.SanitizeDeadline == 0 {
			pool.SanitizeDeadline = 3 * time.Second
		}
		if pool.PreparedStatementsCacheSize == 0 {
			pool.PreparedStatementsCacheSize = 100
		}
		cfg.Pools[name] = pool
	}

	for name, user := range cfg.Users {
		if user.ServerUsername == "" {
			user.ServerUsername = name
		}
		if user.PoolSize == 0 {
			user.PoolSize = 20
		}
		if user.PoolMode == "" {
			user.PoolMode = "transaction"
		}
		cfg.Users[name] = user
	}
}

func validate(cfg *Config) error {
	for name, pool := range cfg.Pools {
		if pool.ServerHost == "" {
			return fmt.Errorf("pool %q: server_host is required", name)
		}
		if pool.ServerPort == 0 {
			return fmt.Errorf("pool %q: server_port is required", name)
		}
		if pool.ServerDatabase == "" {
			return fmt.Errorf("pool %q: server_database is required", name)
		}
		if pool.PoolMode != "transaction" {
			return fmt.Errorf("pool %q: unsupported pool_mode %q (only transaction is implemented)", name, pool.PoolMode)
		}
	}
	for _, rule := range cfg.HBA {
		if _, err := hba.ParseMethod(rule.Method); err != nil && !rule.Reject {
			return fmt.Errorf("hba rule for database %q: %w", rule.Database, err)
		}
	}
	return nil
}

// BuildHBATable compiles the YAML HBA rules into an evaluable hba.Table.
func (cfg *Config) BuildHBATable() (*hba.Table, error) {
	rules := make([]hba.Rule, 0, len(cfg.HBA))
	for _, r := range cfg.HBA {
		rule := hba.Rule{
			Type:      r.Type,
			Databases: splitHBAList(r.Database),
			Users:     splitHBAList(r.User),
			Reject:    r.Reject,
		}
		if r.Address != "" && r.Address != "all" {
			network, err := hba.ParseNetwork(r.Address)
			if err != nil {
				return nil, fmt.Errorf("hba rule address %q: %w", r.Address, err)
			}
			rule.Network = network
		}
		if !r.Reject {
			method, err := hba.ParseMethod(r.Method)
			if err != nil {
				return nil, err
			}
			rule.Method = method
		}
		rules = append(rules, rule)
	}
	return hba.NewTable(rules), nil
}

// splitHBAList turns the YAML's single "all"/name value into the list form
// hba.Rule expects; a bare "all" (or empty) becomes the empty "any" list.
func splitHBAList(value string) []string {
	if value == "" || value == "all" {
		return nil
	}
	return []string{value}
}

// Watcher watches a config file for changes and calls the callback with the new config.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher creates a new config file watcher.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{
		path:    path,
		callback: callback,
		watcher: w,
		stopCh:  make(chan struct{}),
	}

	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, cw.reload)
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("config watcher error", "error", err)
		case <-cw.stopCh:
			return
		}
	}
}

// Reload re-reads the config file immediately, e.g. on SIGHUP.
func (cw *Watcher) Reload() {
	cw.reload()
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		slog.Error("config hot-reload failed", "path", cw.path, "error", err)
		return
	}

	slog.Info("configuration reloaded", "path", cw.path)
	cw.callback(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
