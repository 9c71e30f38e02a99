// Package serverconfig implements the explicit `Server` value spec §9
// calls for ("Two unavoidable process-wide states: the advisory lock
// file ... and the runtime registry ... Model as an explicit Server
// value passed to every subsystem"): the persisted-state directory
// layout (spec §6), fd limit, heartbeat tuning, permit count, database
// DSN, and advisory lock path, loaded from flags (cobra/pflag,
// matching the teacher's cli/ package) or a TOML file
// (BurntSushi/toml) with flags taking precedence.
package serverconfig

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"

	"github.com/tangramd/tangram/internal/tgerror"
)

// Duration is time.Duration with text (de)serialization, so it reads
// from TOML as a plain string ("5s") rather than an integer of
// nanoseconds.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Layout names the subdirectories and files spec §6's "Persisted
// state layout (root directory)" describes, all rooted at DataDir.
type Layout struct {
	DataDir string
}

func (l Layout) Blobs() string     { return filepath.Join(l.DataDir, "blobs") }
func (l Layout) Checkouts() string { return filepath.Join(l.DataDir, "checkouts") }
func (l Layout) Artifacts() string { return filepath.Join(l.DataDir, "artifacts") }
func (l Layout) Logs() string      { return filepath.Join(l.DataDir, "logs") }
func (l Layout) Tmp() string       { return filepath.Join(l.DataDir, "tmp") }
func (l Layout) Database() string  { return filepath.Join(l.DataDir, "database") }
func (l Layout) Lock() string      { return filepath.Join(l.DataDir, "lock") }
func (l Layout) Log() string       { return filepath.Join(l.DataDir, "log") }
func (l Layout) Objects() string   { return filepath.Join(l.DataDir, "objects.db") }
func (l Layout) Processes() string { return filepath.Join(l.DataDir, "processes.db") }
func (l Layout) Roots() string     { return filepath.Join(l.DataDir, "roots.db") }

// MkdirAll creates every directory the layout names.
func (l Layout) MkdirAll() error {
	for _, dir := range []string{l.DataDir, l.Blobs(), l.Checkouts(), l.Artifacts(), l.Logs(), l.Tmp()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return tgerror.IOErr(err, "create data directory %q", dir)
		}
	}
	return nil
}

// Server is the explicit process-wide configuration value spec §9
// calls for, passed to every subsystem rather than read from globals.
type Server struct {
	Layout Layout `toml:"-"`

	DataDir            string   `toml:"data_dir"`
	Address            string   `toml:"address"`
	FDLimit            int64    `toml:"fd_limit"`
	Permits            int64    `toml:"permits"`
	HeartbeatInterval  Duration `toml:"heartbeat_interval"`
	HeartbeatMissLimit int      `toml:"heartbeat_miss_limit"`
	DatabaseDSN        string   `toml:"database_dsn"`
	MaxDBConns         int64    `toml:"max_db_conns"`
	Remotes            []string `toml:"remotes"`
	LogLevel           string   `toml:"log_level"`
	LogJSON            bool     `toml:"log_json"`

	// heartbeatFlag backs the --heartbeat-interval flag, since pflag
	// has no Duration-alias Var and HeartbeatInterval needs to stay a
	// named type for TOML's text (de)serialization. Flags seeds it
	// from HeartbeatInterval; Finalize copies it back after parsing.
	heartbeatFlag time.Duration
}

// Default returns a Server with the defaults spec §4.7's example
// scenario implies (heartbeat twice, then finish) and a data directory
// under the user's home.
func Default() Server {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	dataDir := filepath.Join(home, ".tangram")
	return Server{
		DataDir:            dataDir,
		Address:            "unix://" + filepath.Join(dataDir, "socket"),
		FDLimit:            256,
		Permits:            4,
		HeartbeatInterval:  Duration(5 * time.Second),
		HeartbeatMissLimit: 3,
		DatabaseDSN:        "file:" + filepath.Join(dataDir, "database"),
		MaxDBConns:         8,
		LogLevel:           "info",
	}
}

// Flags registers every Server field as a pflag, seeded with cfg's
// current values as defaults. Register after Load so a config file's
// values become the flags' defaults, letting an explicit flag win.
func (cfg *Server) Flags(fs *pflag.FlagSet) {
	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "root directory for persisted state")
	fs.StringVar(&cfg.Address, "address", cfg.Address, "listen address (unix://path, http://host:port)")
	fs.Int64Var(&cfg.FDLimit, "fd-limit", cfg.FDLimit, "maximum concurrent open file descriptors")
	fs.Int64Var(&cfg.Permits, "permits", cfg.Permits, "maximum concurrent running processes")
	cfg.heartbeatFlag = time.Duration(cfg.HeartbeatInterval)
	fs.DurationVar(&cfg.heartbeatFlag, "heartbeat-interval", cfg.heartbeatFlag, "process heartbeat interval")
	fs.IntVar(&cfg.HeartbeatMissLimit, "heartbeat-miss-limit", cfg.HeartbeatMissLimit, "consecutive missed heartbeats before a process is marked failed")
	fs.StringVar(&cfg.DatabaseDSN, "database-dsn", cfg.DatabaseDSN, "sqlite data source name")
	fs.Int64Var(&cfg.MaxDBConns, "max-db-conns", cfg.MaxDBConns, "maximum pooled database connections")
	fs.StringSliceVar(&cfg.Remotes, "remote", cfg.Remotes, "remote peer base URL (repeatable)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.BoolVar(&cfg.LogJSON, "log-json", cfg.LogJSON, "emit JSON logs instead of console output")
}

// Load reads path as a TOML config file into cfg, overwriting any
// field the file sets. Call before Flags, since spec.md gives flags
// precedence over the file.
func Load(path string, cfg *Server) error {
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return tgerror.IOErr(err, "load server config %q", path)
	}
	return nil
}

// Finalize derives cfg.Layout from cfg.DataDir and ensures the
// directory tree exists. Call once flags and config file are both
// applied.
func (cfg *Server) Finalize() error {
	if cfg.heartbeatFlag != 0 {
		cfg.HeartbeatInterval = Duration(cfg.heartbeatFlag)
	}
	cfg.Layout = Layout{DataDir: cfg.DataDir}
	return cfg.Layout.MkdirAll()
}
