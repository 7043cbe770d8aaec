package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/me/myqueue/internal/fsutil"
	"github.com/me/myqueue/pkg/model"
)

const (
	// DirName is the per-tree state directory.
	DirName = ".myqueue"
	// FileName is the configuration file inside DirName.
	FileName = "config.yaml"

	HomeEnv    = "MYQUEUE_HOME"
	TestingEnv = "MYQUEUE_TESTING"
)

// Schedulers lists the accepted values of Config.Scheduler.
var Schedulers = []string{"slurm", "pbs", "lsf", "local", "test"}

// Notifications configures e-mail notifications.
type Notifications struct {
	To       string `yaml:"to,omitempty"`
	From     string `yaml:"from,omitempty"`
	Host     string `yaml:"host,omitempty"`
	Port     int    `yaml:"port,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
}

// LocalConfig configures the built-in local scheduler.
type LocalConfig struct {
	Address    string `yaml:"address,omitempty"`
	MaxRunning int    `yaml:"max_running,omitempty"`
}

// DaemonConfig configures the background kick loop.
type DaemonConfig struct {
	Interval time.Duration `yaml:"interval,omitempty"`
}

// Config is the configuration of one MyQueue tree.
type Config struct {
	Scheduler        string        `yaml:"scheduler"`
	Nodes            []model.Node  `yaml:"nodes,omitempty"`
	ParallelPython   string        `yaml:"parallel_python,omitempty"`
	SerialPython     string        `yaml:"serial_python,omitempty"`
	MPIExec          string        `yaml:"mpiexec,omitempty"`
	ExtraArgs        []string      `yaml:"extra_args,omitempty"`
	MaximumDiskspace int64         `yaml:"maximum_diskspace,omitempty"`
	Notifications    Notifications `yaml:"notifications,omitempty"`
	User             string        `yaml:"user,omitempty"`
	// TimeoutGrace is how many seconds past tmax a running task may go
	// before it is marked TIMEOUT without the backend confirming it.
	TimeoutGrace int          `yaml:"timeout_grace,omitempty"`
	Local        LocalConfig  `yaml:"local,omitempty"`
	Daemon       DaemonConfig `yaml:"daemon,omitempty"`
	LogFormat    string       `yaml:"log_format,omitempty"`

	// Home is the folder that contains the .myqueue directory.
	Home string `yaml:"-"`
}

// Default returns sensible defaults. The scheduler is "test" when
// MYQUEUE_TESTING is set and "local" otherwise.
func Default() Config {
	c := Config{Scheduler: "local"}
	if os.Getenv(TestingEnv) != "" {
		c.Scheduler = "test"
	}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.SerialPython == "" {
		c.SerialPython = "python3"
	}
	if c.ParallelPython == "" {
		c.ParallelPython = c.SerialPython
	}
	if c.MPIExec == "" {
		c.MPIExec = "mpiexec"
	}
	if c.TimeoutGrace == 0 {
		c.TimeoutGrace = 1800
	}
	if c.Local.Address == "" {
		c.Local.Address = "127.0.0.1:39999"
	}
	if c.Local.MaxRunning == 0 {
		c.Local.MaxRunning = 1
	}
	if c.Daemon.Interval == 0 {
		c.Daemon.Interval = 10 * time.Minute
	}
	if c.User == "" {
		c.User = currentUser()
	}
}

// Validate checks the scheduler name and the node list.
func (c Config) Validate() error {
	known := false
	for _, s := range Schedulers {
		if c.Scheduler == s {
			known = true
		}
	}
	if !known {
		return model.Errorf("unknown scheduler %q (choose one of %v)", c.Scheduler, Schedulers)
	}
	seen := map[string]bool{}
	for _, n := range c.Nodes {
		if n.Name == "" || n.Cores < 1 {
			return model.Errorf("node %q: a name and a positive number of cores are required", n.Name)
		}
		if seen[n.Name] {
			return model.Errorf("node %q listed twice", n.Name)
		}
		seen[n.Name] = true
		if _, err := n.MemoryBytes(); err != nil {
			return model.Errorf("%v", err)
		}
	}
	return nil
}

// Dir is <home>/.myqueue.
func (c Config) Dir() string {
	return filepath.Join(c.Home, DirName)
}

// DBPath is the task database of the tree.
func (c Config) DBPath() string {
	return filepath.Join(c.Dir(), "queue.db")
}

// Load reads the configuration of the tree rooted at home. When the tree
// has no config.yaml the user-wide $HOME/.myqueue/config.yaml is used.
func Load(home string) (Config, error) {
	path := filepath.Join(home, DirName, FileName)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		if global, gerr := GlobalDir(); gerr == nil {
			data, err = os.ReadFile(filepath.Join(global, FileName))
		}
	}
	if errors.Is(err, os.ErrNotExist) {
		return Config{}, model.Errorf("configuration file %s missing; run 'mq init'", path)
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	cfg.Home = home
	return cfg, nil
}

// Parse decodes a YAML configuration and fills in defaults.
func Parse(data []byte) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, model.Errorf("bad configuration: %v", err)
	}
	if c.Scheduler == "" {
		return Config{}, model.Errorf("bad configuration: scheduler not set")
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Save writes c to <home>/.myqueue/config.yaml.
func Save(c Config) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return fsutil.WriteFileAtomic(filepath.Join(c.Dir(), FileName), data, 0o644)
}

// FindRoot returns the folder holding the .myqueue directory that governs
// start: $MYQUEUE_HOME when set, otherwise the nearest ancestor of start
// with a .myqueue directory.
func FindRoot(start string) (string, error) {
	if home := os.Getenv(HomeEnv); home != "" {
		return filepath.Abs(home)
	}
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", err
	}
	for {
		if info, err := os.Stat(filepath.Join(dir, DirName)); err == nil && info.IsDir() {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", model.Errorf("%s is not inside a MyQueue tree; run 'mq init'", start)
		}
		dir = parent
	}
}

// Guess picks a scheduler by looking for the submit commands on PATH.
func Guess() string {
	if os.Getenv(TestingEnv) != "" {
		return "test"
	}
	for _, c := range []struct{ cmd, name string }{
		{"sbatch", "slurm"},
		{"qsub", "pbs"},
		{"bsub", "lsf"},
	} {
		if _, err := exec.LookPath(c.cmd); err == nil {
			return c.name
		}
	}
	return "local"
}

func currentUser() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return os.Getenv("USER")
}
