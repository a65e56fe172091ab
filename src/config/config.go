package config

import (
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"

	"github.com/blocklessnetwork/gateway/src/common"
)

// Default filenames.
const (
	// DefaultBadgerFile is the default name of the folder containing the
	// Badger database
	DefaultBadgerFile = "badger_db"
)

// Default configuration values.
const (
	DefaultLogLevel    = "debug"
	DefaultServiceAddr = "127.0.0.1:8080"
	DefaultStore       = false
	DefaultRedisAddr   = ""

	DefaultMaxNodesPerUser = 5
	DefaultQueueAttempts   = 3
	DefaultQueueBackoff    = 5 * time.Second
	DefaultCacheTTL        = time.Hour
	DefaultCacheSize       = 10000

	DefaultBaseReward     = 10.0
	DefaultReferralBoost  = 0.10
	DefaultSocialBoost    = 0.05
	DefaultActivityWindow = 10 * time.Minute
	DefaultReclaimAfter   = 2 * time.Minute
	DefaultRewardInterval = 10 * time.Minute
)

// Config contains all the configuration properties of a gateway.
type Config struct {
	// DataDir is the top-level directory containing gateway configuration
	// and data
	DataDir string `mapstructure:"datadir"`

	// LogLevel determines the chattiness of the log output.
	LogLevel string `mapstructure:"log"`

	// LogFile, when set, duplicates log output to a file.
	LogFile string `mapstructure:"log-file"`

	// ServiceAddr is the address:port of the HTTP API service.
	ServiceAddr string `mapstructure:"service-listen"`

	// Store activates persistent storage.
	Store bool `mapstructure:"store"`

	// DatabaseDir is the directory containing database files.
	DatabaseDir string `mapstructure:"db"`

	// RedisAddr is the address:port of the Redis broker backing the
	// registration and ping queues. Empty means in-process queues.
	RedisAddr string `mapstructure:"redis"`

	// QueueAttempts is the maximum number of tries per queued job.
	QueueAttempts int `mapstructure:"queue-attempts"`

	// QueueBackoff is the initial retry delay for queued jobs. It doubles
	// on every attempt.
	QueueBackoff time.Duration `mapstructure:"queue-backoff"`

	// MaxNodesPerUser caps how many nodes one user may register.
	MaxNodesPerUser int `mapstructure:"max-nodes"`

	// CacheTTL bounds the staleness of the node-lookup cache on the ping
	// path.
	CacheTTL time.Duration `mapstructure:"cache-ttl"`

	// CacheSize is the max number of items in the node-lookup cache.
	CacheSize int `mapstructure:"cache-size"`

	// BaseReward is the fixed reward paid per tick per active node.
	BaseReward float64 `mapstructure:"base-reward"`

	// ReferralBoost is the multiplier increment for referred users.
	ReferralBoost float64 `mapstructure:"referral-boost"`

	// SocialBoost is the multiplier increment per connected social account.
	SocialBoost float64 `mapstructure:"social-boost"`

	// ActivityWindow is how far back a heartbeat may be for a node to still
	// earn rewards.
	ActivityWindow time.Duration `mapstructure:"activity-window"`

	// ReclaimAfter is the heartbeat silence after which an open session is
	// forcibly closed. Kept separate from ActivityWindow on purpose.
	ReclaimAfter time.Duration `mapstructure:"reclaim-after"`

	// RewardInterval is the period of the reward engine tick.
	RewardInterval time.Duration `mapstructure:"reward-interval"`

	logger *logrus.Logger
}

// NewDefaultConfig returns a config object with default values.
func NewDefaultConfig() *Config {
	config := &Config{
		DataDir:         DefaultDataDir(),
		LogLevel:        DefaultLogLevel,
		ServiceAddr:     DefaultServiceAddr,
		Store:           DefaultStore,
		DatabaseDir:     DefaultDatabaseDir(),
		RedisAddr:       DefaultRedisAddr,
		QueueAttempts:   DefaultQueueAttempts,
		QueueBackoff:    DefaultQueueBackoff,
		MaxNodesPerUser: DefaultMaxNodesPerUser,
		CacheTTL:        DefaultCacheTTL,
		CacheSize:       DefaultCacheSize,
		BaseReward:      DefaultBaseReward,
		ReferralBoost:   DefaultReferralBoost,
		SocialBoost:     DefaultSocialBoost,
		ActivityWindow:  DefaultActivityWindow,
		ReclaimAfter:    DefaultReclaimAfter,
		RewardInterval:  DefaultRewardInterval,
	}

	return config
}

// NewTestConfig returns a config object with default values and a special
// logger for debugging tests.
func NewTestConfig(t testing.TB) *Config {
	config := NewDefaultConfig()
	config.logger = common.NewTestLogger(t)
	return config
}

// SetDataDir sets the top-level gateway directory, and updates the database
// directory if it is currently set to the default value. If the database
// directory is not currently the default, it means the user has explicitly
// set it to something else, so avoid changing it again here.
func (c *Config) SetDataDir(dataDir string) {
	c.DataDir = dataDir
	if c.DatabaseDir == DefaultDatabaseDir() {
		c.DatabaseDir = filepath.Join(dataDir, DefaultBadgerFile)
	}
}

// Logger returns a formatted logrus Entry, with prefix set to "gateway".
func (c *Config) Logger() *logrus.Entry {
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.Level = LogLevel(c.LogLevel)
		c.logger.Formatter = new(prefixed.TextFormatter)

		if c.LogFile != "" {
			c.logger.AddHook(lfshook.NewHook(
				lfshook.PathMap{
					logrus.InfoLevel:  c.LogFile,
					logrus.WarnLevel:  c.LogFile,
					logrus.ErrorLevel: c.LogFile,
				},
				new(logrus.JSONFormatter),
			))
		}
	}
	return c.logger.WithField("prefix", "gateway")
}

// LoggerWithPrefix returns an Entry on the same underlying logger with the
// given prefix, used to tag per-component output.
func (c *Config) LoggerWithPrefix(prefix string) *logrus.Entry {
	return c.Logger().Logger.WithField("prefix", prefix)
}

// DefaultDatabaseDir returns the default path for the badger database files.
func DefaultDatabaseDir() string {
	return filepath.Join(DefaultDataDir(), DefaultBadgerFile)
}

// DefaultDataDir return the default directory name for top-level gateway
// config based on the underlying OS, attempting to respect conventions.
func DefaultDataDir() string {
	// Try to place the data folder in the user's home dir
	home := HomeDir()
	if home != "" {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, ".BlsGateway")
		} else if runtime.GOOS == "windows" {
			return filepath.Join(home, "AppData", "Roaming", "BlsGateway")
		} else {
			return filepath.Join(home, ".bls-gateway")
		}
	}
	// As we cannot guess a stable location, return empty and handle later
	return ""
}

// HomeDir returns the user's home directory.
func HomeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if usr, err := user.Current(); err == nil {
		return usr.HomeDir
	}
	return ""
}

// LogLevel parses a string into a Logrus log level.
func LogLevel(l string) logrus.Level {
	switch l {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.DebugLevel
	}
}
