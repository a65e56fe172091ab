package command

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/blocklessnetwork/gateway/src/config"
	"github.com/blocklessnetwork/gateway/src/gateway"
	vers "github.com/blocklessnetwork/gateway/src/version"
)

var (
	conf    *config.Config
	datadir *string
	version *bool
)

func init() {
	conf = config.NewDefaultConfig()

	cobra.OnInitialize(initConfig)

	// Base datadir
	datadir = rootCmd.PersistentFlags().StringP("datadir", "d", conf.DataDir, "Base configuration directory")

	// Service and storage
	rootCmd.PersistentFlags().StringP("service-listen", "s", conf.ServiceAddr, "HTTP service listen IP:Port")
	rootCmd.PersistentFlags().Bool("store", conf.Store, "Use badgerDB instead of in-mem DB")
	rootCmd.PersistentFlags().String("db", conf.DatabaseDir, "Database directory")
	rootCmd.PersistentFlags().String("log", conf.LogLevel, "Log level (debug, info, warn, error, fatal, panic)")
	rootCmd.PersistentFlags().String("log-file", conf.LogFile, "Duplicate log output to file")

	// Queues
	rootCmd.PersistentFlags().String("redis", conf.RedisAddr, "Redis broker IP:Port for durable queues")
	rootCmd.PersistentFlags().Int("queue-attempts", conf.QueueAttempts, "Max tries per queued job")
	rootCmd.PersistentFlags().Duration("queue-backoff", conf.QueueBackoff, "Initial retry delay for queued jobs")

	// Node and session policy
	rootCmd.PersistentFlags().Int("max-nodes", conf.MaxNodesPerUser, "Max nodes per user")
	rootCmd.PersistentFlags().Duration("cache-ttl", conf.CacheTTL, "Node-lookup cache TTL on the ping path")
	rootCmd.PersistentFlags().Int("cache-size", conf.CacheSize, "Number of items in the node-lookup cache")

	// Reward policy
	rootCmd.PersistentFlags().Float64("base-reward", conf.BaseReward, "Base reward per tick per active node")
	rootCmd.PersistentFlags().Float64("referral-boost", conf.ReferralBoost, "Boost increment for referred users")
	rootCmd.PersistentFlags().Float64("social-boost", conf.SocialBoost, "Boost increment per connected social account")
	rootCmd.PersistentFlags().Duration("activity-window", conf.ActivityWindow, "Heartbeat window for reward eligibility")
	rootCmd.PersistentFlags().Duration("reclaim-after", conf.ReclaimAfter, "Heartbeat silence before force-closing a session")
	rootCmd.PersistentFlags().Duration("reward-interval", conf.RewardInterval, "Reward engine tick interval")

	// Version
	version = rootCmd.PersistentFlags().BoolP("version", "v", false, "Show version and exit")
}

func initConfig() {
	viper.AddConfigPath(*datadir)
	viper.SetConfigName("gateway")

	viper.BindPFlags(rootCmd.PersistentFlags())

	if err := viper.ReadInConfig(); err != nil {
		conf.Logger().Warn(err, ". Taking cli or default.")
	}

	err := viper.Unmarshal(conf)
	if err != nil {
		conf.Logger().Warn(err, ". Taking cli or default.")
	}

	conf.SetDataDir(*datadir)
}

var rootCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Blockless network control-plane gateway",
	Long:  "Blockless network control-plane gateway",
	Run: func(cmd *cobra.Command, args []string) {
		if *version {
			fmt.Println(vers.Version)

			return
		}

		logger := conf.Logger()

		logger.WithFields(logrus.Fields{
			"datadir":         conf.DataDir,
			"service-listen":  conf.ServiceAddr,
			"store":           conf.Store,
			"db":              conf.DatabaseDir,
			"redis":           conf.RedisAddr,
			"max-nodes":       conf.MaxNodesPerUser,
			"base-reward":     conf.BaseReward,
			"activity-window": conf.ActivityWindow,
			"reclaim-after":   conf.ReclaimAfter,
			"reward-interval": conf.RewardInterval,
		}).Debug("RUN")

		engine := gateway.NewGateway(conf)

		if err := engine.Init(); err != nil {
			logger.Error("Cannot initialize gateway:", err)

			return
		}

		defer engine.Shutdown()

		engine.Run()
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)

		os.Exit(1)
	}
}
