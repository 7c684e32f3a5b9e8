package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/songzhibin97/process-engine/config"
	"github.com/songzhibin97/process-engine/logger"
)

type cli struct {
	v   *viper.Viper
	cfg config.Config
}

var flagKeys = map[string]string{
	"storage":      "storage",
	"redis-addr":   "redis.addr",
	"namespace":    "redis.namespace",
	"http-addr":    "http.addr",
	"metrics-addr": "metrics.addr",
	"log-level":    "log.level",
	"bundle":       "bundle",
	"node-id":      "node_id",
}

func setupFlags(cmd *cobra.Command, v *viper.Viper) error {
	cmd.Flags().String("config-file", "", "Path to config file.")
	cmd.Flags().String("storage", "memory", "storage implementation: memory or redis")
	cmd.Flags().String("redis-addr", "localhost:6379", "redis host:port")
	cmd.Flags().String("namespace", "processd", "key namespace used in redis")
	cmd.Flags().String("http-addr", ":8080", "address of the webhook and api endpoints")
	cmd.Flags().String("metrics-addr", ":9090", "address of the prometheus endpoint, empty to disable")
	cmd.Flags().String("log-level", "info", "log level")
	cmd.Flags().String("bundle", "", "YAML bundle of process definitions and rules to publish at start")
	cmd.Flags().Int64("node-id", 1, "instance id generator node id, unique per worker")
	for flag, key := range flagKeys {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}
	return nil
}

func (c *cli) setupConfig(cmd *cobra.Command, args []string) error {
	configFile, err := cmd.Flags().GetString("config-file")
	if err != nil {
		return err
	}
	c.cfg, err = config.Load(c.v, configFile)
	return err
}

func (c *cli) run(cmd *cobra.Command, args []string) error {
	zl, err := logger.New(c.cfg.Log)
	if err != nil {
		return err
	}
	defer zl.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(ctx, c.cfg, zl)
	if err != nil {
		return err
	}
	return d.run(ctx)
}

func main() {
	c := &cli{v: viper.New()}

	cmd := &cobra.Command{
		Use:          "processd",
		Short:        "Approval process and workflow automation engine",
		PreRunE:      c.setupConfig,
		RunE:         c.run,
		SilenceUsage: true,
	}

	if err := setupFlags(cmd, c.v); err != nil {
		log.Fatal(err)
	}

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
