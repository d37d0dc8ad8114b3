package cmd

import (
	"context"
	"database/sql"
	"os/signal"
	"syscall"

	"github.com/Laisky/errors/v2"
	gconfig "github.com/Laisky/go-config/v2"
	gutils "github.com/Laisky/go-utils/v6"
	gcmd "github.com/Laisky/go-utils/v6/cmd"
	"github.com/Laisky/zap"
	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Laisky/filebroker/internal/broker/bus"
	"github.com/Laisky/filebroker/internal/broker/catalog"
	"github.com/Laisky/filebroker/internal/broker/diskcleanup"
	"github.com/Laisky/filebroker/internal/broker/server"
	"github.com/Laisky/filebroker/library/log"
)

var brokerCMD = &cobra.Command{
	Use:   "broker",
	Short: "broker",
	Long:  `run the file broker server`,
	Args:  gcmd.NoExtraArgs,
	PreRun: func(cmd *cobra.Command, args []string) {
		if err := initialize(cmd.Context(), cmd); err != nil {
			log.Logger.Panic("init", zap.Error(err))
		}
	},
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		if err := runBroker(ctx); err != nil {
			log.Logger.Panic("run broker", zap.Error(err))
		}
	},
}

func init() {
	rootCMD.AddCommand(brokerCMD)
}

func runBroker(ctx context.Context) error {
	logger := log.Logger.Named("broker")

	db, err := sql.Open("sqlite3", gconfig.Shared.GetString("settings.broker.db_path"))
	if err != nil {
		return errors.Wrap(err, "open metadata db")
	}
	defer gutils.LogErr(db.Close, logger)

	cat, err := catalog.New(db)
	if err != nil {
		return errors.Wrap(err, "create catalog")
	}

	cleanup, err := diskcleanup.New(
		gconfig.Shared.GetString("settings.broker.cache_dir"),
		diskcleanup.Config{
			TriggerPercent: gconfig.Shared.GetInt("settings.broker.cleanup.trigger_percent"),
			TargetPercent:  gconfig.Shared.GetInt("settings.broker.cleanup.target_percent"),
			MinFileAge:     gconfig.Shared.GetDuration("settings.broker.cleanup.min_file_age"),
			MinReserve:     gconfig.Shared.GetInt64("settings.broker.cleanup.min_reserve"),
		},
	)
	if err != nil {
		return errors.Wrap(err, "create cleanup manager")
	}

	msgbus := bus.NewRedisBus(&redis.Options{
		Addr:     gconfig.Shared.GetString("settings.broker.redis.addr"),
		DB:       gconfig.Shared.GetInt("settings.broker.redis.db"),
		Password: gconfig.Shared.GetString("settings.broker.redis.password"),
	})

	srv, err := server.New(msgbus, cat, cleanup, server.Config{
		Topic:      gconfig.Shared.GetString("settings.broker.topic"),
		CacheDir:   gconfig.Shared.GetString("settings.broker.cache_dir"),
		StorageDir: gconfig.Shared.GetString("settings.broker.storage_dir"),
		BaseURL:    gconfig.Shared.GetString("settings.broker.base_url"),
		Workers:    gconfig.Shared.GetInt("settings.broker.workers"),
	})
	if err != nil {
		return errors.Wrap(err, "create broker server")
	}

	var pool errgroup.Group
	pool.Go(func() error {
		return srv.Run(ctx)
	})

	if backupDir := gconfig.Shared.GetString("settings.broker.backup.dir"); backupDir != "" {
		runner, err := catalog.NewBackupRunner(cat, backupDir,
			gconfig.Shared.GetString("settings.broker.backup.time"),
			gconfig.Shared.GetInt("settings.broker.backup.keep"),
		)
		if err != nil {
			return errors.Wrap(err, "create backup runner")
		}

		pool.Go(func() error {
			return runner.Run(ctx)
		})
	}

	if err := pool.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return errors.Wrap(err, "broker stopped")
	}

	logger.Info("broker exited")
	return nil
}
