package cmd

import (
	"fmt"

	"github.com/Laisky/errors/v2"
	gconfig "github.com/Laisky/go-config/v2"
	gcmd "github.com/Laisky/go-utils/v6/cmd"
	"github.com/Laisky/zap"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/Laisky/filebroker/internal/broker/bus"
	"github.com/Laisky/filebroker/internal/broker/client"
	"github.com/Laisky/filebroker/internal/broker/protocol"
	"github.com/Laisky/filebroker/library/log"
)

var sessionsCMD = &cobra.Command{
	Use:   "sessions",
	Short: "sessions",
	Long:  `list the sessions stored at the broker`,
	Args:  gcmd.NoExtraArgs,
	PreRun: func(cmd *cobra.Command, args []string) {
		if err := initialize(cmd.Context(), cmd); err != nil {
			log.Logger.Panic("init", zap.Error(err))
		}
	},
	Run: func(cmd *cobra.Command, args []string) {
		cli, err := newBrokerClient()
		if err != nil {
			log.Logger.Panic("create broker client", zap.Error(err))
		}

		sessions, err := cli.ListRemoteSessions(cmd.Context())
		if err != nil {
			log.Logger.Panic("list sessions", zap.Error(err))
		}

		for _, session := range sessions {
			if session.ID == "" {
				fmt.Println(session.Name)
				continue
			}
			fmt.Printf("%s\t%s\n", session.Name, session.ID)
		}
	},
}

var putCMD = &cobra.Command{
	Use:   "put <data-id> <path>",
	Short: "put",
	Long:  `upload a local file into the broker cache area`,
	Args:  cobra.ExactArgs(2),
	PreRun: func(cmd *cobra.Command, args []string) {
		if err := initialize(cmd.Context(), cmd); err != nil {
			log.Logger.Panic("init", zap.Error(err))
		}
	},
	Run: func(cmd *cobra.Command, args []string) {
		cli, err := newBrokerClient()
		if err != nil {
			log.Logger.Panic("create broker client", zap.Error(err))
		}

		if err := cli.AddLocalFile(cmd.Context(),
			args[0], protocol.AreaCache, args[1]); err != nil {
			log.Logger.Panic("upload file", zap.Error(err), zap.String("path", args[1]))
		}

		log.Logger.Info("uploaded", zap.String("data_id", args[0]))
	},
}

var getCMD = &cobra.Command{
	Use:   "get <data-id> <path>",
	Short: "get",
	Long:  `download a broker file into a local path`,
	Args:  cobra.ExactArgs(2),
	PreRun: func(cmd *cobra.Command, args []string) {
		if err := initialize(cmd.Context(), cmd); err != nil {
			log.Logger.Panic("init", zap.Error(err))
		}
	},
	Run: func(cmd *cobra.Command, args []string) {
		cli, err := newBrokerClient()
		if err != nil {
			log.Logger.Panic("create broker client", zap.Error(err))
		}

		if err := cli.GetFileTo(cmd.Context(), args[0], args[1]); err != nil {
			log.Logger.Panic("download file", zap.Error(err), zap.String("data_id", args[0]))
		}

		log.Logger.Info("downloaded", zap.String("path", args[1]))
	},
}

func init() {
	rootCMD.AddCommand(sessionsCMD, putCMD, getCMD)

	for _, cmd := range []*cobra.Command{sessionsCMD, putCMD, getCMD} {
		cmd.PersistentFlags().String("username", "", "user the operations act for")
	}
}

// newBrokerClient builds a client over the configured redis bus.
func newBrokerClient() (*client.Client, error) {
	msgbus := bus.NewRedisBus(&redis.Options{
		Addr:     gconfig.Shared.GetString("settings.broker.redis.addr"),
		DB:       gconfig.Shared.GetInt("settings.broker.redis.db"),
		Password: gconfig.Shared.GetString("settings.broker.redis.password"),
	})

	correlator, err := bus.NewCorrelator(msgbus,
		gconfig.Shared.GetString("settings.broker.topic"), nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	opts := []client.Option{}
	if username := gconfig.Shared.GetString("username"); username != "" {
		opts = append(opts, client.WithUsername(username))
	}
	if localRoot := gconfig.Shared.GetString("settings.broker.local_root"); localRoot != "" {
		opts = append(opts, client.WithLocalRoot(localRoot))
	}

	cli, err := client.New(correlator, opts...)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	return cli, nil
}
