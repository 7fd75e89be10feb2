package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/searchktools/topk-server/app"
	"github.com/searchktools/topk-server/config"
	"github.com/searchktools/topk-server/logger"
)

func newServeCmd(cfgFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the server",
		Example: `  # 10 workers, top 5 words
  topk-server serve -w 10 -k 5

  # listen on all interfaces with a config file
  topk-server serve -w 4 -k 10 --address 0.0.0.0:8080 --config topk.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := serveConfig(cmd, *cfgFile)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().IntP("workers", "w", 0, "number of worker units")
	cmd.Flags().IntP("top-k", "k", 0, "number of most frequent words to return")
	cmd.Flags().String("address", "", "listen address (default localhost:8080)")
	cmd.Flags().String("codec", "", "response encoding: json or protobuf")
	_ = cmd.MarkFlagRequired("workers")
	_ = cmd.MarkFlagRequired("top-k")

	return cmd
}

// serveConfig layers flags over the file and environment configuration
func serveConfig(cmd *cobra.Command, cfgFile string) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("workers") {
		cfg.Server.Workers, _ = flags.GetInt("workers")
	}
	if flags.Changed("top-k") {
		cfg.Server.TopK, _ = flags.GetInt("top-k")
	}
	if flags.Changed("address") {
		cfg.Server.Address, _ = flags.GetString("address")
	}
	if flags.Changed("codec") {
		cfg.Server.Codec, _ = flags.GetString("codec")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runServe(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}

	logger.Init(&cfg.Log)
	log := logger.L()

	a, err := app.New(cfg, log)
	if err != nil {
		return err
	}

	runErr := a.Run(ctx)
	if runErr != nil {
		log.Error("server failed", zap.Error(runErr))
	}
	if err := a.Close(); err != nil && runErr == nil {
		return err
	}
	return runErr
}
