package cmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/searchktools/topk-server/client"
	"github.com/searchktools/topk-server/config"
	"github.com/searchktools/topk-server/logger"
)

type clientOptions struct {
	address string
	retries int
}

func newClientCmd(cfgFile *string) *cobra.Command {
	opts := &clientOptions{}

	cmd := &cobra.Command{
		Use:   "client <threads> <urls_file>",
		Short: "Send every URL in a file to the server",
		Example: `  topk-server client 10 urls.txt
  topk-server client --address 10.0.0.5:8080 --retries 5 4 urls.txt`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			threads, err := strconv.Atoi(args[0])
			if err != nil || threads <= 0 {
				return fmt.Errorf("threads must be a positive integer, got %q", args[0])
			}

			cfg, err := config.Load(*cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cmd.Flags().Changed("address") {
				cfg.Client.Address = opts.address
			}
			if cmd.Flags().Changed("retries") {
				cfg.Client.Retries = opts.retries
			}

			urls, err := client.LoadURLs(args[1])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			c := client.New(client.Config{
				Address:  cfg.Client.Address,
				Threads:  threads,
				Retries:  cfg.Client.Retries,
				Timeout:  cfg.Client.Timeout,
				ReadSize: cfg.Client.ReadSize,
			}, logger.New(&cfg.Log))

			_, err = c.Run(ctx, urls, cmd.OutOrStdout())
			return err
		},
	}

	cmd.Flags().StringVar(&opts.address, "address", "", "server address (default localhost:8080)")
	cmd.Flags().IntVar(&opts.retries, "retries", client.DefaultRetries, "attempts per URL")

	return cmd
}
