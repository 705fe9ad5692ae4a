package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Adda-Baaj/malshare/internal/app"
	"github.com/Adda-Baaj/malshare/internal/config"
	"github.com/Adda-Baaj/malshare/internal/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "malshare: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return newRootCmd().ExecuteContext(ctx)
}

type options struct {
	envFile      string
	apiKey       string
	apiLimit     bool
	apiRemaining bool
	download     string
	fileInfo     string
	output       string
	listJSON     bool
	listRaw      bool
	history      bool
}

func newRootCmd() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "malshare",
		Short: "Access the MalShare API",
		Long: `Access the MalShare API.

An API key is needed. It can be provided on the command line with --api-key
or -k, or stored in an environment variable:

    export MALSHARE_API_KEY=<api-key>

Each flag requests one independent action. A failing action is reported and
the remaining ones still run; the exit status is non-zero if any failed
(set STRICT_EXIT=false to always exit 0).`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return execute(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.envFile, "config", "", "dotenv file to load (default ./.env if present)")
	f.StringVarP(&opts.apiKey, "api-key", "k", "", "MalShare API key (env MALSHARE_API_KEY)")
	f.BoolVar(&opts.apiLimit, "api-limit", false, "print the daily API call limit")
	f.BoolVar(&opts.apiRemaining, "api-remaining", false, "print the remaining API calls for today")
	f.StringVarP(&opts.download, "download", "d", "", "download the sample with this hash")
	f.StringVar(&opts.fileInfo, "file-info", "", "print details of the sample with this hash")
	f.StringVarP(&opts.output, "output", "o", "", "output path for --download (default <hash>.vir)")
	f.BoolVar(&opts.listJSON, "list-hashes-json", false, "list hashes from the last 24 hours as JSON")
	f.BoolVar(&opts.listRaw, "list-hashes-raw", false, "list hashes from the last 24 hours as plain text")
	f.BoolVar(&opts.history, "history", false, "list samples downloaded so far (needs STORAGE_TYPE=bbolt)")
	cmd.MarkFlagsMutuallyExclusive("download", "file-info")

	return cmd
}

func execute(cmd *cobra.Command, opts options) error {
	cfg, err := config.Load(opts.envFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if opts.apiKey != "" {
		cfg.APIKey = opts.apiKey
	}

	log, err := logger.Init(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Close()

	log.DebugObj("configuration loaded", "config", cfg.Redacted())

	req := app.Request{
		APIKey:       cfg.APIKey,
		APILimit:     opts.apiLimit,
		APIRemaining: opts.apiRemaining,
		DownloadHash: opts.download,
		Output:       opts.output,
		ListJSON:     opts.listJSON,
		ListRaw:      opts.listRaw,
		FileInfoHash: opts.fileInfo,
		History:      opts.history,
	}
	if req.Empty() {
		return cmd.Help()
	}

	runner, err := app.New(cmd.Context(), cfg, log, cmd.OutOrStdout(), cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() {
		if err := runner.Close(); err != nil {
			log.ErrorObj("shutdown failed", "error", err.Error())
		}
	}()

	err = runner.Run(cmd.Context(), req)
	var runErr *app.RunError
	if errors.As(err, &runErr) && !cfg.StrictExit {
		log.WarnObj("actions failed; exiting 0 because strict_exit is off", "failed_actions", len(runErr.Failures))
		return nil
	}
	return err
}
