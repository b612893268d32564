package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vyvo/imagebuild/pkg/artifacts"
	"github.com/vyvo/imagebuild/pkg/config"
	"github.com/vyvo/imagebuild/pkg/container"
	"github.com/vyvo/imagebuild/pkg/hasher"
	"github.com/vyvo/imagebuild/pkg/history"
	"github.com/vyvo/imagebuild/pkg/imagebuilder"
	"github.com/vyvo/imagebuild/pkg/janitor"
	"github.com/vyvo/imagebuild/pkg/queue"
	"github.com/vyvo/imagebuild/pkg/registry"
	"github.com/vyvo/imagebuild/pkg/request"
	"github.com/vyvo/imagebuild/pkg/signify"
)

// ErrBadSignature is returned by verify when the signature does not match.
var ErrBadSignature = errors.New("signature verification failed")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand()
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "interrupted")
			os.Exit(130)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type options struct {
	configDir string
}

func (o *options) load() (config.Settings, *slog.Logger, error) {
	var (
		cfg config.Settings
		err error
	)
	if o.configDir != "" {
		cfg, err = config.Load(o.configDir)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return config.Settings{}, nil, err
	}
	return cfg, cfg.NewLogger(os.Stderr), nil
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "imagebuildctl",
		Short:         "Operator tooling for the firmware image build service",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&opts.configDir, "config-dir", "", "Directory holding config.yaml (default ./configs)")

	root.AddCommand(
		newHashCommand(),
		newVerifyCommand(),
		newGCCommand(opts),
		newToolchainCommand(opts),
		newHistoryCommand(opts),
	)
	return root
}

func newHashCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hash <request.json|->",
		Short: "Print the request hash a build request is stored under",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			var req request.BuildRequest
			if err := json.Unmarshal(data, &req); err != nil {
				return fmt.Errorf("decode request: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), hasher.Request(req))
			return nil
		},
	}
}

func readInput(cmd *cobra.Command, name string) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(name)
}

func newVerifyCommand() *cobra.Command {
	var pubkey, sig, msg string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check a usign signature over a file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := os.ReadFile(pubkey)
			if err != nil {
				return err
			}
			signature, err := os.ReadFile(sig)
			if err != nil {
				return err
			}
			message, err := os.ReadFile(msg)
			if err != nil {
				return err
			}
			if !signify.Verify(message, string(signature), string(key)) {
				return ErrBadSignature
			}
			fmt.Fprintln(cmd.OutOrStdout(), "OK")
			return nil
		},
	}
	cmd.Flags().StringVar(&pubkey, "pubkey", "", "Public key file")
	cmd.Flags().StringVar(&sig, "sig", "", "Signature file")
	cmd.Flags().StringVar(&msg, "msg", "", "Signed file")
	_ = cmd.MarkFlagRequired("pubkey")
	_ = cmd.MarkFlagRequired("sig")
	_ = cmd.MarkFlagRequired("msg")
	return cmd
}

func newGCCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Run one collection pass over the artifact store and container runtime",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			jobs, err := queue.Open(cfg.RedisURL)
			if err != nil {
				return err
			}
			defer jobs.Close()

			j := &janitor.Janitor{Jobs: jobs, Store: artifacts.NewStore(cfg.PublicPath), Logger: logger}
			if cfg.UseContainer {
				rt, err := container.New(cfg.ContainerHost, cfg.ContainerImage, nil, logger)
				if err != nil {
					return err
				}
				j.Runtime = rt
			}
			report, err := j.Sweep(cmd.Context())
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "scanned %d artifact directories, deleted %d\n", report.Scanned, len(report.Deleted))
			for _, r := range report.Reclaimed {
				fmt.Fprintf(out, "%s: %d removed, %d bytes reclaimed\n", r.Kind, r.Count, r.Bytes)
			}
			return err
		},
	}
}

func newToolchainCommand(opts *options) *cobra.Command {
	var version, target string
	cmd := &cobra.Command{
		Use:   "toolchain",
		Short: "Manage cached toolchain snapshots",
	}
	cmd.PersistentFlags().StringVar(&version, "version", "", "Release version, e.g. 23.05.2")
	cmd.PersistentFlags().StringVar(&target, "target", "", "Target, e.g. ath79/generic")
	_ = cmd.MarkPersistentFlagRequired("version")
	_ = cmd.MarkPersistentFlagRequired("target")

	snapshot := func() (*imagebuilder.Snapshot, error) {
		cfg, logger, err := opts.load()
		if err != nil {
			return nil, err
		}
		branches, err := registry.Open(cfg.BranchesFile)
		if err != nil {
			return nil, err
		}
		branch, err := branches.ForVersion(version)
		if err != nil {
			return nil, err
		}
		cache := &imagebuilder.Cache{Root: cfg.CachePath, UpstreamURL: cfg.UpstreamURL, Logger: logger}
		return cache.Snapshot(version, target, branch)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "ensure",
		Short: "Download or refresh a toolchain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := snapshot()
			if err != nil {
				return err
			}
			unlock, err := snap.Lock(cmd.Context())
			if err != nil {
				return err
			}
			defer unlock()
			acquired, err := snap.Ensure(cmd.Context())
			if err != nil {
				return err
			}
			state := "current"
			if acquired {
				state = "acquired"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %s (%s)\n", version, target, state, snap.Dir)
			return nil
		},
	}, &cobra.Command{
		Use:   "remove",
		Short: "Delete a cached toolchain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := snapshot()
			if err != nil {
				return err
			}
			unlock, err := snap.Lock(cmd.Context())
			if err != nil {
				return err
			}
			defer unlock()
			if err := snap.Remove(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s: removed\n", version, target)
			return nil
		},
	})
	return cmd
}

func newHistoryCommand(opts *options) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List archived build outcomes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := opts.load()
			if err != nil {
				return err
			}
			if cfg.HistoryDatabaseURL == "" {
				return errors.New("history_database_url is not configured")
			}
			store, err := history.NewPostgresStore(cfg.HistoryDatabaseURL)
			if err != nil {
				return err
			}
			defer store.Close()
			records, err := store.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printHistory(cmd.OutOrStdout(), records)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "Number of records to show")
	return cmd
}

func printHistory(w io.Writer, records []history.Record) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FINISHED\tSTATUS\tVERSION\tTARGET\tPROFILE\tHASH\tDETAIL")
	for _, r := range records {
		hash := r.RequestHash
		if len(hash) > 12 {
			hash = hash[:12]
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.FinishedAt.Format(time.RFC3339), r.Status, r.Version, r.Target, r.Profile, hash, r.Detail)
	}
	return tw.Flush()
}
