package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/hbomb79/Siphon/internal"
	"github.com/hbomb79/Siphon/internal/fetch"
	"github.com/hbomb79/Siphon/pkg/logger"
	"github.com/spf13/cobra"
)

var (
	log = logger.Get("Bootstrap")

	configPath   string
	logLevel     string
	probeDomain  string
	siphonConfig internal.SiphonConfig
)

var rootCmd = &cobra.Command{
	Use:   "siphon",
	Short: "Siphon acquires adaptive (HLS/DASH) video streams",
	Long: `Siphon downloads the segments of adaptive HLS and DASH streams,
muxes them into a single playable file and records the result in a
local video library.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the download manager and REST/websocket API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := internal.New(siphonConfig).Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("siphon exited with error: %w", err)
		}

		log.Emit(logger.STOP, "Siphon shutdown complete\n")
		return nil
	},
}

var probeCmd = &cobra.Command{
	Use:   "probe <manifest-url>",
	Short: "Fetch a manifest and list the qualities it offers",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fetcher := fetch.New(siphonConfig.Fetch, nil, fetch.NewStaticCookieSource(siphonConfig.Cookies), nil)
		parsed, err := fetcher.Probe(cmd.Context(), args[0], probeDomain)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Format: %s (live=%v, drm=%v, subtitles=%v)\n", parsed.Format, parsed.IsLive, parsed.IsDRMProtected, parsed.HasSubtitles)
		if parsed.TotalDuration != nil {
			fmt.Fprintf(out, "Duration: %.1fs\n", *parsed.TotalDuration)
		}

		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "LABEL\tRESOLUTION\tBANDWIDTH\tCODECS\tURL")
		for _, q := range parsed.Qualities {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", q.Label(), q.Resolution, q.Bandwidth, q.Codecs, q.URL)
		}

		return w.Flush()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML configuration file (environment variables are used if omitted)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Minimum log level to emit (verbose, debug, info, warning, error)")
	probeCmd.Flags().StringVar(&probeDomain, "domain", "", "Domain whose cookies should accompany the manifest request")

	rootCmd.AddCommand(serveCmd, probeCmd)
}

func loadConfig(_ *cobra.Command, _ []string) error {
	if logLevel != "" {
		logger.SetMinLoggingLevel(logger.ParseLevel(logLevel).Level())
	}

	if configPath != "" {
		if err := siphonConfig.LoadFromFile(configPath); err != nil {
			return fmt.Errorf("failed to load configuration from %s: %w", configPath, err)
		}
		return nil
	}

	if err := siphonConfig.LoadFromEnv(); err != nil {
		return fmt.Errorf("failed to load configuration from environment: %w", err)
	}

	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
