package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"catalogscan/internal/config"
	"catalogscan/internal/oracle"
	"catalogscan/internal/orchestrator"
	"catalogscan/internal/platform"
	"catalogscan/internal/scanner"
	"catalogscan/internal/storage"
	"catalogscan/pkg/types"
)

type rootOptions struct {
	configPath string
	storeDir   string
	logLevel   string
	delay      time.Duration
	render     bool
	robots     bool
	verbose    bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "catalogscan",
		Short:         "Discover the product pages of a storefront by scanning its product id range",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", os.Getenv("CATALOGSCAN_CONFIG"), "path to a YAML configuration file")
	flags.StringVar(&opts.storeDir, "store-dir", "", "directory of the file discovery store")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flags.DurationVar(&opts.delay, "delay", 0, "pause between probes of one storefront")
	flags.BoolVar(&opts.render, "render", false, "render pages with headless Chrome")
	flags.BoolVar(&opts.robots, "respect-robots", false, "refuse to scan templates disallowed by robots.txt")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "print every probe")

	root.AddCommand(
		newScanCommand(opts, orchestrator.ModeFresh, "scan a storefront from product id 1"),
		newScanCommand(opts, orchestrator.ModeResume, "continue after the highest product id already stored"),
		newBatchCommand(opts),
		newProductsCommand(opts),
	)
	return root
}

// loadConfig reads the configuration file, or the defaults when none is
// given, and applies the flags the user set explicitly.
func loadConfig(cmd *cobra.Command, opts *rootOptions) (config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = *loaded
	}
	flags := cmd.Flags()
	if flags.Changed("store-dir") {
		cfg.Store.Backend = config.BackendFile
		cfg.Store.Directory = opts.storeDir
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = opts.logLevel
	}
	if flags.Changed("delay") {
		cfg.Scan.Delay = config.DurationFrom(opts.delay)
	}
	if flags.Changed("render") {
		cfg.Rendering.Enabled = opts.render
	}
	if flags.Changed("respect-robots") {
		cfg.Robots.Respect = opts.robots
		if cfg.Robots.UserAgent == "" {
			cfg.Robots.UserAgent = cfg.Fetch.UserAgent
		}
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func buildService(cmd *cobra.Command, opts *rootOptions) (*orchestrator.Service, func() error, error) {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return nil, nil, err
	}
	logger, err := cfg.Logging.NewLogger(cmd.ErrOrStderr())
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return orchestrator.Build(cfg, logger)
}

func newScanCommand(opts *rootOptions, mode orchestrator.Mode, short string) *cobra.Command {
	return &cobra.Command{
		Use:   string(mode) + " [product-url]",
		Short: short,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			var rawURL string
			if len(args) == 1 {
				rawURL = args[0]
			} else {
				var err error
				if rawURL, err = promptURL(cmd.InOrStdin(), out); err != nil {
					return err
				}
			}

			res, err := platform.Resolve(rawURL)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "platform: %s\ntemplate: %s\n\n", res.Platform, res.Template)

			svc, closeStore, err := buildService(cmd, opts)
			if err != nil {
				return err
			}
			defer closeStore()

			report, err := svc.Run(cmd.Context(), rawURL, mode,
				scanner.WithProgressSink(narrator(out, opts.verbose)))
			if report != nil {
				printReport(out, report)
			}
			return err
		},
	}
}

func newBatchCommand(opts *rootOptions) *cobra.Command {
	var (
		file        string
		modeName    string
		concurrency int
	)
	cmd := &cobra.Command{
		Use:   "batch [product-url...]",
		Short: "scan several storefronts concurrently",
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := orchestrator.ParseMode(modeName)
			if err != nil {
				return err
			}
			inputs := append([]string(nil), args...)
			if file != "" {
				fh, err := os.Open(file)
				if err != nil {
					return err
				}
				lines, err := readLines(fh)
				fh.Close()
				if err != nil {
					return err
				}
				inputs = append(inputs, lines...)
			}
			if len(inputs) == 0 {
				return errors.New("no product urls given")
			}

			svc, closeStore, err := buildService(cmd, opts)
			if err != nil {
				return err
			}
			defer closeStore()

			out := cmd.OutOrStdout()
			var failed int
			for _, res := range svc.RunBatch(cmd.Context(), inputs, mode, concurrency) {
				switch {
				case res.Err != nil && res.Report == nil:
					failed++
					fmt.Fprintf(out, "%s: %v\n", res.Input, res.Err)
				case res.Err != nil:
					failed++
					fmt.Fprintf(out, "%s: %d new of %d stored, %v\n", res.Input, len(res.Report.New), len(res.Report.Products), res.Err)
				default:
					fmt.Fprintf(out, "%s: %d new of %d stored\n", res.Input, len(res.Report.New), len(res.Report.Products))
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d sessions failed", failed, len(inputs))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "read product urls from a file, one per line")
	cmd.Flags().StringVar(&modeName, "mode", string(orchestrator.ModeResume), "fresh or resume")
	cmd.Flags().IntVar(&concurrency, "concurrency", 2, "storefronts scanned at the same time")
	return cmd
}

func newProductsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "products <domain>",
		Short: "print the products stored for a domain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, closeStore, err := buildService(cmd, opts)
			if err != nil {
				return err
			}
			defer closeStore()

			products, err := svc.Products(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if err := storage.WriteRecords(out, products); err != nil {
				return err
			}
			fmt.Fprintf(out, "total: %d\n", len(products))
			return nil
		},
	}
}

func promptURL(in io.Reader, out io.Writer) (string, error) {
	fmt.Fprintln(out, "Enter a product page URL (tracking parameters are fine)")
	fmt.Fprintln(out, "e.g. https://shop.example.com/surl/p/10")
	fmt.Fprintln(out, "     https://www.example.com/Product/?idx=72")
	fmt.Fprint(out, "> ")
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "", errors.New("no product url given")
	}
	return line, nil
}

func readLines(r io.Reader) ([]string, error) {
	var lines []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, sc.Err()
}

// narrator prints new products as they are found, and every probe when verbose.
func narrator(w io.Writer, verbose bool) scanner.ProgressSink {
	exists := oracle.Exists.String()
	return scanner.ProgressFunc(func(evt scanner.ProgressEvent) {
		switch {
		case evt.Verdict == exists && evt.New:
			fmt.Fprintf(w, "  FOUND #%d %s\n        %s\n", evt.ID, evt.Name, evt.FinalURL)
		case !verbose:
		case evt.TransportErr != "":
			fmt.Fprintf(w, "  #%d error: %s (%d)\n", evt.ID, evt.TransportErr, evt.Misses)
		case evt.Verdict == exists:
			fmt.Fprintf(w, "  #%d duplicate %s\n", evt.ID, evt.FinalURL)
		default:
			fmt.Fprintf(w, "  #%d not found: %s (%d)\n", evt.ID, evt.Reason, evt.Misses)
		}
	})
}

// printReport lists the products of the session: everything found for a fresh
// scan, only the unstored ones for a resumed scan.
func printReport(w io.Writer, report *orchestrator.Report) {
	fmt.Fprintln(w)
	var found []types.Product
	for _, pass := range report.Passes {
		fmt.Fprintf(w, "pass %d: ids %d-%d, %d probes, stopped by %s\n",
			pass.Pass, pass.Start, pass.LastID, pass.Attempts, pass.Stop)
		found = append(found, pass.Products...)
	}
	listed := report.New
	if report.Mode == orchestrator.ModeFresh {
		listed = found
	}
	fmt.Fprintln(w, strings.Repeat("=", 50))
	if len(listed) == 0 {
		fmt.Fprintln(w, "no product pages found")
	} else {
		_ = storage.WriteRecords(w, listed)
	}
	fmt.Fprintf(w, "found: %d, new: %d, stored: %d", len(found), len(report.New), len(report.Products))
	if !report.Persisted {
		fmt.Fprint(w, " (not saved)")
	}
	fmt.Fprintln(w)
}
