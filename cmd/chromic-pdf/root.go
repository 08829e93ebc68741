package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	chromicpdf "github.com/xaviRodri/chromic-pdf"
)

type globalFlags struct {
	poolSize int
	timeout  time.Duration
	execPath string
	verbose  bool
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:           "chromic-pdf",
		Short:         "Render web pages and HTML files to PDF or images using headless Chrome",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().IntVar(&flags.poolSize, "pool-size", 1, "number of concurrent browser sessions")
	root.PersistentFlags().DurationVar(&flags.timeout, "timeout", 30*time.Second, "per-render timeout")
	root.PersistentFlags().StringVar(&flags.execPath, "exec-path", "", "path to the Chrome/Chromium executable")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newPrintCommand(flags))
	root.AddCommand(newScreenshotCommand(flags))

	return root
}

func newPrintCommand(flags *globalFlags) *cobra.Command {
	opts := &chromicpdf.PDFOptions{}
	var output string

	cmd := &cobra.Command{
		Use:   "print <url-or-file>",
		Short: "Print a page to PDF",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(flags, func(ctx context.Context, client *chromicpdf.Client) error {
				src, err := resolveSource(args[0])
				if err != nil {
					return err
				}
				pdf, err := client.PrintToPDF(ctx, src, opts)
				if err != nil {
					return err
				}
				return os.WriteFile(output, pdf, 0o644)
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "out.pdf", "output file")
	cmd.Flags().BoolVar(&opts.Landscape, "landscape", false, "landscape orientation")
	cmd.Flags().BoolVar(&opts.PrintBackground, "background", false, "print background graphics")
	cmd.Flags().Float64Var(&opts.Scale, "scale", 0, "page scale factor")
	cmd.Flags().StringVar(&opts.PageRanges, "pages", "", "page ranges, e.g. \"1-5, 8\"")
	return cmd
}

func newScreenshotCommand(flags *globalFlags) *cobra.Command {
	opts := &chromicpdf.ScreenshotOptions{}
	var output string

	cmd := &cobra.Command{
		Use:   "screenshot <url-or-file>",
		Short: "Capture a page screenshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(flags, func(ctx context.Context, client *chromicpdf.Client) error {
				src, err := resolveSource(args[0])
				if err != nil {
					return err
				}
				img, err := client.CaptureScreenshot(ctx, src, opts)
				if err != nil {
					return err
				}
				return os.WriteFile(output, img, 0o644)
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "out.png", "output file")
	cmd.Flags().StringVar(&opts.Format, "format", "", "image format: png, jpeg or webp")
	cmd.Flags().IntVar(&opts.Quality, "quality", 0, "jpeg/webp quality, 0-100")
	return cmd
}

func withClient(flags *globalFlags, fn func(context.Context, *chromicpdf.Client) error) error {
	logger := logrus.New()
	if flags.verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	client, err := chromicpdf.New(
		chromicpdf.WithPoolSize(flags.poolSize),
		chromicpdf.WithTimeout(flags.timeout),
		chromicpdf.WithExecutablePath(flags.execPath),
		chromicpdf.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), flags.timeout)
	defer cancel()
	return fn(ctx, client)
}

// resolveSource treats anything that isn't a URL as a local HTML file.
func resolveSource(arg string) (chromicpdf.Source, error) {
	if strings.Contains(arg, "://") {
		return chromicpdf.SourceURL(arg), nil
	}
	html, err := os.ReadFile(arg)
	if err != nil {
		return chromicpdf.Source{}, fmt.Errorf("reading %s: %w", arg, err)
	}
	return chromicpdf.SourceHTML(string(html)), nil
}
