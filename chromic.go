package chromicpdf

import (
	"context"
	"encoding/base64"
	"fmt"
	"regexp"

	"github.com/sirupsen/logrus"

	"github.com/xaviRodri/chromic-pdf/chromium"
	"github.com/xaviRodri/chromic-pdf/common"
	"github.com/xaviRodri/chromic-pdf/log"
)

// Source names the document to render: a URL the browser can reach, or
// inline HTML served to it as a data URL.
type Source struct {
	url  string
	html string
}

// SourceURL renders the document behind a URL (http, https or file).
func SourceURL(url string) Source { return Source{url: url} }

// SourceHTML renders an inline HTML document.
func SourceHTML(html string) Source { return Source{html: html} }

func (s Source) resolve() string {
	if s.html != "" {
		return "data:text/html;base64," + base64.StdEncoding.EncodeToString([]byte(s.html))
	}
	return s.url
}

// Client drives one headless browser process. It is safe for
// concurrent use; parallelism is bounded by the pool size.
type Client struct {
	browser *common.Browser
	logger  *log.Logger
}

// New launches a browser and prepares the session pool. Configuration
// is read from CHROMIC_* environment variables first, then overridden
// by options.
func New(opts ...Option) (*Client, error) {
	bo := common.NewBrowserOptions()
	if err := bo.FromEnv(); err != nil {
		return nil, fmt.Errorf("reading CHROMIC environment: %w", err)
	}
	cfg := config{browser: bo}
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.logrus == nil {
		cfg.logrus = logrus.New()
	}
	filter, err := regexp.Compile(bo.LogCategoryFilter)
	if err != nil {
		return nil, fmt.Errorf("invalid log category filter %q: %w", bo.LogCategoryFilter, err)
	}
	logger := log.New(cfg.logrus, bo.Debug, filter)

	browser, err := chromium.Launch(context.Background(), bo, logger)
	if err != nil {
		return nil, err
	}
	return &Client{browser: browser, logger: logger}, nil
}

// PrintToPDF renders the source and returns the PDF bytes.
func (c *Client) PrintToPDF(ctx context.Context, src Source, opts *PDFOptions) ([]byte, error) {
	return c.run(ctx, printToPDF, common.State{
		"url":          src.resolve(),
		"printOptions": opts.params(),
	})
}

// CaptureScreenshot renders the source and returns the image bytes.
func (c *Client) CaptureScreenshot(ctx context.Context, src Source, opts *ScreenshotOptions) ([]byte, error) {
	return c.run(ctx, captureScreenshot, common.State{
		"url":               src.resolve(),
		"screenshotOptions": opts.params(),
	})
}

func (c *Client) run(ctx context.Context, p *common.Protocol, initial common.State) ([]byte, error) {
	out, err := c.browser.Run(ctx, p, initial)
	if err != nil {
		return nil, err
	}
	data, ok := out.(string)
	if !ok {
		return nil, fmt.Errorf("%s returned no data", p.Name())
	}
	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("decoding %s data: %w", p.Name(), err)
	}
	return decoded, nil
}

// Close shuts the browser process and the session pool down.
func (c *Client) Close() {
	c.browser.Close()
}
