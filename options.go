package chromicpdf

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xaviRodri/chromic-pdf/common"
)

// Option customizes a Client at construction time. Options take
// precedence over CHROMIC_* environment variables.
type Option func(*config)

type config struct {
	browser *common.BrowserOptions
	logrus  *logrus.Logger
}

// WithPoolSize sets how many page sessions (and therefore concurrent
// renders) the client keeps.
func WithPoolSize(n int) Option {
	return func(c *config) { c.browser.PoolSize = n }
}

// WithTimeout bounds a single render end to end.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.browser.Timeout = d }
}

// WithCheckoutTimeout bounds how long a render waits for a free
// session under load.
func WithCheckoutTimeout(d time.Duration) Option {
	return func(c *config) { c.browser.CheckoutTimeout = d }
}

// WithGracePeriod sets how long an in-flight command on a crashed
// session may still receive its response before being abandoned.
func WithGracePeriod(d time.Duration) Option {
	return func(c *config) { c.browser.GracePeriod = d }
}

// WithExecutablePath names the Chrome/Chromium binary instead of
// searching PATH.
func WithExecutablePath(path string) Option {
	return func(c *config) { c.browser.ExecutablePath = path }
}

// WithHeadless toggles headless mode. On by default.
func WithHeadless(headless bool) Option {
	return func(c *config) { c.browser.Headless = headless }
}

// WithBrowserArgs appends extra command line flags for the browser
// process, with or without the leading dashes.
func WithBrowserArgs(args ...string) Option {
	return func(c *config) { c.browser.Args = append(c.browser.Args, args...) }
}

// WithLogger routes the client's logs through the given logrus logger.
func WithLogger(l *logrus.Logger) Option {
	return func(c *config) { c.logrus = l }
}

// PDFOptions mirror the parameters of the Page.printToPDF command.
// Zero values fall back to the browser's defaults.
type PDFOptions struct {
	Landscape           bool
	DisplayHeaderFooter bool
	HeaderTemplate      string
	FooterTemplate      string
	PrintBackground     bool
	Scale               float64
	PaperWidth          float64 // inches
	PaperHeight         float64 // inches
	MarginTop           float64 // inches
	MarginBottom        float64 // inches
	MarginLeft          float64 // inches
	MarginRight         float64 // inches
	PageRanges          string  // e.g. "1-5, 8"
	PreferCSSPageSize   bool
}

func (o *PDFOptions) params() map[string]interface{} {
	p := map[string]interface{}{}
	if o == nil {
		return p
	}
	if o.Landscape {
		p["landscape"] = true
	}
	if o.DisplayHeaderFooter {
		p["displayHeaderFooter"] = true
	}
	if o.HeaderTemplate != "" {
		p["headerTemplate"] = o.HeaderTemplate
	}
	if o.FooterTemplate != "" {
		p["footerTemplate"] = o.FooterTemplate
	}
	if o.PrintBackground {
		p["printBackground"] = true
	}
	if o.Scale != 0 {
		p["scale"] = o.Scale
	}
	if o.PaperWidth != 0 {
		p["paperWidth"] = o.PaperWidth
	}
	if o.PaperHeight != 0 {
		p["paperHeight"] = o.PaperHeight
	}
	if o.MarginTop != 0 {
		p["marginTop"] = o.MarginTop
	}
	if o.MarginBottom != 0 {
		p["marginBottom"] = o.MarginBottom
	}
	if o.MarginLeft != 0 {
		p["marginLeft"] = o.MarginLeft
	}
	if o.MarginRight != 0 {
		p["marginRight"] = o.MarginRight
	}
	if o.PageRanges != "" {
		p["pageRanges"] = o.PageRanges
	}
	if o.PreferCSSPageSize {
		p["preferCSSPageSize"] = true
	}
	return p
}

// ScreenshotOptions mirror the parameters of the
// Page.captureScreenshot command.
type ScreenshotOptions struct {
	Format  string          // "png" (default), "jpeg" or "webp"
	Quality int             // jpeg/webp only, 0-100
	Clip    *ScreenshotClip // capture a region instead of the viewport
}

// ScreenshotClip is the region of the page to capture, in CSS pixels.
type ScreenshotClip struct {
	X      float64
	Y      float64
	Width  float64
	Height float64
	Scale  float64 // defaults to 1
}

func (o *ScreenshotOptions) params() map[string]interface{} {
	p := map[string]interface{}{}
	if o == nil {
		return p
	}
	if o.Format != "" {
		p["format"] = o.Format
	}
	if o.Quality != 0 {
		p["quality"] = o.Quality
	}
	if o.Clip != nil {
		scale := o.Clip.Scale
		if scale == 0 {
			scale = 1
		}
		p["clip"] = map[string]interface{}{
			"x":      o.Clip.X,
			"y":      o.Clip.Y,
			"width":  o.Clip.Width,
			"height": o.Clip.Height,
			"scale":  scale,
		}
	}
	return p
}
