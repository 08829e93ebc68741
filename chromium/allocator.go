// Package chromium finds, launches and supervises a Chromium (or
// Chrome) subprocess in headless mode and hands the connected browser
// handle to callers.
package chromium

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/xaviRodri/chromic-pdf/common"
	"github.com/xaviRodri/chromic-pdf/log"
)

// Allocator provides facilities for finding, running, and interacting
// with a Chromium browser.
type Allocator struct {
	execPath  string                 // path to the Chromium executable
	initFlags map[string]interface{} // CLI flags to pass to the Chromium executable
	initEnv   []string               // environment variables to pass to the Chromium executable
	storage   DataStore              // stores temporary user data for the browser
	logger    *log.Logger
}

// NewAllocator returns a new Allocator configured from the given
// options.
func NewAllocator(opts *common.BrowserOptions, logger *log.Logger) *Allocator {
	execPath := opts.ExecutablePath
	if execPath == "" {
		execPath = findExecPath()
	}
	return &Allocator{
		execPath:  execPath,
		initFlags: prepareFlags(opts),
		logger:    logger,
	}
}

// Launch starts a browser process and connects to it, returning the
// ready Browser. The returned browser owns ctx's cancellation.
func Launch(ctx context.Context, opts *common.BrowserOptions, logger *log.Logger) (*common.Browser, error) {
	ctx, cancel := context.WithCancel(ctx)
	a := NewAllocator(opts, logger)
	proc, err := a.Allocate(ctx, cancel, opts)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("launching browser: %w", err)
	}
	b, err := common.NewBrowser(ctx, cancel, proc, opts, logger)
	if err != nil {
		cancel()
		return nil, err
	}
	return b, nil
}

// Allocate starts a new Chromium browser process and returns it.
func (a *Allocator) Allocate(ctx context.Context, cancel context.CancelFunc, opts *common.BrowserOptions) (_ *common.BrowserProcess, rerr error) {
	if a.execPath == "" {
		return nil, errors.New("no Chrome/Chromium executable found in PATH, set CHROMIC_EXECUTABLE_PATH")
	}

	args, err := a.prepareArgs()
	if err != nil {
		return nil, fmt.Errorf("cannot prepare args: %w", err)
	}

	cmd := exec.CommandContext(ctx, a.execPath, args...) //nolint:gosec
	killAfterParent(cmd)

	defer func() {
		if rerr != nil {
			a.storage.Cleanup()
		}
	}()

	// Chromium writes the DevTools line to stderr; pipe it to stdout so
	// one scanner sees everything.
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("cannot pipe stdout: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if len(a.initEnv) > 0 {
		cmd.Env = append(os.Environ(), a.initEnv...)
	}

	// We must start the cmd before calling cmd.Wait, as otherwise the
	// two can run into a data race.
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("cannot start browser executable: %w", err)
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("context err after command start: %w", ctx.Err())
	}

	go func() {
		if err := cmd.Wait(); err != nil && ctx.Err() == nil {
			a.logger.Errorf("chromium", "browser process with PID %d ended unexpectedly: %v", cmd.Process.Pid, err)
		}
		a.storage.Cleanup()
	}()

	ctxTimeout, cancelTimeout := context.WithTimeout(ctx, opts.Timeout)
	defer cancelTimeout()

	wsURL, err := a.parseWebsocketURL(ctxTimeout, stdout)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("cannot parse websocket url: %w", err)
	}

	go drain(stdout)

	return common.NewBrowserProcess(ctx, cancel, cmd.Process, wsURL, a.storage.Dir), nil
}

// prepareArgs builds the final command line, creating the user data
// directory first.
func (a *Allocator) prepareArgs() ([]string, error) {
	if err := a.storage.Make(a.initFlags["user-data-dir"]); err != nil {
		return nil, fmt.Errorf("cannot make user data directory: %w", err)
	}
	a.initFlags["user-data-dir"] = a.storage.Dir

	var args []string
	for name, value := range a.initFlags {
		switch value := value.(type) {
		case string:
			args = append(args, fmt.Sprintf("--%s=%s", name, value))
		case bool:
			if value {
				args = append(args, fmt.Sprintf("--%s", name))
			}
		default:
			return nil, errors.New("invalid browser command line flag")
		}
	}
	if _, ok := a.initFlags["no-sandbox"]; !ok && os.Getuid() == 0 {
		// Running as root, for example in a Linux container. Chromium
		// needs --no-sandbox when running as root, so make that the
		// default, unless the user set "no-sandbox": false.
		args = append(args, "--no-sandbox")
	}
	if _, ok := a.initFlags["remote-debugging-port"]; !ok {
		args = append(args, "--remote-debugging-port=0")
	}
	sort.Strings(args)

	return args, nil
}

// parseWebsocketURL grabs the websocket address from chrome's output
// and returns it.
func (a *Allocator) parseWebsocketURL(ctx context.Context, rc io.Reader) (string, error) {
	type result struct {
		wsURL string
		err   error
	}
	c := make(chan result, 1)
	go func() {
		const prefix = "DevTools listening on "

		scanner := bufio.NewScanner(rc)
		for scanner.Scan() {
			if s := scanner.Text(); strings.HasPrefix(s, prefix) {
				c <- result{strings.TrimPrefix(strings.TrimSpace(s), prefix), nil}
				return
			}
		}
		if err := scanner.Err(); err != nil {
			c <- result{"", fmt.Errorf("scanner err: %w", err)}
			return
		}
		c <- result{"", errors.New("browser output ended before DevTools URL")}
	}()
	select {
	case r := <-c:
		return r.wsURL, r.err
	case <-ctx.Done():
		return "", fmt.Errorf("ctx err: %w", ctx.Err())
	}
}

func prepareFlags(opts *common.BrowserOptions) map[string]interface{} {
	flags := map[string]interface{}{
		"headless":                      opts.Headless,
		"no-first-run":                  true,
		"no-default-browser-check":      true,
		"disable-background-networking": true,
		"disable-extensions":            true,
		"disable-popup-blocking":        true,
		"hide-scrollbars":               true,
		"mute-audio":                    true,
	}
	if opts.Headless {
		flags["disable-gpu"] = true
	}
	for _, arg := range opts.Args {
		name, value := arg, interface{}(true)
		if i := strings.IndexRune(arg, '='); i != -1 {
			name, value = arg[:i], arg[i+1:]
		}
		flags[strings.TrimPrefix(name, "--")] = value
	}
	return flags
}

func drain(r io.Reader) {
	_, _ = io.Copy(io.Discard, r)
}

// findExecPath finds the path to the Chromium executable and returns
// it.
func findExecPath() string {
	for _, path := range [...]string{
		// Unix-like
		"headless_shell",
		"headless-shell",
		"chromium",
		"chromium-browser",
		"google-chrome",
		"google-chrome-stable",
		"google-chrome-beta",
		"google-chrome-unstable",
		"/usr/bin/google-chrome",

		// Windows
		"chrome",
		"chrome.exe",

		// Mac
		"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
		"/Applications/Chromium.app/Contents/MacOS/Chromium",
	} {
		if _, err := exec.LookPath(path); err == nil {
			return path
		}
	}

	return ""
}
