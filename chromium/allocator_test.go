package chromium

import (
	"context"
	"os"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xaviRodri/chromic-pdf/common"
	"github.com/xaviRodri/chromic-pdf/log"
)

func TestPrepareFlags(t *testing.T) {
	t.Run("headless defaults", func(t *testing.T) {
		opts := common.NewBrowserOptions()
		flags := prepareFlags(opts)

		assert.Equal(t, true, flags["headless"])
		assert.Equal(t, true, flags["disable-gpu"])
		assert.Equal(t, true, flags["no-first-run"])
		assert.Equal(t, true, flags["mute-audio"])
	})

	t.Run("headful drops gpu flag", func(t *testing.T) {
		opts := common.NewBrowserOptions()
		opts.Headless = false
		flags := prepareFlags(opts)

		assert.Equal(t, false, flags["headless"])
		assert.NotContains(t, flags, "disable-gpu")
	})

	t.Run("user args merge and override", func(t *testing.T) {
		opts := common.NewBrowserOptions()
		opts.Args = []string{"--window-size=1920,1080", "disable-dev-shm-usage", "--headless=false"}
		flags := prepareFlags(opts)

		assert.Equal(t, "1920,1080", flags["window-size"])
		assert.Equal(t, true, flags["disable-dev-shm-usage"])
		assert.Equal(t, "false", flags["headless"])
	})
}

func TestPrepareArgs(t *testing.T) {
	t.Run("builds sorted command line", func(t *testing.T) {
		opts := common.NewBrowserOptions()
		a := &Allocator{initFlags: prepareFlags(opts), logger: log.NewNullLogger()}
		defer a.storage.Cleanup()

		args, err := a.prepareArgs()
		require.NoError(t, err)

		assert.True(t, sort.StringsAreSorted(args))
		assert.Contains(t, args, "--headless")
		assert.Contains(t, args, "--remote-debugging-port=0")
		assert.Contains(t, args, "--user-data-dir="+a.storage.Dir)
		if os.Getuid() == 0 {
			assert.Contains(t, args, "--no-sandbox")
		}
	})

	t.Run("keeps explicit debugging port", func(t *testing.T) {
		opts := common.NewBrowserOptions()
		opts.Args = []string{"remote-debugging-port=9222"}
		a := &Allocator{initFlags: prepareFlags(opts), logger: log.NewNullLogger()}
		defer a.storage.Cleanup()

		args, err := a.prepareArgs()
		require.NoError(t, err)

		assert.Contains(t, args, "--remote-debugging-port=9222")
		assert.NotContains(t, args, "--remote-debugging-port=0")
	})

	t.Run("rejects invalid flag value", func(t *testing.T) {
		a := &Allocator{
			initFlags: map[string]interface{}{"headless": 42},
			logger:    log.NewNullLogger(),
		}
		defer a.storage.Cleanup()

		_, err := a.prepareArgs()
		require.ErrorContains(t, err, "invalid browser command line flag")
	})
}

func TestParseWebsocketURL(t *testing.T) {
	a := &Allocator{logger: log.NewNullLogger()}

	t.Run("finds url in output", func(t *testing.T) {
		out := strings.NewReader(strings.Join([]string{
			"[0100/000000.000000:ERROR:bus.cc(399)] Failed to connect to the bus",
			"DevTools listening on ws://127.0.0.1:41000/devtools/browser/e3c0f1a2",
			"more output",
		}, "\n"))

		wsURL, err := a.parseWebsocketURL(context.Background(), out)
		require.NoError(t, err)
		assert.Equal(t, "ws://127.0.0.1:41000/devtools/browser/e3c0f1a2", wsURL)
	})

	t.Run("output ends without url", func(t *testing.T) {
		out := strings.NewReader("crashpad_handler: failed\n")

		_, err := a.parseWebsocketURL(context.Background(), out)
		require.ErrorContains(t, err, "browser output ended before DevTools URL")
	})

	t.Run("respects context deadline", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		// A pipe with no writer blocks the scanner forever.
		r, w, err := os.Pipe()
		require.NoError(t, err)
		defer r.Close()
		defer w.Close()

		_, err = a.parseWebsocketURL(ctx, r)
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestDataStore(t *testing.T) {
	t.Run("creates and removes temporary directory", func(t *testing.T) {
		var d DataStore
		require.NoError(t, d.Make(nil))
		require.DirExists(t, d.Dir)

		d.Cleanup()
		assert.NoDirExists(t, d.Dir)
	})

	t.Run("keeps caller provided directory", func(t *testing.T) {
		dir := t.TempDir()

		var d DataStore
		require.NoError(t, d.Make(dir))
		assert.Equal(t, dir, d.Dir)

		d.Cleanup()
		assert.DirExists(t, dir)
	})
}
