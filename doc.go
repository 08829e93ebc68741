// Package chromicpdf renders HTML to PDF and captures screenshots by
// driving a pool of headless Chromium page sessions over the Chrome
// DevTools Protocol.
//
// Create a client, render, and close when done:
//
//	client, err := chromicpdf.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	pdf, err := client.PrintToPDF(ctx, chromicpdf.SourceURL("https://example.com"), nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	os.WriteFile("out.pdf", pdf, 0o644)
//
// Inline HTML works the same way:
//
//	pdf, err := client.PrintToPDF(ctx, chromicpdf.SourceHTML("<h1>Hello</h1>"), &chromicpdf.PDFOptions{
//	    Landscape:       true,
//	    PrintBackground: true,
//	})
//
// The client keeps one browser process alive and multiplexes concurrent
// renders over a fixed-size session pool; pool size, timeouts and the
// crash grace period are configurable through options or CHROMIC_*
// environment variables. Chrome or Chromium must be installed, either
// found in PATH or named via WithExecutablePath.
package chromicpdf
