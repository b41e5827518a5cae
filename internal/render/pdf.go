package render

import (
	"context"
	"encoding/base64"
	"fmt"
	"os/exec"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

var browserCandidates = []string{"chromium-browser", "chromium", "google-chrome", "google-chrome-stable", "headless-shell"}

// PDFRenderer prints result pages with headless Chrome.
type PDFRenderer struct {
	timeout  time.Duration
	execPath string
}

// NewPDFRenderer locates a browser binary. When none is installed Render
// returns ErrPDFDependencyMissing.
func NewPDFRenderer(timeout time.Duration) *PDFRenderer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	r := &PDFRenderer{timeout: timeout}
	for _, candidate := range browserCandidates {
		if path, err := exec.LookPath(candidate); err == nil {
			r.execPath = path
			break
		}
	}
	return r
}

func (r *PDFRenderer) Available() bool {
	return r.execPath != ""
}

func (r *PDFRenderer) Render(ctx context.Context, name string, payload []byte) (*Result, error) {
	if !r.Available() {
		return nil, fmt.Errorf("%w: chromium not installed", ErrPDFDependencyMissing)
	}
	html, err := HTML(name, payload)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.ExecPath(r.execPath),
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	taskCtx, cancelTask := chromedp.NewContext(allocCtx)
	defer cancelTask()

	dataURL := "data:text/html;charset=utf-8;base64," + base64.StdEncoding.EncodeToString(html)

	var pdf []byte
	err = chromedp.Run(taskCtx,
		chromedp.Navigate(dataURL),
		chromedp.WaitReady("body"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			pdf, _, err = page.PrintToPDF().
				WithPrintBackground(true).
				WithPaperWidth(8.27). // A4
				WithPaperHeight(11.69).
				WithMarginTop(0.6).
				WithMarginBottom(0.6).
				WithMarginLeft(0.6).
				WithMarginRight(0.6).
				Do(ctx)
			return err
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("chrome pdf generation failed: %w", err)
	}

	return &Result{
		Data:     pdf,
		Filename: Filename(name, "pdf"),
		MimeType: "application/pdf",
	}, nil
}

// Filename makes a download name out of a result name.
func Filename(name, ext string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		case r == ' ' || r == '.':
			out = append(out, '-')
		}
		if len(out) == 50 {
			break
		}
	}
	if len(out) == 0 {
		return "result." + ext
	}
	return string(out) + "." + ext
}
