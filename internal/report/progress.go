package report

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/eargollo/sift/internal/scan"
)

// Printer is a scan.ProgressSink that redraws a single status line.
type Printer struct {
	mu      sync.Mutex
	w       io.Writer
	lastLen int
}

// NewPrinter returns a Printer writing to w, which should be a terminal.
func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w}
}

// Progress implements scan.ProgressSink.
func (p *Printer) Progress(u scan.Update) {
	line := FormatUpdate(u)

	p.mu.Lock()
	defer p.mu.Unlock()
	pad := p.lastLen - len(line)
	if pad < 0 {
		pad = 0
	}
	fmt.Fprintf(p.w, "\r%s%*s", line, pad, "")
	p.lastLen = len(line)
}

// Done ends the status line so following output starts on a fresh line.
func (p *Printer) Done() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastLen > 0 {
		fmt.Fprintln(p.w)
		p.lastLen = 0
	}
}

// FormatUpdate renders u as "1,234 files  5.6 MB  (12.3 MB/s)  2s".
func FormatUpdate(u scan.Update) string {
	rate := ""
	if secs := u.Elapsed.Seconds(); secs > 0 {
		rate = fmt.Sprintf("  (%s/s)", humanize.Bytes(uint64(float64(u.BytesDone)/secs)))
	}
	return fmt.Sprintf("%s files  %s%s  %s",
		humanize.Comma(u.FilesDone), humanize.Bytes(uint64(u.BytesDone)), rate, u.Elapsed.Round(time.Second))
}
