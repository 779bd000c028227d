// Package report renders scan reports for people and machines.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/eargollo/sift/internal/scan"
)

// DefaultMaxGroups caps the duplicate groups listed by the text renderer.
const DefaultMaxGroups = 20

// TextOptions controls the human-readable renderer.
type TextOptions struct {
	Color bool
	// MaxGroups limits the listed groups; zero means DefaultMaxGroups and a
	// negative value lists all of them.
	MaxGroups int
	// Samples prints the retained error samples under each kind.
	Samples bool
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

type palette struct {
	head, good, bad, warn, dim *color.Color
}

func newPalette(enabled bool) palette {
	p := palette{
		head: color.New(color.FgCyan, color.Bold),
		good: color.New(color.FgGreen),
		bad:  color.New(color.FgRed),
		warn: color.New(color.FgYellow),
		dim:  color.New(color.Faint),
	}
	for _, c := range []*color.Color{p.head, p.good, p.bad, p.warn, p.dim} {
		if enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return p
}

// Text writes a summary of r followed by its duplicate groups, error tallies
// and tag counts.
func Text(w io.Writer, r *scan.Report, opts TextOptions) error {
	ew := &errWriter{w: w}
	p := newPalette(opts.Color)

	p.head.Fprintf(ew, "Scan %s ", r.RunID)
	if r.Incomplete {
		p.warn.Fprintf(ew, "INCOMPLETE")
	} else {
		p.good.Fprintf(ew, "completed")
	}
	fmt.Fprintf(ew, " in %s\n", r.Duration.Round(time.Millisecond))
	fmt.Fprintf(ew, "  Roots:      %v\n", r.Roots)
	fmt.Fprintf(ew, "  Algorithm:  %s\n", r.Algorithm)
	fmt.Fprintf(ew, "  Files:      %s (succeeded %s, ", humanize.Comma(r.TotalFiles), humanize.Comma(r.Succeeded))
	if r.Failed > 0 {
		p.bad.Fprintf(ew, "failed %s", humanize.Comma(r.Failed))
	} else {
		fmt.Fprintf(ew, "failed 0")
	}
	fmt.Fprintf(ew, ", skipped %s, cancelled %s)\n", humanize.Comma(r.Skipped), humanize.Comma(r.Cancelled))
	fmt.Fprintf(ew, "  Success:    %.1f%%\n", r.SuccessRate())
	fmt.Fprintf(ew, "  Read:       %s", humanize.Bytes(uint64(r.TotalBytes)))
	if r.SampledFiles > 0 {
		fmt.Fprintf(ew, " (%s files sampled)", humanize.Comma(r.SampledFiles))
	}
	fmt.Fprintln(ew)
	fmt.Fprintf(ew, "  Duplicates: %s groups, %s files, %s reclaimable\n",
		humanize.Comma(int64(len(r.Groups))), humanize.Comma(r.DuplicateFiles()),
		humanize.Bytes(uint64(r.ReclaimableBytes())))

	writeGroups(ew, p, r.Groups, opts.MaxGroups)
	writeTallies(ew, p, "Errors", p.bad, r.Errors, opts.Samples)
	writeTallies(ew, p, "Skipped", p.warn, r.Skips, opts.Samples)
	writeTags(ew, p, r)
	return ew.err
}

func writeGroups(w io.Writer, p palette, groups []scan.DigestGroup, limit int) {
	if len(groups) == 0 {
		return
	}
	if limit == 0 {
		limit = DefaultMaxGroups
	}
	fmt.Fprintln(w)
	p.head.Fprintln(w, "Duplicate groups:")
	for i, g := range groups {
		if limit > 0 && i >= limit {
			p.dim.Fprintf(w, "  ... and %d more\n", len(groups)-limit)
			break
		}
		fmt.Fprintf(w, "  [%d] %s x %d, %s reclaimable  ", i+1, humanize.Bytes(uint64(g.Size)), len(g.Paths), humanize.Bytes(uint64(g.Reclaimable())))
		p.dim.Fprintf(w, "%s\n", shortDigest(g.Digest))
		for _, path := range g.Paths {
			fmt.Fprintf(w, "      %s\n", path)
		}
	}
}

func writeTallies(w io.Writer, p palette, title string, c *color.Color, tallies map[scan.ErrorKind]scan.ErrorTally, samples bool) {
	if len(tallies) == 0 {
		return
	}
	kinds := make([]scan.ErrorKind, 0, len(tallies))
	for k := range tallies {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)

	fmt.Fprintln(w)
	p.head.Fprintf(w, "%s:\n", title)
	for _, k := range kinds {
		t := tallies[k]
		fmt.Fprintf(w, "  %-20s ", k)
		c.Fprintf(w, "%s\n", humanize.Comma(t.Count))
		if !samples {
			continue
		}
		for _, s := range t.Samples {
			p.dim.Fprintf(w, "      #%d %s: %s\n", s.TaskID, s.Path, s.Message)
		}
	}
}

func writeTags(w io.Writer, p palette, r *scan.Report) {
	if len(r.Tags) == 0 {
		return
	}
	tags := make([]string, 0, len(r.Tags))
	for t := range r.Tags {
		tags = append(tags, t)
	}
	slices.Sort(tags)

	fmt.Fprintln(w)
	p.head.Fprintln(w, "Tags:")
	for _, t := range tags {
		fmt.Fprintf(w, "  %-20s %s\n", t, humanize.Comma(r.Tags[t]))
	}
	if r.PartialTagFiles > 0 {
		p.warn.Fprintf(w, "  %s files were not fully matched (binary or sampled)\n", humanize.Comma(r.PartialTagFiles))
	}
}

func shortDigest(d scan.Digest) string {
	s := d.String()
	if len(s) > 16 {
		return s[:16]
	}
	return s
}

// JSON writes r as a single JSON document.
func JSON(w io.Writer, r *scan.Report, indent bool) error {
	enc := json.NewEncoder(w)
	if indent {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return nil
}

// errWriter keeps the first write error so rendering code can stay linear.
type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) Write(b []byte) (int, error) {
	if e.err != nil {
		return 0, e.err
	}
	n, err := e.w.Write(b)
	e.err = err
	return n, err
}
