package scan

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"slices"

	"github.com/gabriel-vasile/mimetype"

	"github.com/eargollo/sift/internal/filetype"
)

const (
	// sniffBytes is how much leading content decides between text and binary.
	sniffBytes = 512
	// maxLineBytes caps the carried partial line; longer lines are matched in
	// maxLineBytes pieces.
	maxLineBytes = 64 * 1024
)

// ErrPatternCompile is matched by every pattern compilation failure.
var ErrPatternCompile = errors.New("pattern compile error")

// Target selects what a pattern is evaluated against.
type Target string

const (
	TargetContent Target = "content"
	TargetPath    Target = "path"
)

// Pattern is an uncompiled classification rule.
type Pattern struct {
	Tag    string `yaml:"tag"    json:"tag"`
	Regex  string `yaml:"regex"  json:"regex"`
	Target Target `yaml:"target" json:"target"`
}

// PatternsFromStrings turns bare expressions into content patterns tagged by
// the expression itself, e.g. "TODO" becomes {Tag: "TODO", Regex: "TODO"}.
func PatternsFromStrings(exprs []string) []Pattern {
	out := make([]Pattern, 0, len(exprs))
	for _, e := range exprs {
		out = append(out, Pattern{Tag: e, Regex: e, Target: TargetContent})
	}
	return out
}

// PatternError reports a pattern that failed to compile. It matches
// ErrPatternCompile under errors.Is.
type PatternError struct {
	Pattern Pattern
	Err     error
}

func (e *PatternError) Error() string {
	return fmt.Sprintf("compile pattern %q (tag %q): %v", e.Pattern.Regex, e.Pattern.Tag, e.Err)
}

func (e *PatternError) Unwrap() error { return e.Err }

func (e *PatternError) Is(target error) bool { return target == ErrPatternCompile }

type compiledPattern struct {
	tag string
	re  *regexp.Regexp
}

// PatternSet is the compiled, read-only rule set for a run. It is safe for
// unsynchronized concurrent use.
type PatternSet struct {
	content  []compiledPattern
	path     []compiledPattern
	classify bool
}

// CompilePatterns compiles every pattern once. classify adds a "type:<category>"
// tag derived from each file's extension.
func CompilePatterns(patterns []Pattern, classify bool) (*PatternSet, error) {
	ps := &PatternSet{classify: classify}
	for _, p := range patterns {
		if p.Tag == "" {
			p.Tag = p.Regex
		}
		if p.Target == "" {
			p.Target = TargetContent
		}
		if p.Regex == "" {
			return nil, &PatternError{Pattern: p, Err: errors.New("empty expression")}
		}
		re, err := regexp.Compile(p.Regex)
		if err != nil {
			return nil, &PatternError{Pattern: p, Err: err}
		}
		cp := compiledPattern{tag: p.Tag, re: re}
		switch p.Target {
		case TargetContent:
			ps.content = append(ps.content, cp)
		case TargetPath:
			ps.path = append(ps.path, cp)
		default:
			return nil, &PatternError{Pattern: p, Err: fmt.Errorf("unknown target %q", p.Target)}
		}
	}
	return ps, nil
}

// HasContent reports whether any pattern needs file content.
func (ps *PatternSet) HasContent() bool {
	return len(ps.content) > 0
}

// MatchPath adds the tags of every path pattern matching path to dst.
func (ps *PatternSet) MatchPath(path string, dst map[string]struct{}) {
	for _, cp := range ps.path {
		if cp.re.MatchString(path) {
			dst[cp.tag] = struct{}{}
		}
	}
	if ps.classify {
		dst[filetype.Tag(path)] = struct{}{}
	}
}

// NewContentMatcher returns a matcher for one file. Matchers are not shared
// between workers.
func (ps *PatternSet) NewContentMatcher() *ContentMatcher {
	return &ContentMatcher{
		set:     ps,
		matched: make([]bool, len(ps.content)),
		left:    len(ps.content),
		sniff:   make([]byte, 0, sniffBytes),
	}
}

// ContentMatcher is an io.Writer that evaluates content patterns line by line
// as bytes stream past. Its memory is bounded by maxLineBytes regardless of
// file size. Patterns never match across line boundaries.
type ContentMatcher struct {
	set     *PatternSet
	sniff   []byte
	decided bool
	binary  bool
	line    []byte
	matched []bool
	left    int
}

// Write never fails.
func (m *ContentMatcher) Write(p []byte) (int, error) {
	n := len(p)
	if !m.decided {
		need := sniffBytes - len(m.sniff)
		if len(p) < need {
			m.sniff = append(m.sniff, p...)
			return n, nil
		}
		m.sniff = append(m.sniff, p[:need]...)
		p = p[need:]
		m.decide()
	}
	if !m.binary {
		m.scan(p)
	}
	return n, nil
}

// Close flushes the trailing partial line. Call it once the whole file was
// written.
func (m *ContentMatcher) Close() error {
	if !m.decided {
		m.decide()
	}
	if !m.binary && len(m.line) > 0 {
		m.matchLine()
	}
	return nil
}

// Binary reports whether the content was judged non-text, in which case no
// content pattern was evaluated.
func (m *ContentMatcher) Binary() bool {
	return m.binary
}

// Collect adds the tags of every matched content pattern to dst.
func (m *ContentMatcher) Collect(dst map[string]struct{}) {
	for i, ok := range m.matched {
		if ok {
			dst[m.set.content[i].tag] = struct{}{}
		}
	}
}

func (m *ContentMatcher) decide() {
	m.decided = true
	m.binary = !isText(m.sniff)
	if !m.binary {
		m.scan(m.sniff)
	}
	m.sniff = nil
}

func (m *ContentMatcher) scan(p []byte) {
	for len(p) > 0 && m.left > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			room := maxLineBytes - len(m.line)
			if len(p) < room {
				m.line = append(m.line, p...)
				return
			}
			m.line = append(m.line, p[:room]...)
			p = p[room:]
			m.matchLine()
			continue
		}
		seg := p[:i]
		p = p[i+1:]
		if len(m.line) == 0 {
			m.match(seg)
			continue
		}
		for {
			room := maxLineBytes - len(m.line)
			if len(seg) <= room {
				m.line = append(m.line, seg...)
				break
			}
			m.line = append(m.line, seg[:room]...)
			seg = seg[room:]
			m.matchLine()
		}
		m.matchLine()
	}
}

func (m *ContentMatcher) matchLine() {
	m.match(m.line)
	m.line = m.line[:0]
}

func (m *ContentMatcher) match(line []byte) {
	line = bytes.TrimSuffix(line, []byte{'\r'})
	for i, cp := range m.set.content {
		if !m.matched[i] && cp.re.Match(line) {
			m.matched[i] = true
			m.left--
		}
	}
}

// isText reports whether head sniffs as text/plain or one of its descendants
// (JSON, HTML, source files, ...).
func isText(head []byte) bool {
	if len(head) == 0 {
		return true
	}
	for mt := mimetype.Detect(head); mt != nil; mt = mt.Parent() {
		if mt.Is("text/plain") {
			return true
		}
	}
	return false
}

// sortedTags flattens a tag set into a sorted slice. A nil result means no tags.
func sortedTags(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	tags := make([]string, 0, len(set))
	for t := range set {
		tags = append(tags, t)
	}
	slices.Sort(tags)
	return tags
}
