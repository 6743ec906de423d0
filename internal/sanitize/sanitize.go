// Package sanitize normalizes free text from advisory feeds so it can be
// stored in a column with a restricted character set.
package sanitize

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/width"
)

// Policy controls what happens to characters the destination charset cannot hold.
type Policy string

const (
	PolicyReplace Policy = "replace"
	PolicyStrip   Policy = "strip"
	PolicyReject  Policy = "reject"
)

// Charset names the encoding of the destination column.
type Charset string

const (
	CharsetLatin1      Charset = "latin1"
	CharsetWindows1252 Charset = "windows-1252"
	CharsetASCII       Charset = "ascii"
	CharsetUTF8        Charset = "utf8"
)

// DefaultTruncationMarker is appended to truncated text.
const DefaultTruncationMarker = "..."

const genericTag = "[Unicode character]"

// scriptTags are checked in order; the first table containing a rune names its run.
var scriptTags = []struct {
	table *unicode.RangeTable
	tag   string
}{
	{unicode.Han, "[Chinese text]"},
	{unicode.Hiragana, "[Japanese text]"},
	{unicode.Katakana, "[Japanese text]"},
	{unicode.Hangul, "[Korean text]"},
	{unicode.Arabic, "[Arabic text]"},
	{unicode.Cyrillic, "[Cyrillic text]"},
}

// DefaultFullWidth maps typographic and full-width punctuation to ASCII.
var DefaultFullWidth = map[string]string{
	"，": ",", "。": ".", "！": "!", "？": "?",
	"：": ":", "；": ";", "“": "\"", "”": "\"",
	"‘": "'", "’": "'", "（": "(", "）": ")",
	"【": "[", "】": "]", "《": "<", "》": ">",
	"「": "[", "」": "]", "『": "[", "』": "]",
	"、": ",", "—": "-", "–": "-", "～": "~",
	"…": "...", "　": " ", "′": "'", "″": "\"",
	"°": " degrees ", "℃": "C", "℉": "F",
	"€": "EUR", "£": "GBP", "¥": "Y",
}

// Options configures a Sanitizer.
type Options struct {
	Policy           Policy            `yaml:"policy" json:"policy"`
	Charset          Charset           `yaml:"charset" json:"charset"`
	TruncationMarker string            `yaml:"truncation_marker" json:"truncation_marker"`
	FullWidth        map[string]string `yaml:"full_width" json:"full_width"`
}

// DefaultOptions returns the replace-with-marker policy over latin1.
func DefaultOptions() Options {
	return Options{
		Policy:           PolicyReplace,
		Charset:          CharsetLatin1,
		TruncationMarker: DefaultTruncationMarker,
		FullWidth:        DefaultFullWidth,
	}
}

// Sanitizer applies one fixed cleaning policy. It is safe for concurrent use.
type Sanitizer struct {
	policy  Policy
	allowed func(rune) bool
	table   map[rune]string
	marker  string
}

// New validates opts and builds a Sanitizer. Empty fields take defaults.
func New(opts Options) (*Sanitizer, error) {
	def := DefaultOptions()
	if opts.Policy == "" {
		opts.Policy = def.Policy
	}
	if opts.Charset == "" {
		opts.Charset = def.Charset
	}
	if opts.TruncationMarker == "" {
		opts.TruncationMarker = def.TruncationMarker
	}
	if opts.FullWidth == nil {
		opts.FullWidth = def.FullWidth
	}

	switch opts.Policy {
	case PolicyReplace, PolicyStrip, PolicyReject:
	default:
		return nil, fmt.Errorf("unknown sanitize policy %q", opts.Policy)
	}

	allowed, err := charsetFunc(opts.Charset)
	if err != nil {
		return nil, err
	}

	table := make(map[rune]string, len(opts.FullWidth))
	for k, v := range opts.FullWidth {
		r, size := utf8.DecodeRuneInString(k)
		if r == utf8.RuneError || size != len(k) {
			return nil, fmt.Errorf("full_width key %q must be a single character", k)
		}
		table[r] = v
	}

	s := &Sanitizer{policy: opts.Policy, allowed: allowed, table: table, marker: opts.TruncationMarker}

	for k, v := range table {
		if err := s.checkStable(v); err != nil {
			return nil, fmt.Errorf("full_width %q: %w", string(k), err)
		}
	}
	if strings.TrimSpace(s.marker) != s.marker {
		return nil, fmt.Errorf("truncation marker %q has surrounding whitespace", s.marker)
	}
	if err := s.checkStable(s.marker); err != nil {
		return nil, fmt.Errorf("truncation marker: %w", err)
	}
	if err := s.checkStable(genericTag); err != nil {
		return nil, fmt.Errorf("script tag: %w", err)
	}
	for _, st := range scriptTags {
		if err := s.checkStable(st.tag); err != nil {
			return nil, fmt.Errorf("script tag: %w", err)
		}
	}

	return s, nil
}

// Default returns a Sanitizer built from DefaultOptions.
func Default() *Sanitizer {
	s, err := New(DefaultOptions())
	if err != nil {
		panic(err)
	}
	return s
}

// checkStable rejects replacement text that a second pass would rewrite.
func (s *Sanitizer) checkStable(v string) error {
	for _, r := range v {
		if dropRune(r) {
			return fmt.Errorf("contains control character %U", r)
		}
		if !s.allowed(r) {
			return fmt.Errorf("contains %U outside the charset", r)
		}
		if _, ok := s.table[r]; ok {
			return fmt.Errorf("contains mapped character %q", r)
		}
	}
	if width.Fold.String(v) != v {
		return fmt.Errorf("%q is not width-stable", v)
	}
	return nil
}

func charsetFunc(cs Charset) (func(rune) bool, error) {
	switch cs {
	case CharsetLatin1:
		return encodable(charmap.ISO8859_1), nil
	case CharsetWindows1252:
		return encodable(charmap.Windows1252), nil
	case CharsetASCII:
		return func(r rune) bool { return r < utf8.RuneSelf }, nil
	case CharsetUTF8:
		return func(rune) bool { return true }, nil
	default:
		return nil, fmt.Errorf("unknown charset %q", cs)
	}
}

func encodable(cm *charmap.Charmap) func(rune) bool {
	return func(r rune) bool {
		_, ok := cm.EncodeRune(r)
		return ok
	}
}

// Sanitize cleans raw and bounds it to maxLen characters. A maxLen of zero
// or less disables truncation. Sanitize never fails; under PolicyReject text
// the charset cannot hold comes back empty.
func (s *Sanitizer) Sanitize(raw string, maxLen int) string {
	if raw == "" {
		return ""
	}

	text := strings.ToValidUTF8(raw, "")
	text = strings.Map(func(r rune) rune {
		if dropRune(r) {
			return -1
		}
		return r
	}, text)
	text = width.Fold.String(text)
	text = s.mapFullWidth(text)

	text, ok := s.applyCharset(text)
	if !ok {
		return ""
	}

	text = strings.TrimSpace(text)
	return s.truncate(text, maxLen)
}

// dropRune reports control characters other than tab, newline and carriage return.
func dropRune(r rune) bool {
	switch {
	case r == '\t' || r == '\n' || r == '\r':
		return false
	case r < 0x20, r == 0x7f:
		return true
	case r >= 0x80 && r <= 0x9f:
		return true
	case r == utf8.RuneError:
		return true
	}
	return false
}

func (s *Sanitizer) mapFullWidth(text string) string {
	if len(s.table) == 0 {
		return text
	}
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if repl, ok := s.table[r]; ok {
			b.WriteString(repl)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Sanitizer) applyCharset(text string) (string, bool) {
	var b strings.Builder
	b.Grow(len(text))
	run := ""

	for _, r := range text {
		if s.allowed(r) {
			run = ""
			b.WriteRune(r)
			continue
		}
		switch s.policy {
		case PolicyReject:
			return "", false
		case PolicyStrip:
			continue
		}
		tag := tagFor(r)
		if tag != run {
			b.WriteString(tag)
			run = tag
		}
	}
	return b.String(), true
}

func tagFor(r rune) string {
	for _, st := range scriptTags {
		if unicode.Is(st.table, r) {
			return st.tag
		}
	}
	return genericTag
}

func (s *Sanitizer) truncate(text string, maxLen int) string {
	if maxLen <= 0 || utf8.RuneCountInString(text) <= maxLen {
		return text
	}

	markerLen := utf8.RuneCountInString(s.marker)
	if maxLen < markerLen {
		return strings.TrimRightFunc(prefix(text, maxLen), unicode.IsSpace)
	}
	return prefix(text, maxLen-markerLen) + s.marker
}

// prefix returns the first n runes of text.
func prefix(text string, n int) string {
	i := 0
	for pos := range text {
		if i == n {
			return text[:pos]
		}
		i++
	}
	return text
}
