// Package naming turns remote labels and object keys into identifiers that
// are legal in every supported SQL dialect.
package naming

import (
	"path"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Lineage and key columns that every target table carries. Normalized data
// columns never take these names.
const (
	RowIDColumn     = "_row_id"
	OriginJobColumn = "_origin_etl_job_id"
	OriginRowColumn = "_origin_row"
)

// MaxIdentifierLength is the PostgreSQL identifier limit, which is one byte
// shorter than MySQL's.
const MaxIdentifierLength = 63

var (
	invalidChars     = regexp.MustCompile(`[^a-z0-9_ ]`)
	whitespaceRuns   = regexp.MustCompile(`\s+`)
	multiUnderscores = regexp.MustCompile(`_+`)
	placeholderName  = regexp.MustCompile(`^col_[0-9]+$`)
)

// ligatures covers letters that have no decomposition into a base letter
// plus combining marks.
var ligatures = strings.NewReplacer(
	"ß", "ss", "ẞ", "SS",
	"æ", "ae", "Æ", "AE",
	"œ", "oe", "Œ", "OE",
	"ø", "o", "Ø", "O",
	"ł", "l", "Ł", "L",
	"đ", "d", "Đ", "D",
	"þ", "th", "Þ", "TH",
	"ı", "i",
)

// Transliterate maps s onto its closest ASCII spelling. Characters without an
// ASCII equivalent are dropped.
func Transliterate(s string) string {
	s = ligatures.Replace(s)
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	var b strings.Builder
	b.Grow(len(out))
	for _, r := range out {
		if r <= unicode.MaxASCII {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Columns converts remote column labels into unique column identifiers, one
// per label and in the same order.
//
// Each label is transliterated to ASCII, lowercased and stripped of anything
// outside [a-z0-9_ ]; inner whitespace becomes "_". An identifier that does
// not start with a letter or underscore gets a leading "_". A label that
// comes out empty, repeats an earlier identifier, looks like a placeholder
// (col_<n>) or names a lineage column is replaced by col_<position>, where
// position is 1-based.
func Columns(labels []string) []string {
	out := make([]string, len(labels))
	seen := make(map[string]struct{}, len(labels))
	for i, label := range labels {
		id := column(label)
		if id == "" || placeholderName.MatchString(id) || isReserved(id) {
			id = placeholder(i)
		} else if _, dup := seen[id]; dup {
			id = placeholder(i)
		}
		seen[id] = struct{}{}
		out[i] = id
	}
	return out
}

func column(label string) string {
	s := strings.ToLower(Transliterate(label))
	s = invalidChars.ReplaceAllString(s, "")
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	s = whitespaceRuns.ReplaceAllString(s, "_")
	if c := s[0]; !(c >= 'a' && c <= 'z') && c != '_' {
		s = "_" + s
	}
	if len(s) > MaxIdentifierLength {
		s = s[:MaxIdentifierLength]
	}
	return s
}

func placeholder(i int) string {
	return "col_" + strconv.Itoa(i+1)
}

func isReserved(id string) bool {
	switch id {
	case RowIDColumn, OriginJobColumn, OriginRowColumn:
		return true
	}
	return false
}

// Normalize converts an object key into a table name.
//
// Keys with directory prefixes use the directory path, joined with "_". A
// root-level key uses its file name without the extension. The result is
// transliterated and lowercased, anything outside [a-z0-9_] becomes "_",
// runs of "_" collapse and leading and trailing "_" are trimmed.
func Normalize(key string) string {
	isDir := strings.HasSuffix(key, "/")
	key = strings.TrimRight(key, "/")

	dir := path.Dir(key)
	base := path.Base(key)

	var raw string
	switch {
	case isDir:
		raw = key
	case dir == "." || dir == "":
		raw = strings.TrimSuffix(base, path.Ext(base))
	default:
		raw = dir
	}

	raw = strings.ToLower(Transliterate(raw))
	raw = strings.ReplaceAll(raw, "/", "_")
	raw = invalidTableChars.ReplaceAllString(raw, "_")
	raw = multiUnderscores.ReplaceAllString(raw, "_")
	raw = strings.Trim(raw, "_")
	if len(raw) > MaxIdentifierLength {
		raw = strings.TrimRight(raw[:MaxIdentifierLength], "_")
	}
	return raw
}

var invalidTableChars = regexp.MustCompile(`[^a-z0-9_]`)
