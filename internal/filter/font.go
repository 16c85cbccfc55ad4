package filter

import (
	"bytes"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bedrocklinux/bedrock-core/pkg/types"
)

// fontEntry is one surviving key/value line of a merged fonts.dir or
// fonts.alias file.
type fontEntry struct {
	key   string
	value string
}

// mergeFontEntries merges the backings in probe order (earliest wins
// on a duplicate key), dropping comment lines that begin with "!", and
// returns the surviving entries sorted ascending by key.
func mergeFontEntries(backings []ResolvedBacking) []fontEntry {
	seen := make(map[string]bool)
	var entries []fontEntry

	for _, b := range backings {
		for _, line := range bytes.Split(b.Data, []byte("\n")) {
			s := strings.TrimRight(string(line), "\r")
			if s == "" || strings.HasPrefix(s, "!") {
				continue
			}
			key, value, ok := splitFontLine(s)
			if !ok || seen[key] {
				continue
			}
			seen[key] = true
			entries = append(entries, fontEntry{key: key, value: value})
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].key < entries[j].key })
	return entries
}

// splitFontLine splits "key<whitespace>value" into its two halves.
func splitFontLine(line string) (key, value string, ok bool) {
	idx := strings.IndexAny(line, " \t")
	if idx < 0 {
		return "", "", false
	}
	key = line[:idx]
	value = strings.TrimLeft(line[idx:], " \t")
	return key, value, true
}

// renderFont renders the merged entries, prefixing a decimal entry
// count line when the requested file is named fonts.dir.
func renderFont(backings []ResolvedBacking, requestedPath string) []byte {
	entries := mergeFontEntries(backings)

	var out bytes.Buffer
	if filepath.Base(requestedPath) == "fonts.dir" {
		out.WriteString(itoa(len(entries)))
		out.WriteByte('\n')
	}
	for _, e := range entries {
		out.WriteString(e.key)
		out.WriteByte(' ')
		out.WriteString(e.value)
		out.WriteByte('\n')
	}
	return out.Bytes()
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func fontVariant() *Variant {
	return &Variant{
		Kind: types.FilterFont,
		Attrs: func(ctx Context) (Attrs, error) {
			out := renderFont(ctx.Backings, ctx.Backings[0].Path)
			return Attrs{Size: int64(len(out)), Mode: ctx.Backings[0].Mode}, nil
		},
		StreamBytes: func(ctx Context, offset, length int64) ([]byte, error) {
			out := renderFont(ctx.Backings, ctx.Backings[0].Path)
			return clip(out, offset, length), nil
		},
	}
}
