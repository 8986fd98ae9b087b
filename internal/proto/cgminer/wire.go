// Package cgminer speaks the legacy pipe-and-bracket text protocol used by
// Avalon-class miners on TCP port 4028. The format is only loosely specified
// by shipped firmware, so every parser here is total: malformed input yields
// missing keys, never an error.
package cgminer

import (
	"strconv"
	"strings"
)

// ParseSections decodes the pipe-delimited response shape:
//
//	SECTION,Key=Value,Key=Value|SECTION2,Key=Value|
//
// The first comma-separated token of each group is the section name; the
// rest are Key=Value pairs. Values may contain spaces but not commas.
// Repeated section names keep the last-seen key set.
func ParseSections(raw string) map[string]map[string]string {
	out := make(map[string]map[string]string)
	for _, group := range strings.Split(raw, "|") {
		group = strings.TrimSpace(group)
		if group == "" {
			continue
		}
		tokens := strings.Split(group, ",")
		name := strings.TrimSpace(tokens[0])
		if name == "" {
			continue
		}
		kv := make(map[string]string, len(tokens)-1)
		for _, tok := range tokens[1:] {
			eq := strings.IndexByte(tok, '=')
			if eq <= 0 {
				continue
			}
			kv[strings.TrimSpace(tok[:eq])] = strings.TrimSpace(tok[eq+1:])
		}
		out[name] = kv
	}
	return out
}

// ExtractBracketMetrics decodes the inline Key[Value] shape embedded in
// stats responses:
//
//	Ver[851a-...] Temp[31] Fan1[4170] PS[0 1215 2428 65 1601 2429 1673]
//
// Values run to the next closing bracket and may contain spaces; keys may
// not contain brackets. Repeated keys keep the last occurrence. Input with
// no bracket tokens yields an empty map.
func ExtractBracketMetrics(raw string) map[string]string {
	out := make(map[string]string)
	for i := 0; i < len(raw); {
		open := strings.IndexByte(raw[i:], '[')
		if open < 0 {
			break
		}
		open += i
		end := strings.IndexByte(raw[open:], ']')
		if end < 0 {
			break
		}
		end += open

		// Key is the run of identifier-ish characters before '['; it never
		// crosses a space, bracket, or the Key=Value punctuation of the
		// enclosing section format.
		keyStart := open
		for keyStart > i && !strings.ContainsRune(" ]=,", rune(raw[keyStart-1])) {
			keyStart--
		}
		key := raw[keyStart:open]
		if key != "" {
			out[key] = raw[open+1 : end]
		}
		i = end + 1
	}
	return out
}

// floatField reads a key from a section as float64, returning 0 for missing
// or malformed values.
func floatField(kv map[string]string, key string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(kv[key]), 64)
	if err != nil {
		return 0
	}
	return v
}

// intField reads a key from a section as int64, returning 0 for missing or
// malformed values.
func intField(kv map[string]string, key string) int64 {
	v, err := strconv.ParseInt(strings.TrimSpace(kv[key]), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// lastNumericToken returns the last whitespace-separated token of v that
// parses as a number, or 0 if none does. Power readings arrive as a bracketed
// vector whose final element is the wall draw.
func lastNumericToken(v string) float64 {
	fields := strings.Fields(v)
	for i := len(fields) - 1; i >= 0; i-- {
		if f, err := strconv.ParseFloat(fields[i], 64); err == nil {
			return f
		}
	}
	return 0
}
