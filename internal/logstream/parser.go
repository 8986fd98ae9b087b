package logstream

import "strings"

// Entry is one decoded log line.
type Entry struct {
	Level     string
	Component string
	Message   string
	Raw       string
}

// UnknownComponent is the sentinel used when a line carries no recognizable
// component prefix.
const UnknownComponent = "system"

// levelTokens maps the single-character level markers ESP-style firmware
// prints (e.g. "I (1234) stratum_task: ...") onto canonical names.
var levelTokens = map[string]string{
	"E": "error",
	"W": "warn",
	"I": "info",
	"D": "debug",
	"V": "verbose",
}

// ParseLine decodes a log line of the form
//
//	... <LEVEL> ... <component>: <message>
//
// by locating a single-character level token surrounded by spaces and the
// next colon. Lines that match no structure still yield a valid entry with
// level "info" and the sentinel component; no line is ever dropped.
func ParseLine(raw string) Entry {
	e := Entry{Level: "info", Component: UnknownComponent, Raw: raw}
	line := strings.TrimRight(raw, "\r\n")
	e.Message = strings.TrimSpace(line)
	if e.Message == "" {
		return e
	}

	rest := line
	fields := strings.Fields(line)
	for i, f := range fields {
		if lvl, ok := levelTokens[f]; ok {
			e.Level = lvl
			// Everything after the level token holds the component prefix.
			if i == 0 && strings.HasPrefix(rest, f+" ") {
				rest = rest[len(f)+1:]
			} else if idx := strings.Index(rest, " "+f+" "); idx >= 0 {
				rest = rest[idx+len(f)+2:]
			}
			break
		}
	}

	colon := strings.Index(rest, ":")
	if colon <= 0 {
		return e
	}
	prefix := strings.TrimSpace(rest[:colon])
	if prefix == "" {
		return e
	}
	// The component is the last token of the prefix; anything before it is
	// timestamp noise like "(12345)".
	parts := strings.Fields(prefix)
	comp := parts[len(parts)-1]
	if strings.ContainsAny(comp, "()") {
		return e
	}
	e.Component = comp
	e.Message = strings.TrimSpace(rest[colon+1:])
	if e.Message == "" {
		e.Message = strings.TrimSpace(line)
	}
	return e
}
