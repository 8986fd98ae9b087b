package logstream

import "testing"

func TestParseLineEspStyle(t *testing.T) {
	e := ParseLine("I (152340) stratum_task: Difficulty changed to 4096")
	if e.Level != "info" {
		t.Fatalf("level: %q", e.Level)
	}
	if e.Component != "stratum_task" {
		t.Fatalf("component: %q", e.Component)
	}
	if e.Message != "Difficulty changed to 4096" {
		t.Fatalf("message: %q", e.Message)
	}
}

func TestParseLineLevels(t *testing.T) {
	cases := map[string]string{
		"E (1) asic: chip fault":  "error",
		"W (2) power: brown out":  "warn",
		"D (3) wifi: rssi -61":    "debug",
		"V (4) nvs: read ok":      "verbose",
		"I (5) display: redrawn":  "info",
	}
	for line, want := range cases {
		if got := ParseLine(line).Level; got != want {
			t.Fatalf("line %q: expected level %q, got %q", line, want, got)
		}
	}
}

func TestParseLineUnstructuredStillYieldsEntry(t *testing.T) {
	e := ParseLine("something happened with no structure at all")
	if e.Level != "info" {
		t.Fatalf("expected info default, got %q", e.Level)
	}
	if e.Component != UnknownComponent {
		t.Fatalf("expected sentinel component, got %q", e.Component)
	}
	if e.Message != "something happened with no structure at all" {
		t.Fatalf("message must be preserved, got %q", e.Message)
	}
}

func TestParseLineEmptyAndWhitespace(t *testing.T) {
	for _, raw := range []string{"", "   ", "\r\n"} {
		e := ParseLine(raw)
		if e.Level != "info" || e.Component != UnknownComponent {
			t.Fatalf("defaults violated for %q: %+v", raw, e)
		}
	}
}

func TestParseLineLevelTokenMustStandAlone(t *testing.T) {
	// "WARNING" contains W but is not a single-character token.
	e := ParseLine("WARNING something: detail")
	if e.Level != "info" {
		t.Fatalf("expected info for embedded letters, got %q", e.Level)
	}
	if e.Component != "something" {
		t.Fatalf("component: %q", e.Component)
	}
}
