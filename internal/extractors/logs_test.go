package extractors

import (
	"strings"
	"testing"
)

func TestLogsExtractorGroupsSignatures(t *testing.T) {
	raw := strings.Join([]string{
		"2026-01-02T15:04:05Z INFO starting server on :8080",
		"2026-01-02T15:04:06Z ERROR connection refused to db-0:5432 after 3 attempts",
		"2026-01-02T15:04:07Z ERROR connection refused to db-0:5432 after 4 attempts",
		"2026-01-02T15:04:08Z ERROR connection refused to db-0:5432 after 5 attempts",
		"2026-01-02T15:04:09Z WARN retrying request 0xdeadbeef",
		"fatal error: runtime: out of memory",
	}, "\n")

	signals := NewLogsExtractor().Detect(raw)
	if len(signals) != 3 {
		t.Fatalf("expected 3 signatures, got %d: %+v", len(signals), signals)
	}
	top := signals[0]
	if top.Count != 3 || top.Severity != "error" {
		t.Fatalf("expected grouped connection errors first, got %+v", top)
	}
	if !strings.Contains(top.Signature, "connection refused to db-<n>:<n> after <n> attempts") {
		t.Fatalf("unexpected normalised signature %q", top.Signature)
	}
	if signals[1].Severity != "fatal" {
		t.Fatalf("expected fatal signature second, got %+v", signals[1])
	}
}

func TestLogsExtractorIgnoresCleanLogs(t *testing.T) {
	if got := NewLogsExtractor().Detect("INFO ready\nINFO serving"); got != nil {
		t.Fatalf("expected no signals, got %+v", got)
	}
	if got := NewLogsExtractor().Detect(""); got != nil {
		t.Fatalf("expected no signals for empty input")
	}
}
