package extractors

import (
	"math"
	"regexp"
	"sort"
	"strings"
)

// LogSignal is a recurring error signature found in a container log tail.
type LogSignal struct {
	Signature string
	Severity  string
	Count     int
	Sample    string
	Score     float64
}

// LogsExtractor groups error lines into normalised signatures and scores them against the median.
type LogsExtractor struct {
	maxSignals int
}

// NewLogsExtractor constructs a log signature extractor.
func NewLogsExtractor() *LogsExtractor {
	return &LogsExtractor{maxSignals: 5}
}

var (
	uuidPattern   = regexp.MustCompile(`[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)
	hexPattern    = regexp.MustCompile(`0x[0-9a-f]+|\b[0-9a-f]{12,}\b`)
	numberPattern = regexp.MustCompile(`\d+(\.\d+)?`)
	tsPrefix      = regexp.MustCompile(`^\s*\S*\d{4}-\d{2}-\d{2}[t ]\d{2}:\d{2}:\d{2}\S*\s*`)
	spacePattern  = regexp.MustCompile(`\s+`)
)

var severityKeywords = []struct {
	severity string
	words    []string
}{
	{"fatal", []string{"panic", "fatal", "oomkilled", "out of memory", "segfault", "killed"}},
	{"error", []string{"error", "exception", "failed", "refused", "timeout", "timed out", "unavailable", "denied", "traceback"}},
	{"warn", []string{"warn", "retrying", "deprecated"}},
}

// Detect returns the most frequent error signatures, highest score first.
func (e *LogsExtractor) Detect(raw string) []LogSignal {
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	bySig := make(map[string]*LogSignal)
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		severity := classifyLine(line)
		if severity == "" {
			continue
		}
		sig := normalise(line)
		if s, ok := bySig[sig]; ok {
			s.Count++
			continue
		}
		bySig[sig] = &LogSignal{Signature: sig, Severity: severity, Count: 1, Sample: line}
	}
	if len(bySig) == 0 {
		return nil
	}

	counts := make([]float64, 0, len(bySig))
	for _, s := range bySig {
		counts = append(counts, float64(s.Count))
	}
	median := percentile(counts, 0.5)
	mad := meanAbsoluteDeviation(counts, median)
	if mad == 0 {
		mad = 1
	}

	signals := make([]LogSignal, 0, len(bySig))
	for _, s := range bySig {
		s.Score = math.Abs(float64(s.Count)-median)/mad + severityWeight(s.Severity)
		signals = append(signals, *s)
	}
	sort.Slice(signals, func(i, j int) bool {
		if signals[i].Score != signals[j].Score {
			return signals[i].Score > signals[j].Score
		}
		if signals[i].Count != signals[j].Count {
			return signals[i].Count > signals[j].Count
		}
		return signals[i].Signature < signals[j].Signature
	})
	if e.maxSignals > 0 && len(signals) > e.maxSignals {
		signals = signals[:e.maxSignals]
	}
	return signals
}

func classifyLine(line string) string {
	lower := strings.ToLower(line)
	for _, group := range severityKeywords {
		for _, w := range group.words {
			if strings.Contains(lower, w) {
				return group.severity
			}
		}
	}
	return ""
}

func normalise(line string) string {
	s := strings.ToLower(line)
	s = tsPrefix.ReplaceAllString(s, "")
	s = uuidPattern.ReplaceAllString(s, "<id>")
	s = hexPattern.ReplaceAllString(s, "<hex>")
	s = numberPattern.ReplaceAllString(s, "<n>")
	s = spacePattern.ReplaceAllString(s, " ")
	if len(s) > 160 {
		s = s[:160]
	}
	return strings.TrimSpace(s)
}

func severityWeight(severity string) float64 {
	switch severity {
	case "fatal":
		return 2
	case "error":
		return 1
	default:
		return 0
	}
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	idx := int(math.Round(p * float64(len(sorted)-1)))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func meanAbsoluteDeviation(values []float64, center float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += math.Abs(v - center)
	}
	return sum / float64(len(values))
}
