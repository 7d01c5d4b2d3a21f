// Package classify turns free-text bandwidth anomaly remarks into a
// severity, magnitude and direction.
//
// Rules are evaluated in a fixed order: a numeric rate token wins, then
// a bracketed severity tag, then a free-text severity word, then an
// event keyword, then the default. The result depends only on the text.
package classify

import (
	"regexp"
	"strconv"
	"strings"

	"netdash/internal/model"
)

// DefaultMagnitudeKBps is reported when nothing in the text can be used.
const DefaultMagnitudeKBps = 2.0

// Severity thresholds in KB/s.
const (
	MediumThresholdKBps   = 5.0
	HighThresholdKBps     = 10.0
	CriticalThresholdKBps = 50.0
)

// Result is the structured form of one remark.
type Result struct {
	Severity      model.Severity  `json:"severity"`
	MagnitudeKBps float64         `json:"magnitude_kbps"`
	Direction     model.Direction `json:"direction"`
	// Fallback is set when no rule matched and the defaults were applied.
	Fallback bool `json:"fallback,omitempty"`
}

type rule struct {
	pattern   *regexp.Regexp
	severity  model.Severity
	magnitude float64
}

var (
	kbpsPattern = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*KB/s`)
	bpsPattern  = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*B/s`)

	uploadPattern = regexp.MustCompile(`(?i)upload|uplink|outbound`)

	// Ordered by precedence within each group.
	tagRules = []rule{
		{regexp.MustCompile(`\[CRITICAL\]`), model.SeverityCritical, 55},
		{regexp.MustCompile(`\[HIGH\]`), model.SeverityHigh, 15},
		{regexp.MustCompile(`\[MEDIUM\]`), model.SeverityMedium, 7},
		{regexp.MustCompile(`\[LOW\]`), model.SeverityLow, DefaultMagnitudeKBps},
	}
	wordRules = []rule{
		{regexp.MustCompile(`(?i)\bcritical\b`), model.SeverityCritical, 55},
		{regexp.MustCompile(`(?i)\bhigh bandwidth\b`), model.SeverityHigh, 15},
		{regexp.MustCompile(`(?i)\bmedium\b`), model.SeverityMedium, 7},
	}
	keywordRules = []rule{
		{regexp.MustCompile(`(?i)spike`), model.SeverityMedium, 8},
	}
)

// Classify never fails; unusable text yields the low-severity default.
func Classify(text string) Result {
	res := Result{Direction: DirectionOf(text)}

	tag, tagged := firstMatch(tagRules, text)

	if mag, ok := extractRate(text); ok {
		res.MagnitudeKBps = mag
		res.Severity = SeverityFor(mag)
		if tagged {
			res.Severity = tag.severity
		}
		return res
	}

	if tagged {
		res.MagnitudeKBps = tag.magnitude
		res.Severity = tag.severity
		return res
	}
	if r, ok := firstMatch(wordRules, text); ok {
		res.MagnitudeKBps = r.magnitude
		res.Severity = SeverityFor(r.magnitude)
		return res
	}
	if r, ok := firstMatch(keywordRules, text); ok {
		res.MagnitudeKBps = r.magnitude
		res.Severity = SeverityFor(r.magnitude)
		return res
	}

	res.MagnitudeKBps = DefaultMagnitudeKBps
	res.Severity = SeverityFor(DefaultMagnitudeKBps)
	res.Fallback = true
	return res
}

// SeverityFor maps a rate in KB/s onto the fixed threshold table.
func SeverityFor(kbps float64) model.Severity {
	switch {
	case kbps >= CriticalThresholdKBps:
		return model.SeverityCritical
	case kbps >= HighThresholdKBps:
		return model.SeverityHigh
	case kbps >= MediumThresholdKBps:
		return model.SeverityMedium
	default:
		return model.SeverityLow
	}
}

// DirectionOf reports upload when the text mentions it, download otherwise.
func DirectionOf(text string) model.Direction {
	if uploadPattern.MatchString(text) {
		return model.DirectionUpload
	}
	return model.DirectionDownload
}

func extractRate(text string) (float64, bool) {
	if m := kbpsPattern.FindStringSubmatch(text); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			return v, true
		}
	}
	if m := bpsPattern.FindStringSubmatch(text); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			return v / 1024, true
		}
	}
	return 0, false
}

func firstMatch(rules []rule, text string) (rule, bool) {
	for _, r := range rules {
		if r.pattern.MatchString(text) {
			return r, true
		}
	}
	return rule{}, false
}

var (
	leadingTag  = regexp.MustCompile(`^\[(CRITICAL|HIGH|MEDIUM|LOW)\]\s*`)
	leadingWord = regexp.MustCompile(`^(Critical|High|Medium|Low)\b[:\s-]*`)
)

// CleanRemarks strips a leading severity tag and severity word for display.
func CleanRemarks(text string) string {
	out := strings.TrimSpace(text)
	out = leadingTag.ReplaceAllString(out, "")
	out = leadingWord.ReplaceAllString(out, "")
	return strings.TrimSpace(out)
}

const causeMarker = "Probable cause:"

// ProbableCause returns the text after "Probable cause:", or "".
func ProbableCause(text string) string {
	_, after, ok := strings.Cut(text, causeMarker)
	if !ok {
		return ""
	}
	return strings.TrimSpace(after)
}
