// Package collector polls CloudWatch log groups, classifies error lines by
// severity, and deduplicates repeated errors by fingerprint so downstream
// analysis is not flooded by a single crash loop.
package collector

import (
	"crypto/md5"
	"encoding/hex"
	"regexp"
	"time"
)

// Severity levels for detected errors.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityError    Severity = "error"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// DetectedError is a single error extracted from log analysis. Errors with
// the same fingerprint are aggregated and counted rather than repeated.
type DetectedError struct {
	Message      string    `json:"message"`
	Severity     Severity  `json:"severity"`
	SourceApp    string    `json:"source_app"`
	LogGroup     string    `json:"log_group"`
	Timestamp    time.Time `json:"timestamp"`
	LogStream    string    `json:"log_stream,omitempty"`
	ErrorType    string    `json:"error_type,omitempty"`
	Fingerprint  string    `json:"fingerprint"`
	ContextLines []string  `json:"context_lines,omitempty"`
	Count        int       `json:"count"`
}

type errorPattern struct {
	re        *regexp.Regexp
	severity  Severity
	errorType string
}

// Ordered by severity: the first match wins, so a line that is both FATAL
// and an error classifies as critical.
var errorPatterns = []errorPattern{
	{regexp.MustCompile(`(?i)fatal`), SeverityCritical, "fatal"},
	{regexp.MustCompile(`(?i)outofmemory|oom`), SeverityCritical, "memory"},
	{regexp.MustCompile(`(?i)sigkill|sigterm|killed`), SeverityCritical, "killed"},
	{regexp.MustCompile(`(?i)crash(?:ed)?|segfault|core dump`), SeverityCritical, "crash"},

	{regexp.MustCompile(`(?i)error`), SeverityError, "error"},
	{regexp.MustCompile(`(?i)exception`), SeverityError, "exception"},
	{regexp.MustCompile(`(?i)traceback`), SeverityError, "traceback"},
	{regexp.MustCompile(`(?i)failed|failure`), SeverityError, "failure"},
	{regexp.MustCompile(`(?i)timeout|timed out`), SeverityError, "timeout"},
	{regexp.MustCompile(`(?i)connection refused|econnrefused`), SeverityError, "connection"},
	{regexp.MustCompile(`5\d{2}\s`), SeverityError, "http_5xx"},
	{regexp.MustCompile(`(?i)database.*error|db.*error|sql.*error`), SeverityError, "database"},

	{regexp.MustCompile(`(?i)warn`), SeverityWarning, "warning"},
	{regexp.MustCompile(`(?i)deprecated`), SeverityWarning, "deprecated"},
	{regexp.MustCompile(`(?i)retry`), SeverityWarning, "retry"},
	{regexp.MustCompile(`(?i)slow|latency|delay`), SeverityWarning, "performance"},
	{regexp.MustCompile(`4\d{2}\s`), SeverityWarning, "http_4xx"},
}

// Classify matches a log message against the error patterns. ok is false
// when the message matches nothing and should be ignored.
func Classify(message string) (severity Severity, errorType string, ok bool) {
	for _, p := range errorPatterns {
		if p.re.MatchString(message) {
			return p.severity, p.errorType, true
		}
	}
	return SeverityInfo, "", false
}

var (
	timestampPattern = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}[.\d]*Z?`)
	uuidPattern      = regexp.MustCompile(`(?i)[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)
	numberPattern    = regexp.MustCompile(`\d+`)
	hexPattern       = regexp.MustCompile(`(?i)[0-9a-f]{16,}`)
)

// Fingerprint derives a stable deduplication key from the app, error type,
// and the message with its variable parts stripped. Two occurrences of the
// same error with different timestamps or request IDs hash identically.
func Fingerprint(sourceApp, errorType, message string) string {
	sum := md5.Sum([]byte(sourceApp + ":" + errorType + ":" + normalizeMessage(message)))
	return hex.EncodeToString(sum[:])[:12]
}

func normalizeMessage(message string) string {
	normalized := timestampPattern.ReplaceAllString(message, "[TIME]")
	normalized = uuidPattern.ReplaceAllString(normalized, "[UUID]")
	normalized = numberPattern.ReplaceAllString(normalized, "[N]")
	normalized = hexPattern.ReplaceAllString(normalized, "[HEX]")
	if len(normalized) > 200 {
		normalized = normalized[:200]
	}
	return normalized
}
