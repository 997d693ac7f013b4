package api

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

type (
	// Class is the coarse retry classification of a failure
	Class string

	// Subclass identifies the failure category used by recovery rules
	Subclass string

	// Failure is a classified error observed during step execution
	Failure struct {
		Class    Class    `json:"class"`
		Subclass Subclass `json:"subclass"`
		Message  string   `json:"message"`
		Stack    string   `json:"stack,omitempty"`
	}

	// WaitUntil is the suspension signal returned by sleeping steps. It is
	// not a failure: the runtime checkpoints the run and re-dispatches at At
	// without consuming an attempt.
	WaitUntil struct {
		At time.Time
	}
)

const (
	// ClassTransient failures are retried with backoff up to the budget
	ClassTransient Class = "transient"

	// ClassFatal failures end the run immediately
	ClassFatal Class = "fatal"
)

const (
	SubclassNetwork    Subclass = "network"
	SubclassRateLimit  Subclass = "rate_limit"
	SubclassTimeout    Subclass = "timeout"
	SubclassMemory     Subclass = "memory"
	SubclassTemporary  Subclass = "temporary"
	SubclassAuth       Subclass = "auth"
	SubclassValidation Subclass = "validation"
	SubclassIntegrity  Subclass = "integrity"
	SubclassUnknown    Subclass = "unknown"
)

// classPatterns map message patterns to subclasses. Order matters: the
// first match wins, and more specific categories are listed first.
var classPatterns = []struct {
	subclass Subclass
	pattern  *regexp.Regexp
}{
	{SubclassRateLimit, regexp.MustCompile(
		`(?i)rate[ ._-]?limit|too[ ._-]?many[ ._-]?requests|\b429\b`)},
	{SubclassNetwork, regexp.MustCompile(
		`(?i)network|connection|ENOTFOUND|ECONNREFUSED`)},
	{SubclassTimeout, regexp.MustCompile(
		`(?i)timeout|timed[ ._-]?out|deadline exceeded`)},
	{SubclassMemory, regexp.MustCompile(
		`(?i)memory|out[ ._-]?of[ ._-]?memory|heap`)},
	{SubclassTemporary, regexp.MustCompile(
		`(?i)temporary|try[ ._-]?again|\b50[2-4]\b`)},
	{SubclassAuth, regexp.MustCompile(
		`(?i)auth|unauthorized|forbidden|\b401\b|\b403\b`)},
	{SubclassValidation, regexp.MustCompile(
		`(?i)validation|invalid|bad[ ._-]?request|\b400\b`)},
}

// fatalSubclasses are never retried
var fatalSubclasses = map[Subclass]bool{
	SubclassAuth:       true,
	SubclassValidation: true,
	SubclassIntegrity:  true,
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s/%s: %s", f.Class, f.Subclass, f.Message)
}

// Retriable reports whether the failure counts against the attempt budget
// rather than ending the run immediately
func (f *Failure) Retriable() bool {
	return f.Class == ClassTransient
}

func (w *WaitUntil) Error() string {
	return fmt.Sprintf("wait until %s", w.At.Format(time.RFC3339))
}

// Transient builds a retriable failure with the given subclass
func Transient(subclass Subclass, format string, args ...any) *Failure {
	return &Failure{
		Class:    ClassTransient,
		Subclass: subclass,
		Message:  fmt.Sprintf(format, args...),
	}
}

// Fatal builds a non-retriable failure with the given subclass
func Fatal(subclass Subclass, format string, args ...any) *Failure {
	return &Failure{
		Class:    ClassFatal,
		Subclass: subclass,
		Message:  fmt.Sprintf(format, args...),
	}
}

// Classify maps a raw error to a classified failure. Errors that already
// carry a classification pass through unchanged; otherwise the message is
// matched against the pattern table. Unmatched errors default to a
// transient unknown failure.
func Classify(err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}

	subclass := ClassifyMessage(err.Error())
	class := ClassTransient
	if fatalSubclasses[subclass] {
		class = ClassFatal
	}

	return &Failure{
		Class:    class,
		Subclass: subclass,
		Message:  err.Error(),
	}
}

// ClassifyMessage maps an error message to a subclass by pattern matching
func ClassifyMessage(msg string) Subclass {
	for _, p := range classPatterns {
		if p.pattern.MatchString(msg) {
			return p.subclass
		}
	}
	return SubclassUnknown
}

// IsWaitUntil extracts a suspension signal from an error chain
func IsWaitUntil(err error) (*WaitUntil, bool) {
	var w *WaitUntil
	if errors.As(err, &w) {
		return w, true
	}
	return nil, false
}
