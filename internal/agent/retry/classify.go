package retry

import (
	"context"
	"errors"
	"path"
	"regexp"
	"strings"

	"github.com/itsharex/aeroftp-sub001/internal/agent/tools"
	agenterrors "github.com/itsharex/aeroftp-sub001/internal/errors"
)

// Category is the coarse class of a tool failure.
type Category string

const (
	CategoryTransient  Category = "transient"
	CategoryRateLimit  Category = "rate_limit"
	CategoryNotFound   Category = "not_found"
	CategoryExists     Category = "already_exists"
	CategoryPermission Category = "permission"
	CategoryInvalid    Category = "invalid"
	CategoryFatal      Category = "fatal"
	CategoryUnknown    Category = "unknown"
)

// Strategy describes how to react to a failure.
type Strategy struct {
	Category   Category
	CanRetry   bool
	AutoRetry  bool
	MaxRetries int
	Suggestion string
	// SuggestedTool and SuggestedArgs are a recovery call offered to the model.
	SuggestedTool string
	SuggestedArgs map[string]any
}

// Hint renders the strategy as a recovery hint for the next model turn.
func (s Strategy) Hint() string {
	if s.Suggestion == "" {
		return ""
	}
	if s.SuggestedTool == "" {
		return s.Suggestion
	}
	call := tools.NewCall("", s.SuggestedTool, s.SuggestedArgs)
	return s.Suggestion + " Suggested call: " + call.Signature()
}

const defaultAutoRetries = 3

// matcher recognises a failure class by phrase or by HTTP-style status code.
// Codes only count next to a status word, so numbers such as byte counts
// never match.
type matcher struct {
	phrases []string
	codes   *regexp.Regexp
}

func newMatcher(codes []string, phrases ...string) matcher {
	m := matcher{phrases: phrases}
	if len(codes) > 0 {
		m.codes = regexp.MustCompile(`\b(?:http(?:/[0-9.]+)?|status(?: code)?|code|error|response)[\s:=#]*(?:` + strings.Join(codes, "|") + `)\b`)
	}
	return m
}

func (m matcher) match(text string) bool {
	for _, p := range m.phrases {
		if strings.Contains(text, p) {
			return true
		}
	}
	return m.codes != nil && m.codes.MatchString(text)
}

var (
	rateLimitFailures  = newMatcher([]string{"429"}, "rate limit", "too many requests", "quota exceeded")
	transientFailures  = newMatcher([]string{"500", "502", "503", "504"}, "timeout", "timed out", "deadline exceeded", "connection reset", "connection refused", "econnreset", "broken pipe", "temporarily unavailable", "try again", "network is unreachable", "unexpected eof", "internal server error", "service unavailable", "bad gateway", "gateway timeout")
	notFoundFailures   = newMatcher([]string{"404"}, "not found", "no such file", "enoent", "does not exist")
	existsFailures     = newMatcher(nil, "already exists", "file exists", "eexist")
	permissionFailures = newMatcher([]string{"401", "403"}, "permission denied", "eacces", "access denied", "forbidden", "unauthorized", "read-only file system")
	invalidFailures    = newMatcher([]string{"400"}, "invalid", "missing required argument", "bad request", "malformed", "not allowed")
	fatalFailures      = newMatcher([]string{"402"}, "no space left", "disk full", "quota", "payment required")
)

// Classify maps an error message for a tool call to a retry strategy.
func Classify(toolName string, args map[string]any, errText string) Strategy {
	text := strings.ToLower(errText)
	switch {
	case rateLimitFailures.match(text):
		return Strategy{
			Category:   CategoryRateLimit,
			CanRetry:   true,
			AutoRetry:  true,
			MaxRetries: defaultAutoRetries,
			Suggestion: "The service is rate limiting requests. Wait before trying again.",
		}
	case transientFailures.match(text):
		return Strategy{
			Category:   CategoryTransient,
			CanRetry:   true,
			AutoRetry:  true,
			MaxRetries: defaultAutoRetries,
			Suggestion: "A temporary connection problem occurred. The call can be retried.",
		}
	case notFoundFailures.match(text):
		s := Strategy{
			Category:   CategoryNotFound,
			Suggestion: "The path does not exist. List the parent directory to find the right name.",
		}
		if parent, ok := parentDir(args); ok {
			s.SuggestedTool = listToolFor(toolName)
			s.SuggestedArgs = map[string]any{"path": parent}
		}
		return s
	case existsFailures.match(text):
		s := Strategy{
			Category:   CategoryExists,
			CanRetry:   true,
			Suggestion: "The target already exists. Choose another name or edit the existing file.",
		}
		if parent, ok := parentDir(args); ok {
			s.SuggestedTool = listToolFor(toolName)
			s.SuggestedArgs = map[string]any{"path": parent}
		}
		return s
	case fatalFailures.match(text):
		return Strategy{
			Category:   CategoryFatal,
			Suggestion: "The operation cannot succeed until storage or account limits are resolved.",
		}
	case permissionFailures.match(text):
		return Strategy{
			Category:   CategoryPermission,
			Suggestion: "Access was denied. Check permissions or pick a location you can write to.",
		}
	case invalidFailures.match(text):
		return Strategy{
			Category:   CategoryInvalid,
			CanRetry:   true,
			Suggestion: "The arguments were rejected. Check the required arguments and path format.",
		}
	}
	return Strategy{
		Category:   CategoryUnknown,
		CanRetry:   true,
		Suggestion: "The call failed. Try a different approach or ask the user.",
	}
}

// ClassifyError classifies a raised error. Typed agent errors take precedence
// over message matching.
func ClassifyError(toolName string, args map[string]any, err error) Strategy {
	if err == nil {
		return Strategy{}
	}
	switch kind, _ := agenterrors.KindOf(err); kind {
	case agenterrors.KindToolNotFound:
		return Strategy{
			Category:   CategoryNotFound,
			Suggestion: "That tool does not exist. Use one of the tools listed in the request.",
		}
	case agenterrors.KindValidationFailed:
		s := Classify(toolName, args, err.Error())
		s.Category = CategoryInvalid
		s.AutoRetry = false
		s.MaxRetries = 0
		return s
	}
	if agenterrors.IsRetryableError(err) || errors.Is(err, context.DeadlineExceeded) {
		s := Classify(toolName, args, err.Error())
		if !s.AutoRetry {
			s = Strategy{
				Category:   CategoryTransient,
				CanRetry:   true,
				AutoRetry:  true,
				MaxRetries: defaultAutoRetries,
				Suggestion: "A temporary problem occurred. The call can be retried.",
			}
		}
		return s
	}
	return Classify(toolName, args, err.Error())
}

// ClassifyOutput classifies a soft failure the same way as a raised error.
func ClassifyOutput(toolName string, args map[string]any, out tools.Output) Strategy {
	if !out.IsError {
		return Strategy{}
	}
	return Classify(toolName, args, out.Text)
}

func parentDir(args map[string]any) (string, bool) {
	for _, key := range []string{"path", "remote_path", "local_path", "from"} {
		if p, ok := args[key].(string); ok && p != "" {
			return path.Dir(tools.NormalizePath(p)), true
		}
	}
	return "", false
}

func listToolFor(toolName string) string {
	if strings.HasPrefix(toolName, "remote_") || toolName == "download_files" {
		return "remote_list"
	}
	return "local_list"
}
