package retry

import (
	"regexp"
	"strings"
)

type Category string

const (
	CategoryAuth       Category = "auth"
	CategoryRateLimit  Category = "rate_limit"
	CategoryTimeout    Category = "timeout"
	CategoryNotFound   Category = "not_found"
	CategoryPermission Category = "permission"
	CategoryUnknown    Category = "unknown"
)

// Classification is advisory: it never changes retry timing.
type Classification struct {
	Category Category
	Hint     string
}

type rule struct {
	category Category
	hint     string
	patterns []string
	// codes are status numbers; they match only as whole numbers.
	codes    []string
	codeRe   *regexp.Regexp
}

// Checked in order; the first group with a matching substring or code wins.
var rules = []rule{
	{
		category: CategoryAuth,
		hint:     "Credentials look invalid or expired. Log the worker in again on the host and retry.",
		patterns: []string{"unauthorized", "invalid api key", "invalid_api_key", "token expired", "expired token", "authentication", "not logged in", "login required", "oauth"},
		codes:    []string{"401"},
	},
	{
		category: CategoryRateLimit,
		hint:     "The upstream API is rate limiting. Wait a few minutes before sending the next task.",
		patterns: []string{"rate limit", "rate_limit", "ratelimit", "too many requests", "quota", "overloaded"},
		codes:    []string{"429"},
	},
	{
		category: CategoryTimeout,
		hint:     "The connection timed out or was reset. Check the network on the host; retrying usually works.",
		patterns: []string{"timeout", "timed out", "deadline exceeded", "connection reset", "econnreset", "broken pipe", "etimedout", "connection refused"},
	},
	{
		category: CategoryNotFound,
		hint:     "Something the task needs was not found. Check the executable path, template directory and working directory.",
		patterns: []string{"not found", "no such file", "enoent", "does not exist"},
		codes:    []string{"404"},
	},
	{
		category: CategoryPermission,
		hint:     "Permission denied. Check file modes and the account the worker runs as.",
		patterns: []string{"permission denied", "forbidden", "eacces", "operation not permitted"},
		codes:    []string{"403"},
	},
}

func init() {
	for i := range rules {
		if len(rules[i].codes) > 0 {
			rules[i].codeRe = regexp.MustCompile(`\b(?:` + strings.Join(rules[i].codes, "|") + `)\b`)
		}
	}
}

var unknown = Classification{
	Category: CategoryUnknown,
	Hint:     "Unexpected failure. See the log for the full worker output.",
}

// Classify maps err to a category and remediation hint. A nil error is unknown.
func Classify(err error) Classification {
	if err == nil {
		return unknown
	}
	return ClassifyText(err.Error())
}

// ClassifyText is total: every input yields exactly one category.
func ClassifyText(text string) Classification {
	lower := strings.ToLower(text)
	for _, r := range rules {
		for _, p := range r.patterns {
			if strings.Contains(lower, p) {
				return Classification{Category: r.category, Hint: r.hint}
			}
		}
		if r.codeRe != nil && r.codeRe.MatchString(lower) {
			return Classification{Category: r.category, Hint: r.hint}
		}
	}
	return unknown
}
