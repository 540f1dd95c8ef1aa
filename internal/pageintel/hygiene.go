package pageintel

import (
	"regexp"
	"strings"
)

// CSS-in-JS emits hashed class names that rot between deploys. A
// selector built on one works today and silently extracts nothing next
// week, so they are rejected outright during calibration.
var hashedClassPatterns = []*regexp.Regexp{
	regexp.MustCompile(`-sc-[a-f0-9]+`),
	regexp.MustCompile(`\bcss-[a-f0-9]+`),
	regexp.MustCompile(`__[A-Za-z]+-[a-f0-9]{4,}`),
}

// IsHashedSelector reports whether a selector leans on a generated
// CSS-in-JS class name.
func IsHashedSelector(sel string) bool {
	for _, re := range hashedClassPatterns {
		if re.MatchString(sel) {
			return true
		}
	}
	return false
}

// utilityClassPrefixes are framework classes that describe styling, not
// meaning. They are stripped from the simplified DOM so the solver
// anchors on semantic names instead.
var utilityClassPrefixes = []string{
	"w-", "h-", "p-", "px-", "py-", "pt-", "pb-", "pl-", "pr-",
	"m-", "mx-", "my-", "mt-", "mb-", "ml-", "mr-",
	"flex", "grid", "block", "inline", "hidden",
	"text-", "font-", "bg-", "border", "rounded", "shadow",
	"gap-", "space-", "items-", "justify-", "self-",
	"sm:", "md:", "lg:", "xl:", "hover:", "focus:",
	"col-", "row-", "d-", "mb", "mt", "pb", "pt",
}

func isUtilityClass(c string) bool {
	lc := strings.ToLower(c)
	for _, p := range utilityClassPrefixes {
		if strings.HasPrefix(lc, p) {
			return true
		}
	}
	return IsHashedSelector("." + c)
}

// sanitizeFields drops hashed selectors from a field map, returning the
// clean map and how many selectors were rejected.
func sanitizeFields(fields map[string]string) (map[string]string, int) {
	clean := make(map[string]string, len(fields))
	rejected := 0
	for k, v := range fields {
		if v == "" {
			continue
		}
		if IsHashedSelector(v) {
			rejected++
			continue
		}
		clean[k] = v
	}
	return clean, rejected
}
