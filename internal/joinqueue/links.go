package joinqueue

import (
	"regexp"
	"strings"
)

// WhatsApp invite link shapes accepted at enqueue time. Anything else
// is rejected before it can reach the queue.
var linkPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^https?://chat\.whatsapp\.com/[A-Za-z0-9]+$`),
	regexp.MustCompile(`(?i)^https?://wa\.me/\d+`),
	regexp.MustCompile(`(?i)^whatsapp://[A-Za-z0-9]+`),
}

var urlPattern = regexp.MustCompile(`(?i)(?:https?|whatsapp)://[^\s]+`)

// ValidLink reports whether the link matches one of the accepted
// WhatsApp invite shapes.
func ValidLink(link string) bool {
	link = strings.TrimSpace(link)
	for _, p := range linkPatterns {
		if p.MatchString(link) {
			return true
		}
	}
	return false
}

// ExtractLinks pulls candidate links out of free text, in order of
// appearance, dropping duplicates. The result still has to pass
// ValidLink at enqueue time; extraction is deliberately permissive so
// malformed links surface as errors instead of disappearing.
func ExtractLinks(text string) []string {
	matches := urlPattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		m = strings.TrimRight(m, ".,;)")
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}
