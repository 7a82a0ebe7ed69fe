package gate

import "strings"

// reviewRule is one row of the human-review table. Rules are evaluated in
// order; the first match decides whether a scope entry needs a human.
type reviewRule struct {
	name   string
	match  func(entry string) bool
	review bool
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func hasAnySuffix(s string, suffixes ...string) bool {
	for _, suf := range suffixes {
		if strings.HasSuffix(s, suf) {
			return true
		}
	}
	return false
}

// defaultReviewRules preserves the behavioral contract: application or
// service source, HTTP endpoint paths and absolute URLs need a human;
// the agent's own configuration directory and documentation do not.
func defaultReviewRules() []reviewRule {
	return []reviewRule{
		{
			name: "agent-internal",
			match: func(e string) bool {
				return hasAnyPrefix(e, "brain/", ".agent/", ".patchward/")
			},
			review: false,
		},
		{
			name: "documentation",
			match: func(e string) bool {
				return hasAnyPrefix(e, "docs/", "doc/") || hasAnySuffix(e, ".md", ".rst", ".adoc")
			},
			review: false,
		},
		{
			name: "absolute-url",
			match: func(e string) bool {
				return hasAnyPrefix(e, "http://", "https://")
			},
			review: true,
		},
		{
			name: "endpoint-path",
			match: func(e string) bool {
				return strings.HasPrefix(e, "/")
			},
			review: true,
		},
		{
			name: "service-source",
			match: func(e string) bool {
				if hasAnyPrefix(e, "app/", "api/", "src/", "internal/", "cmd/", "lib/", "services/", "pkg/") {
					return true
				}
				return hasAnySuffix(e, ".go", ".py", ".ts", ".tsx", ".js", ".jsx", ".java", ".rb", ".php", ".rs", ".c", ".cc", ".cpp", ".cs", ".x")
			},
			review: true,
		},
	}
}

// needsHumanReview reports whether any scope entry matches a review rule,
// and names the entry and rule that triggered it.
func (g *Gate) needsHumanReview(scope []string) (bool, string) {
	for _, entry := range scope {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		normalized := strings.TrimPrefix(strings.ReplaceAll(entry, "\\", "/"), "./")
		for _, rule := range g.reviewRules {
			if rule.match(normalized) {
				if rule.review {
					return true, entry + " (" + rule.name + ")"
				}
				break // first matching rule decides for this entry
			}
		}
	}
	return false, ""
}
