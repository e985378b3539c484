// Package policy is the single source of truth for which repositories and
// paths Lightopedia may index. All indexing decisions route through here;
// no other package hard-codes repo or path rules.
//
// Evaluation is deny-then-allow: a path matching any deny pattern is
// rejected outright, and a surviving path must still match an allow pattern.
package policy

import "strings"

// AllowedRepos is the static set of indexable repository slugs
// ("owner/name" form).
var AllowedRepos = map[string]struct{}{
	"uselight/help-center":    {},
	"uselight/product-docs":   {},
	"uselight/sales-playbook": {},
}

// denyPatterns reject build artefacts, lockfiles, tool metadata, and
// changelogs before the allow list is consulted.
var denyPatterns = []string{
	"node_modules/**",
	"**/node_modules/**",
	"dist/**",
	"build/**",
	"vendor/**",
	".git/**",
	".github/**",
	".gitlab/**",
	".idea/**",
	".vscode/**",
	"**/*.lock",
	"package-lock.json",
	"yarn.lock",
	"pnpm-lock.yaml",
	"CHANGELOG.md",
	"**/CHANGELOG.md",
}

// allowPatterns cover the docs tree plus loose markdown.
var allowPatterns = []string{
	"README.md",
	"*.md",
	"*.mdx",
	"**/*.md",
	"**/*.mdx",
	"docs/**",
}

// Decision is the result of a combined repo+path validation.
type Decision struct {
	Allowed bool
	Reason  string
}

// IsAllowedRepo reports whether the repo slug is on the static allowlist.
func IsAllowedRepo(repoSlug string) bool {
	_, ok := AllowedRepos[repoSlug]
	return ok
}

// ListAllowedRepos returns the allowlist for CLI display, sorted lazily by
// the caller if needed.
func ListAllowedRepos() []string {
	repos := make([]string, 0, len(AllowedRepos))
	for slug := range AllowedRepos {
		repos = append(repos, slug)
	}
	return repos
}

// ShouldIndex reports whether a repository-relative path is indexable.
// Deny patterns are checked first; a path that passes them must still match
// an allow pattern.
func ShouldIndex(path string) bool {
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return false
	}
	for _, pattern := range denyPatterns {
		if matchGlob(pattern, path) {
			return false
		}
	}
	for _, pattern := range allowPatterns {
		if matchGlob(pattern, path) {
			return true
		}
	}
	return false
}

// ValidateIndex combines the repo and path predicates, returning a
// human-readable reason on denial. It cannot fail.
func ValidateIndex(repoSlug, path string) Decision {
	if !IsAllowedRepo(repoSlug) {
		return Decision{Allowed: false, Reason: "repository " + repoSlug + " is not on the indexing allowlist"}
	}
	if !ShouldIndex(path) {
		return Decision{Allowed: false, Reason: "path " + path + " is excluded by indexing policy"}
	}
	return Decision{Allowed: true}
}

// matchGlob matches path against a glob pattern where "**" spans any number
// of path segments (including zero) and "*" matches any run of
// non-separator characters.
func matchGlob(pattern, path string) bool {
	return matchSegments(splitSegments(pattern), splitSegments(path))
}

func splitSegments(s string) []string {
	return strings.Split(strings.Trim(s, "/"), "/")
}

func matchSegments(pattern, path []string) bool {
	if len(pattern) == 0 {
		return len(path) == 0
	}
	if pattern[0] == "**" {
		// "**" may swallow zero or more leading segments.
		for i := 0; i <= len(path); i++ {
			if matchSegments(pattern[1:], path[i:]) {
				return true
			}
		}
		return false
	}
	if len(path) == 0 {
		return false
	}
	if !matchSegment(pattern[0], path[0]) {
		return false
	}
	return matchSegments(pattern[1:], path[1:])
}

// matchSegment matches a single path segment against a pattern segment
// where "*" matches any (possibly empty) run of characters.
func matchSegment(pattern, seg string) bool {
	px, sx := 0, 0
	starPx, starSx := -1, -1
	for sx < len(seg) {
		switch {
		case px < len(pattern) && (pattern[px] == seg[sx]):
			px++
			sx++
		case px < len(pattern) && pattern[px] == '*':
			starPx, starSx = px, sx
			px++
		case starPx >= 0:
			starSx++
			px = starPx + 1
			sx = starSx
		default:
			return false
		}
	}
	for px < len(pattern) && pattern[px] == '*' {
		px++
	}
	return px == len(pattern)
}
