package eventbus

import (
	"regexp"
	"strings"

	"github.com/ersinkoc/gamificationkit/gkerrors"
)

const (
	maxPatternLength   = 100
	maxWildcardCount   = 10
)

// Pattern is a compiled WildcardPattern (core spec §3.2): `*` matches any
// substring, `?` matches any single character, everything else is literal.
// Consecutive `*` collapse to one; patterns exceeding the length or
// metacharacter-count limits are rejected at registration rather than
// silently truncated.
type Pattern struct {
	raw *regexp.Regexp
	src string
}

// CompilePattern validates and compiles a wildcard pattern, per §3.2's hard
// limits: length <= 100, combined `*`+`?` count <= 10.
func CompilePattern(pattern string) (*Pattern, error) {
	if len(pattern) > maxPatternLength {
		return nil, gkerrors.ErrPatternTooLong
	}
	if countWildcards(pattern) > maxWildcardCount {
		return nil, gkerrors.ErrTooManyWildcards
	}
	collapsed := collapseStars(pattern)
	re, err := regexp.Compile("^" + translateGlob(collapsed) + "$")
	if err != nil {
		return nil, gkerrors.ErrInvalidPattern
	}
	return &Pattern{raw: re, src: pattern}, nil
}

// Match reports whether name satisfies the pattern, anchored at both ends.
func (p *Pattern) Match(name string) bool {
	return p.raw.MatchString(name)
}

// String returns the original, uncollapsed pattern source.
func (p *Pattern) String() string { return p.src }

func collapseStars(pattern string) string {
	var b strings.Builder
	prevStar := false
	for _, r := range pattern {
		if r == '*' {
			if prevStar {
				continue
			}
			prevStar = true
		} else {
			prevStar = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

func countWildcards(pattern string) int {
	n := 0
	for _, r := range pattern {
		if r == '*' || r == '?' {
			n++
		}
	}
	return n
}

// translateGlob escapes regex metacharacters in the literal portions of
// pattern before substituting `*` -> `.*` and `?` -> `.`, per the core
// spec's description of WebhookPipeline/Storage.Keys matching (§4.3, §4.4).
func translateGlob(pattern string) string {
	var b strings.Builder
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	return b.String()
}
