package rules

import (
	"bufio"
	"bytes"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// ErrInvalidConfig is the sentinel wrapped by every static-rule validation
// failure (SPEC_FULL §6: "rejects configurations violating declared
// invariants").
var ErrInvalidConfig = fmt.Errorf("rules: invalid configuration")

// BuildStats reports non-fatal anomalies observed while compiling a
// snapshot, surfaced by the caller as metrics (SPEC_FULL §4.4).
type BuildStats struct {
	SkippedLines       int
	SkippedLinesByFeed map[string]int
}

// Build compiles static rules and the latest successful content of every
// remote feed into a single immutable Snapshot. knownGroups is the set of
// valid upstream group names; a static Forward rule naming an unknown group
// is a configuration error. feedContents maps feed id to its raw v2ray-format
// body (the caller supplies last-known-good content for feeds whose most
// recent fetch failed, per §4.5).
func Build(static []StaticRule, feeds []Feed, feedContents map[string][]byte, knownGroups map[string]struct{}) (*Snapshot, BuildStats, error) {
	snap := &Snapshot{
		blockExact:   make(map[string]struct{}),
		forwardExact: make(map[string]string),
	}
	stats := BuildStats{SkippedLinesByFeed: make(map[string]int)}

	for _, r := range static {
		if r.Action == Forward {
			if _, ok := knownGroups[r.Group]; !ok {
				return nil, stats, fmt.Errorf("%w: static rule references unknown group %q", ErrInvalidConfig, r.Group)
			}
		}
		if err := addStaticRule(snap, r); err != nil {
			return nil, stats, err
		}
	}

	for _, f := range feeds {
		if f.Action == Forward {
			if _, ok := knownGroups[f.Group]; !ok {
				return nil, stats, fmt.Errorf("%w: feed %q references unknown group %q", ErrInvalidConfig, f.ID, f.Group)
			}
		}
		content := feedContents[f.ID]
		skipped := addFeedContent(snap, f, content)
		stats.SkippedLines += skipped
		if skipped > 0 {
			stats.SkippedLinesByFeed[f.ID] = skipped
		}
	}

	sortWildcards(snap.blockWildcards)
	sortWildcards(snap.forwardWildcards)

	return snap, stats, nil
}

func addStaticRule(snap *Snapshot, r StaticRule) error {
	switch r.Kind {
	case KindExact:
		name := normalizeExact(r.Pattern)
		if r.Action == Block {
			snap.blockExact[name] = struct{}{}
		} else {
			snap.forwardExact[name] = r.Group
		}
	case KindWildcard:
		if r.Pattern == "*" {
			if r.Action == Block {
				snap.blockGlobal = true
			} else {
				snap.forwardGlobal = r.Group
				snap.hasForwardGlobal = true
			}
			return nil
		}
		apex, ok := parseWildcardDomain(r.Pattern)
		if !ok {
			return fmt.Errorf("%w: wildcard pattern %q must be \"*\" or \"*.domain\"", ErrInvalidConfig, r.Pattern)
		}
		w := wildcardRule{Suffix: "." + apex, Apex: apex, Group: r.Group}
		if r.Action == Block {
			snap.blockWildcards = append(snap.blockWildcards, w)
		} else {
			snap.forwardWildcards = append(snap.forwardWildcards, w)
		}
	case KindRegex:
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return fmt.Errorf("%w: invalid regex %q: %v", ErrInvalidConfig, r.Pattern, err)
		}
		rr := regexRule{re: re, Group: r.Group}
		if r.Action == Block {
			snap.blockRegexes = append(snap.blockRegexes, rr)
		} else {
			snap.forwardRegexes = append(snap.forwardRegexes, rr)
		}
	}
	return nil
}

// parseWildcardDomain validates a "*.domain" pattern and returns the bare
// domain apex. Only this exact shape (plus the bare "*" handled by the
// caller) is accepted.
func parseWildcardDomain(pattern string) (string, bool) {
	const prefix = "*."
	if !strings.HasPrefix(pattern, prefix) {
		return "", false
	}
	apex := normalizeExact(pattern[len(prefix):])
	if apex == "" {
		return "", false
	}
	return apex, true
}

func normalizeExact(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.TrimSuffix(name, ".")
	return name + "."
}

func sortWildcards(w []wildcardRule) {
	sort.SliceStable(w, func(i, j int) bool {
		return len(w[i].Suffix) > len(w[j].Suffix)
	})
}

// addFeedContent parses a v2ray-format body per SPEC_FULL §4.4/§6 and adds
// the resulting rules to snap under f's action/group. Returns the count of
// lines skipped because they could not be turned into a rule (unknown
// prefix, empty keyword, or invalid regex); comments and blank lines are
// not counted as skipped, they are simply not rules.
func addFeedContent(snap *Snapshot, f Feed, content []byte) int {
	if len(content) == 0 {
		return 0
	}
	skipped := 0
	scanner := bufio.NewScanner(bytes.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), " \t\r")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !applyV2RayLine(snap, f, line) {
			skipped++
		}
	}
	return skipped
}

func applyV2RayLine(snap *Snapshot, f Feed, line string) bool {
	switch {
	case strings.HasPrefix(line, "full:"):
		name := normalizeExact(strings.TrimPrefix(line, "full:"))
		putExact(snap, f, name)
		return true
	case strings.HasPrefix(line, "domain:"):
		apex := normalizeExact(strings.TrimPrefix(line, "domain:"))
		putExact(snap, f, apex)
		putWildcard(snap, f, apex)
		return true
	case strings.HasPrefix(line, "keyword:"):
		kw := strings.TrimPrefix(line, "keyword:")
		if kw == "" {
			return false
		}
		re, err := regexp.Compile(`(^|\.)[^.]*` + regexp.QuoteMeta(strings.ToLower(kw)) + `[^.]*(\.|$)`)
		if err != nil {
			return false
		}
		putRegex(snap, f, re)
		return true
	case strings.HasPrefix(line, "regexp:"):
		pattern := strings.TrimPrefix(line, "regexp:")
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false
		}
		putRegex(snap, f, re)
		return true
	default:
		return false
	}
}

func putExact(snap *Snapshot, f Feed, name string) {
	if f.Action == Block {
		snap.blockExact[name] = struct{}{}
	} else {
		snap.forwardExact[name] = f.Group
	}
}

func putWildcard(snap *Snapshot, f Feed, apex string) {
	w := wildcardRule{Suffix: "." + apex, Apex: apex, Group: f.Group}
	if f.Action == Block {
		snap.blockWildcards = append(snap.blockWildcards, w)
	} else {
		snap.forwardWildcards = append(snap.forwardWildcards, w)
	}
}

func putRegex(snap *Snapshot, f Feed, re *regexp.Regexp) {
	rr := regexRule{re: re, Group: f.Group}
	if f.Action == Block {
		snap.blockRegexes = append(snap.blockRegexes, rr)
	} else {
		snap.forwardRegexes = append(snap.forwardRegexes, rr)
	}
}
