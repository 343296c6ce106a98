package dispatch

import (
	"fmt"
	"strings"

	"github.com/mapswipe/mapswipe-workers/internal/store"
)

// Pattern is a parsed trigger path pattern. Literal segments must match
// exactly; segments of the form {name} match any single segment and bind
// its value to the parameter name. A pattern matches only paths with the
// same segment count, so a route on results/{p}/{g}/{u} never fires for
// writes above or below that depth.
type Pattern struct {
	raw      string
	segments []patternSegment
}

type patternSegment struct {
	literal string
	param   string // non-empty for {name} segments
}

// ParsePattern validates and compiles a trigger path pattern.
func ParsePattern(raw string) (Pattern, error) {
	segs := store.Split(raw)
	if len(segs) == 0 {
		return Pattern{}, fmt.Errorf("empty pattern")
	}
	p := Pattern{raw: raw, segments: make([]patternSegment, len(segs))}
	seen := make(map[string]bool)
	for i, seg := range segs {
		if strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}") {
			name := seg[1 : len(seg)-1]
			if name == "" {
				return Pattern{}, fmt.Errorf("pattern %q: empty parameter name", raw)
			}
			if seen[name] {
				return Pattern{}, fmt.Errorf("pattern %q: duplicate parameter %q", raw, name)
			}
			seen[name] = true
			p.segments[i] = patternSegment{param: name}
			continue
		}
		if seg == "" || strings.ContainsAny(seg, "{}") {
			return Pattern{}, fmt.Errorf("pattern %q: malformed segment %q", raw, seg)
		}
		p.segments[i] = patternSegment{literal: seg}
	}
	return p, nil
}

// MustPattern parses a pattern known at compile time, panicking on error.
// Route tables are built from constants, so a panic here is a programming
// error caught at startup.
func MustPattern(raw string) Pattern {
	p, err := ParsePattern(raw)
	if err != nil {
		panic(err)
	}
	return p
}

// String returns the original pattern text.
func (p Pattern) String() string {
	return p.raw
}

// Match tests a concrete path against the pattern. On a match it returns
// the bound wildcard parameters.
func (p Pattern) Match(path string) (map[string]string, bool) {
	segs := store.Split(path)
	if len(segs) != len(p.segments) {
		return nil, false
	}
	return p.match(segs)
}

// MatchUnder tests whether a path lies at or below the pattern: the
// pattern's segments must match the path's leading segments. Subtree
// routes (the change-log mirrors) use this so a field-level write inside a
// record still marks the record dirty.
func (p Pattern) MatchUnder(path string) (map[string]string, bool) {
	segs := store.Split(path)
	if len(segs) < len(p.segments) {
		return nil, false
	}
	return p.match(segs[:len(p.segments)])
}

func (p Pattern) match(segs []string) (map[string]string, bool) {
	var params map[string]string
	for i, ps := range p.segments {
		if ps.param != "" {
			if params == nil {
				params = make(map[string]string)
			}
			params[ps.param] = segs[i]
			continue
		}
		if ps.literal != segs[i] {
			return nil, false
		}
	}
	if params == nil {
		params = map[string]string{}
	}
	return params, true
}
