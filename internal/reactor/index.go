package reactor

import "strings"

// catalog indexes a set of playbooks for O(1)-plus-short-list lookup
// against incoming events, mirroring the Event Bus's own pattern-trie
// idea (internal/eventbus/trie.go) but keyed to *Playbook rather than a
// subscription Handler, since the bus's trie is not reusable here.
type catalog struct {
	byID        map[string]*Playbook
	ruleIndex   map[string][]*Playbook // first pattern segment -> playbooks; "*" bucket for wildcard-first patterns
	keywordIdx  map[string][]*Playbook // first message_contains token -> playbooks
	playbooks   []*Playbook
}

func newCatalog(playbooks []*Playbook) *catalog {
	c := &catalog{
		byID:       make(map[string]*Playbook, len(playbooks)),
		ruleIndex:  make(map[string][]*Playbook),
		keywordIdx: make(map[string][]*Playbook),
		playbooks:  playbooks,
	}
	for _, pb := range playbooks {
		c.byID[pb.ID] = pb

		seg := firstSegment(pb.Trigger.EventPattern)
		c.ruleIndex[seg] = append(c.ruleIndex[seg], pb)

		if len(pb.Trigger.MessageContains) > 0 {
			tok := strings.ToLower(pb.Trigger.MessageContains[0])
			c.keywordIdx[tok] = append(c.keywordIdx[tok], pb)
		}
	}
	return c
}

// firstSegment returns a pattern's leading dotted segment, or "*" if
// the pattern itself starts with a wildcard segment.
func firstSegment(pattern string) string {
	if pattern == "" {
		return "*"
	}
	parts := strings.SplitN(pattern, ".", 2)
	if parts[0] == "*" || parts[0] == "**" {
		return "*"
	}
	return parts[0]
}

// candidates returns the short list of playbooks worth checking against
// an event of the given type and (lowercased) message, without a linear
// scan of the full catalog.
func (c *catalog) candidates(eventType, messageLower string) []*Playbook {
	seen := make(map[string]struct{})
	var out []*Playbook

	add := func(list []*Playbook) {
		for _, pb := range list {
			if _, ok := seen[pb.ID]; ok {
				continue
			}
			seen[pb.ID] = struct{}{}
			out = append(out, pb)
		}
	}

	add(c.ruleIndex[firstSegment(eventType)])
	add(c.ruleIndex["*"])

	if messageLower != "" {
		for tok, list := range c.keywordIdx {
			if strings.Contains(messageLower, tok) {
				add(list)
			}
		}
	}

	return out
}

// matchesPattern reports whether eventType satisfies pattern, using the
// same single-segment "*" and trailing "**" semantics as the Event Bus's
// subscription patterns.
func matchesPattern(pattern, eventType string) bool {
	if pattern == "" || pattern == "**" {
		return true
	}
	pp := strings.Split(pattern, ".")
	ee := strings.Split(eventType, ".")

	for i, p := range pp {
		if p == "**" {
			return true // matches any remainder, including none
		}
		if i >= len(ee) {
			return false
		}
		if p != "*" && p != ee[i] {
			return false
		}
	}
	return len(pp) == len(ee)
}
