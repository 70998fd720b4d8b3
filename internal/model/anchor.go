// Package model defines the core records of the BatVault gateway: anchors,
// evidence bundles, answers, completeness flags, and the meta block that
// accompanies every response. All records are closed field sets; extension
// data lives in the explicit x-extra object on leaf records.
package model

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// NodeType is the kind of graph node an anchor or neighbor refers to.
type NodeType string

const (
	NodeDecision   NodeType = "DECISION"
	NodeEvent      NodeType = "EVENT"
	NodeTransition NodeType = "TRANSITION"
)

// Anchor reference grammar: "<domain>#<slug>" where domain is slash-scoped
// lower-kebab and slug starts alphanumeric.
var (
	domainRe    = regexp.MustCompile(`^[a-z0-9-]+(?:/[a-z0-9-]+)*$`)
	slugRe      = regexp.MustCompile(`^[a-z0-9][a-z0-9._:_-]*$`)
	anchorRefRe = regexp.MustCompile(`^[a-z0-9-]+(?:/[a-z0-9-]+)*#[a-z0-9][a-z0-9._:_-]*$`)
)

// IsAnchorRef reports whether s is a syntactically valid anchor reference.
// Used by the resolver to short-circuit free-text resolution.
func IsAnchorRef(s string) bool {
	return anchorRefRe.MatchString(s)
}

// ParseAnchorRef splits an anchor reference into domain and slug, validating
// both halves against the reference grammar.
func ParseAnchorRef(s string) (domain, slug string, err error) {
	i := strings.IndexByte(s, '#')
	if i < 0 {
		return "", "", fmt.Errorf("model: anchor ref %q missing '#'", s)
	}
	domain, slug = s[:i], s[i+1:]
	if !domainRe.MatchString(domain) {
		return "", "", fmt.Errorf("model: invalid anchor domain %q", domain)
	}
	if !slugRe.MatchString(slug) {
		return "", "", fmt.Errorf("model: invalid anchor slug %q", slug)
	}
	return domain, slug, nil
}

// Anchor is the node a why-question is asked about.
type Anchor struct {
	ID            string    `json:"id"`
	Type          NodeType  `json:"type"`
	Domain        string    `json:"domain"`
	Timestamp     time.Time `json:"timestamp"`
	Title         string    `json:"title"`
	Option        string    `json:"option,omitempty"`
	DecisionMaker string    `json:"decision_maker,omitempty"`
}

// Validate checks the anchor's id grammar and node type.
func (a Anchor) Validate() error {
	if _, _, err := ParseAnchorRef(a.ID); err != nil {
		return err
	}
	switch a.Type {
	case NodeDecision, NodeEvent:
	default:
		return fmt.Errorf("model: anchor %s has non-anchor type %q", a.ID, a.Type)
	}
	return nil
}
