// Package router maps review feedback to the role and domain that should act on it.
package router

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"workrelay/internal/config"
	"workrelay/internal/domain"
)

// FeedbackEvent is an already-verified review comment.
type FeedbackEvent struct {
	Label      string `json:"label,omitempty"`
	FilePath   string `json:"file_path"`
	Line       *int   `json:"line,omitempty"`
	Body       string `json:"body,omitempty"`
	WorkItemID string `json:"work_item_id,omitempty"`
}

type Route struct {
	Role   domain.Role   `json:"role"`
	Domain domain.Domain `json:"domain"`
	// LabelMatched is false when the role came from the default.
	LabelMatched bool `json:"label_matched"`
	// Prefix is the path prefix that decided the domain, empty for the default.
	Prefix string `json:"prefix,omitempty"`
}

type prefixRule struct {
	prefix string
	domain domain.Domain
}

// Router is immutable once built and safe for concurrent use.
type Router struct {
	labels        map[string]domain.Role
	prefixes      []prefixRule
	defaultRole   domain.Role
	defaultDomain domain.Domain
}

// New builds a router from the routing tables in cfg.
func New(cfg config.RoutingConfig) (*Router, error) {
	r := &Router{labels: map[string]domain.Role{}, defaultRole: domain.RoleImplementation, defaultDomain: domain.DomainTechnical}
	for label, name := range cfg.Labels {
		role, ok := domain.ParseRole(name)
		if !ok {
			return nil, fmt.Errorf("routing label %s: unknown role %q", label, name)
		}
		r.labels[normalizeLabel(label)] = role
	}
	for prefix, name := range cfg.Paths {
		d, ok := domain.ParseDomain(name)
		if !ok {
			return nil, fmt.Errorf("routing path %s: unknown domain %q", prefix, name)
		}
		r.prefixes = append(r.prefixes, prefixRule{prefix: normalizePath(prefix), domain: d})
	}
	// Longest prefix first; ties broken lexically so the order never depends on map iteration.
	sort.Slice(r.prefixes, func(i, j int) bool {
		a, b := r.prefixes[i].prefix, r.prefixes[j].prefix
		if len(a) != len(b) {
			return len(a) > len(b)
		}
		return a < b
	})
	if cfg.DefaultRole != "" {
		role, ok := domain.ParseRole(cfg.DefaultRole)
		if !ok {
			return nil, fmt.Errorf("routing default role %q unknown", cfg.DefaultRole)
		}
		r.defaultRole = role
	}
	if cfg.DefaultDomain != "" {
		d, ok := domain.ParseDomain(cfg.DefaultDomain)
		if !ok {
			return nil, fmt.Errorf("routing default domain %q unknown", cfg.DefaultDomain)
		}
		r.defaultDomain = d
	}
	return r, nil
}

// Route derives the target role from the label and the domain from the file path.
func (r *Router) Route(ev FeedbackEvent) (Route, error) {
	if strings.TrimSpace(ev.FilePath) == "" {
		return Route{}, &domain.ValidationError{Field: "file_path", Reason: "required"}
	}
	if ev.Line != nil && *ev.Line < 0 {
		return Route{}, &domain.ValidationError{Field: "line", Reason: "must not be negative"}
	}
	out := Route{Role: r.defaultRole, Domain: r.defaultDomain}
	if role, ok := r.labels[normalizeLabel(ev.Label)]; ok && ev.Label != "" {
		out.Role = role
		out.LabelMatched = true
	}
	p := normalizePath(ev.FilePath)
	for _, rule := range r.prefixes {
		if strings.HasPrefix(p, rule.prefix) {
			out.Domain = rule.domain
			out.Prefix = rule.prefix
			break
		}
	}
	return out, nil
}

func normalizeLabel(l string) string {
	return strings.ToLower(strings.TrimSpace(l))
}

func normalizePath(p string) string {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	trailing := strings.HasSuffix(p, "/")
	p = strings.TrimPrefix(path.Clean("/"+p), "/")
	if trailing && p != "" {
		p += "/"
	}
	return p
}
