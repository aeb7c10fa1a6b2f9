// Package routing decides how an admitted request is routed: an ordered
// rewrite chain that mutates the request path in place, and an ordered
// handler chain that binds exactly one handler per request.
package routing

import (
	"net/url"
	"strings"
	"sync"

	"github.com/femtoweb/femtoweb/internal/sched"
)

// Rule is one rewrite step: a match predicate and a side-effecting apply
// that overwrites the request path and merges parameters.
type Rule interface {
	Matches(r *sched.Request) bool
	Apply(r *sched.Request)
}

// PathRewrite maps one exact path to another, optionally carrying query
// parameters on the target ("/new?layout=wide").
type PathRewrite struct {
	from   string
	to     string
	params url.Values
}

// NewPathRewrite builds a rewrite from -> to.
func NewPathRewrite(from, to string) *PathRewrite {
	rw := &PathRewrite{from: from, to: to, params: url.Values{}}
	if q := strings.IndexByte(to, '?'); q >= 0 {
		rw.to = to[:q]
		if vals, err := url.ParseQuery(to[q+1:]); err == nil {
			rw.params = vals
		}
	}
	return rw
}

// Matches reports whether the request's current path equals the rule's
// source path.
func (rw *PathRewrite) Matches(r *sched.Request) bool {
	return r.Path == rw.from
}

// Apply overwrites the request path and merges the rule's parameters.
func (rw *PathRewrite) Apply(r *sched.Request) {
	r.Path = rw.to
	if len(rw.params) == 0 {
		return
	}
	if r.Params == nil {
		r.Params = url.Values{}
	}
	for key, vals := range rw.params {
		for _, v := range vals {
			r.Params.Add(key, v)
		}
	}
}

// RewriteChain applies every matching rule in registration order. Each rule
// sees the output of the rules before it, not the original request.
type RewriteChain struct {
	mu    sync.RWMutex
	rules []Rule
}

// Add appends a rule and returns it for further configuration.
func (c *RewriteChain) Add(rule Rule) Rule {
	c.mu.Lock()
	c.rules = append(c.rules, rule)
	c.mu.Unlock()
	return rule
}

// Remove drops a previously added rule.
func (c *RewriteChain) Remove(rule Rule) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, have := range c.rules {
		if have == rule {
			c.rules = append(c.rules[:i], c.rules[i+1:]...)
			return true
		}
	}
	return false
}

// Apply runs the chain against r.
func (c *RewriteChain) Apply(r *sched.Request) {
	c.mu.RLock()
	rules := c.rules
	c.mu.RUnlock()
	for _, rule := range rules {
		if rule.Matches(r) {
			rule.Apply(r)
		}
	}
}

// Reset removes all rules.
func (c *RewriteChain) Reset() {
	c.mu.Lock()
	c.rules = nil
	c.mu.Unlock()
}
