package routing

import (
	"testing"

	"github.com/femtoweb/femtoweb/internal/sched"
)

func TestMethodSetAccepts(t *testing.T) {
	t.Parallel()
	set := MethodGet | MethodHead
	if !set.Accepts("GET") || !set.Accepts("HEAD") {
		t.Fatalf("expected GET and HEAD accepted")
	}
	if set.Accepts("POST") {
		t.Fatalf("POST must not be accepted")
	}
	if set.Accepts("BREW") {
		t.Fatalf("unknown method must not be accepted")
	}
	if !MethodAny.Accepts("BREW") {
		t.Fatalf("MethodAny accepts everything")
	}
}

func TestCallbackHandlerMatching(t *testing.T) {
	t.Parallel()
	h := NewCallbackHandler("/api/users", MethodGet|MethodPost, nil)
	if !h.CanHandle(&sched.Request{Method: "GET", Path: "/api/users"}) {
		t.Fatalf("expected exact match")
	}
	if h.CanHandle(&sched.Request{Method: "DELETE", Path: "/api/users"}) {
		t.Fatalf("method outside set must not match")
	}
	if h.CanHandle(&sched.Request{Method: "GET", Path: "/api/users/42"}) {
		t.Fatalf("exact path must not match a subpath")
	}

	prefix := NewCallbackHandler("/static/*", MethodAny, nil)
	if !prefix.CanHandle(&sched.Request{Method: "GET", Path: "/static/css/site.css"}) {
		t.Fatalf("expected prefix match")
	}
	if prefix.CanHandle(&sched.Request{Method: "GET", Path: "/images/logo.png"}) {
		t.Fatalf("path outside prefix must not match")
	}
}

func TestDispatchFirstMatchWins(t *testing.T) {
	t.Parallel()
	catchAll := NewCallbackHandler("", MethodAny, nil)
	c := NewHandlerChain(catchAll)
	specific := c.Add(NewCallbackHandler("/a/b", MethodAny, nil))
	c.Add(NewCallbackHandler("/a/*", MethodAny, nil))

	r := &sched.Request{Method: "GET", Path: "/a/b"}
	if got := c.Dispatch(r); got != specific {
		t.Fatalf("expected first registered match to win")
	}
	if r.AnyHeaderInterest {
		t.Fatalf("matched dispatch must not flag unconstrained header interest")
	}
}

func TestDispatchRegistrationOrderBeatsSpecificity(t *testing.T) {
	t.Parallel()
	catchAll := NewCallbackHandler("", MethodAny, nil)
	c := NewHandlerChain(catchAll)
	broad := c.Add(NewCallbackHandler("/a/*", MethodAny, nil))
	c.Add(NewCallbackHandler("/a/b", MethodAny, nil))

	if got := c.Dispatch(&sched.Request{Method: "GET", Path: "/a/b"}); got != broad {
		t.Fatalf("expected earlier registration to win regardless of specificity")
	}
}

func TestDispatchFilterSkipsHandler(t *testing.T) {
	t.Parallel()
	catchAll := NewCallbackHandler("", MethodAny, nil)
	c := NewHandlerChain(catchAll)
	filtered := NewCallbackHandler("/a", MethodAny, nil)
	filtered.SetFilter(func(*sched.Request) bool { return false })
	c.Add(filtered)
	fallback := c.Add(NewCallbackHandler("/a", MethodAny, nil))

	if got := c.Dispatch(&sched.Request{Method: "GET", Path: "/a"}); got != fallback {
		t.Fatalf("expected filter rejection to fall through to next handler")
	}
}

func TestDispatchFallsBackToCatchAll(t *testing.T) {
	t.Parallel()
	catchAll := NewCallbackHandler("", MethodAny, nil)
	c := NewHandlerChain(catchAll)
	c.Add(NewCallbackHandler("/known", MethodAny, nil))

	r := &sched.Request{Method: "GET", Path: "/unknown"}
	if got := c.Dispatch(r); got != Handler(catchAll) {
		t.Fatalf("expected catch-all for unmatched path")
	}
	if !r.AnyHeaderInterest {
		t.Fatalf("catch-all dispatch must flag unconstrained header interest")
	}
}

func TestHandlerChainRemoveAndReset(t *testing.T) {
	t.Parallel()
	catchAll := NewCallbackHandler("", MethodAny, nil)
	c := NewHandlerChain(catchAll)
	h := c.Add(NewCallbackHandler("/a", MethodAny, nil))
	if !c.Remove(h) {
		t.Fatalf("expected remove to succeed")
	}
	if c.Remove(h) {
		t.Fatalf("expected second remove to fail")
	}

	c.Add(NewCallbackHandler("/a", MethodAny, nil))
	c.Reset()
	r := &sched.Request{Method: "GET", Path: "/a"}
	if got := c.Dispatch(r); got != Handler(catchAll) {
		t.Fatalf("expected only the catch-all after reset")
	}
}
