package http

import (
	"net/http"
	"net/url"
	"strings"
)

var defaultOrigins = []string{
	"http://127.0.0.1:3000",
	"http://localhost:3000",
}

// originSet is the browser origin allowlist shared by cors and the
// websocket upgrader.
type originSet struct {
	ordered []string
	allowed map[string]bool
}

func newOriginSet(origins []string) originSet {
	s := originSet{allowed: make(map[string]bool)}
	for _, o := range origins {
		if n := normalizeOrigin(o); n != "" && !s.allowed[n] {
			s.allowed[n] = true
			s.ordered = append(s.ordered, n)
		}
	}
	if len(s.ordered) == 0 {
		return newOriginSet(defaultOrigins)
	}
	return s
}

func (s originSet) list() []string {
	out := make([]string, len(s.ordered))
	copy(out, s.ordered)
	return out
}

// check is the websocket CheckOrigin. Requests without an Origin header
// come from non-browser clients and are let through.
func (s originSet) check(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return s.allowed[normalizeOrigin(origin)]
}

// normalizeOrigin reduces an origin to scheme://host[:port]. Anything that is
// not an http(s) origin yields "".
func normalizeOrigin(origin string) string {
	u, err := url.Parse(strings.TrimSpace(origin))
	if err != nil || u.Host == "" {
		return ""
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return ""
	}
	return scheme + "://" + strings.ToLower(u.Host)
}
