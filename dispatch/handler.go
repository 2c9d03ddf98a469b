package dispatch

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/ggoodman/httpl-go/message"
)

// Handler serves one request by writing to its response.
type Handler interface {
	ServeRequest(req *message.Request, res *message.Response)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(req *message.Request, res *message.Response)

func (f HandlerFunc) ServeRequest(req *message.Request, res *message.Response) { f(req, res) }

// Service is a method table. Methods missing from the table are answered
// with 405 and an allow header.
type Service map[string]HandlerFunc

func (s Service) ServeRequest(req *message.Request, res *message.Response) {
	if fn, ok := s[req.Method]; ok {
		fn(req, res)
		return
	}
	methods := make([]string, 0, len(s))
	for m := range s {
		methods = append(methods, m)
	}
	sort.Strings(methods)
	res.WriteHead(405, "method not allowed", map[string]any{"allow": strings.Join(methods, ", ")})
	res.End()
	res.Close()
}

// Matcher selects requests by URI pattern, method and accept header. An
// empty Method or Accept, or "*", matches anything.
type Matcher struct {
	URI    string
	Method string
	Accept string
}

type route struct {
	name   string
	uri    *regexp.Regexp
	method string
	accept *regexp.Regexp
	target Handler
}

// Router is an ordered route table. The first route whose matcher accepts a
// request serves it.
type Router struct {
	routes  []route
	subject func(*message.Request) string
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// MatchURL matches URI patterns against the full request URL instead of
// its path.
func MatchURL() RouterOption {
	return func(r *Router) { r.subject = (*message.Request).FullURL }
}

func NewRouter(opts ...RouterOption) *Router {
	r := &Router{subject: func(req *message.Request) string { return req.Path }}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route appends a route. The URI and Accept patterns are regular
// expressions; an invalid pattern is reported immediately.
func (r *Router) Route(name string, m Matcher, target Handler) error {
	rt := route{name: name, method: strings.ToUpper(m.Method), target: target}
	var err error
	if rt.uri, err = regexp.Compile(orAny(m.URI)); err != nil {
		return fmt.Errorf("route %s: uri: %w", name, err)
	}
	if m.Accept != "" && m.Accept != "*" {
		if rt.accept, err = regexp.Compile(m.Accept); err != nil {
			return fmt.Errorf("route %s: accept: %w", name, err)
		}
	}
	r.routes = append(r.routes, rt)
	return nil
}

// MustRoute is Route for static tables.
func (r *Router) MustRoute(name string, m Matcher, target Handler) *Router {
	if err := r.Route(name, m, target); err != nil {
		panic(err)
	}
	return r
}

func orAny(p string) string {
	if p == "" || p == "*" {
		return ".*"
	}
	return p
}

// Match returns the handler for req, recording the route name and captures
// on the request.
func (r *Router) Match(req *message.Request) (Handler, bool) {
	subject := r.subject(req)
	accept := req.Accept()
	for _, rt := range r.routes {
		if rt.method != "" && rt.method != "*" && rt.method != req.Method {
			continue
		}
		if rt.accept != nil && !rt.accept.MatchString(accept) {
			continue
		}
		m := rt.uri.FindStringSubmatch(subject)
		if m == nil {
			continue
		}
		req.RouteName = rt.name
		req.Params = m[1:]
		return rt.target, true
	}
	return nil, false
}

// ServeRequest serves the first matching route or answers 404.
func (r *Router) ServeRequest(req *message.Request, res *message.Response) {
	h, ok := r.Match(req)
	if !ok {
		res.Fail(404, "not found")
		return
	}
	h.ServeRequest(req, res)
}
