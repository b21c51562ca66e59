// Package router serves the gateway control surface. The route table is
// a handful of fixed paths (status, metrics, connect), so matching is an
// ordered scan, and every request is counted and access-logged with the
// remote address the transport reports, which is the preface address for
// proxied connections.
package router

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
)

var requestsCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "relaymesh",
		Subsystem: "http",
		Name:      "requests",
		Help:      "Number of requests by route and status",
	},
	[]string{"route", "status"},
)

func init() {
	prometheus.MustRegister(requestsCounter)
}

type Route struct {
	method  string
	pattern string
	regex   *regexp.Regexp
	handler http.HandlerFunc
}

func NewRoute(method string, pattern string, handler http.HandlerFunc) *Route {
	return &Route{
		method:  method,
		pattern: pattern,
		regex:   regexp.MustCompile("^" + pattern + "$"),
		handler: handler,
	}
}

type pathValuesKey struct{}

type Router struct {
	ctx    context.Context
	routes []*Route
}

func NewRouter(ctx context.Context, routes []*Route) *Router {
	return &Router{
		ctx:    ctx,
		routes: routes,
	}
}

func (self *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var allow []string
	for _, route := range self.routes {
		matches := route.regex.FindStringSubmatch(r.URL.Path)
		if matches == nil {
			continue
		}
		if r.Method != route.method {
			allow = append(allow, route.method)
			continue
		}

		statusW := &statusWriter{
			ResponseWriter: w,
		}
		ctx := context.WithValue(self.ctx, pathValuesKey{}, matches[1:])
		route.handler(statusW, r.WithContext(ctx))

		status := statusW.status
		if status == 0 {
			status = http.StatusOK
		}
		glog.V(2).Infof("[http]%s %s -> %d for %s\n", r.Method, r.URL.Path, status, r.RemoteAddr)
		requestsCounter.WithLabelValues(route.pattern, strconv.Itoa(status)).Add(1)
		return
	}

	if 0 < len(allow) {
		w.Header().Set("Allow", strings.Join(allow, ", "))
		http.Error(w, "Method not allowed.", http.StatusMethodNotAllowed)
		glog.V(2).Infof("[http]%s %s -> %d for %s\n", r.Method, r.URL.Path, http.StatusMethodNotAllowed, r.RemoteAddr)
		requestsCounter.WithLabelValues("", strconv.Itoa(http.StatusMethodNotAllowed)).Add(1)
		return
	}
	glog.V(2).Infof("[http]%s %s -> %d for %s\n", r.Method, r.URL.Path, http.StatusNotFound, r.RemoteAddr)
	requestsCounter.WithLabelValues("", strconv.Itoa(http.StatusNotFound)).Add(1)
	http.NotFound(w, r)
}

// PathValues returns the regex captures of the matched route pattern.
func PathValues(r *http.Request) []string {
	return r.Context().Value(pathValuesKey{}).([]string)
}

// statusWriter records the status for the access log and the request
// counter. Hijack must pass through so the websocket upgrade on
// /connect keeps working.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (self *statusWriter) WriteHeader(status int) {
	if self.status == 0 {
		self.status = status
	}
	self.ResponseWriter.WriteHeader(status)
}

func (self *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := self.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("Response writer is not a hijacker")
	}
	if self.status == 0 {
		self.status = http.StatusSwitchingProtocols
	}
	return hijacker.Hijack()
}

func (self *statusWriter) Flush() {
	if flusher, ok := self.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
