package pulse

import (
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
)

// ErrUnknownEndpoint is returned when a probe request names an endpoint ID
// the registry has never seen.
var ErrUnknownEndpoint = errors.New("unknown endpoint")

// allowedMethods are the HTTP methods the registry tracks; anything else
// (CONNECT, TRACE, chi's catch-alls) is ignored at discovery time.
var allowedMethods = map[string]struct{}{
	"GET": {}, "POST": {}, "PUT": {}, "PATCH": {},
	"DELETE": {}, "OPTIONS": {}, "HEAD": {},
}

// bodyMethods are methods assumed to carry a request body when the host does
// not declare one explicitly.
var bodyMethods = map[string]struct{}{
	"POST": {}, "PUT": {}, "PATCH": {},
}

// Route is a host-declared route handed to the registry at startup.
type Route struct {
	Method  string
	Path    string
	Summary string
	// HasRequestBody marks routes whose handler reads a request body. When
	// false, the registry still assumes a body for POST/PUT/PATCH.
	HasRequestBody bool
}

// Endpoint describes one discovered route. Immutable for the process
// lifetime; routes are assumed static once the registry is built.
type Endpoint struct {
	ID             string
	Method         string
	Path           string
	Summary        string
	RequiresInput  bool
	HasPathParams  bool
	HasRequestBody bool
}

// MetricsKey is the store key this endpoint's traffic aggregates under.
func (e Endpoint) MetricsKey() string {
	return e.Method + " " + e.Path
}

// Registry holds the endpoint descriptors discovered at startup, and the
// latest probe result per endpoint. Descriptors are read-only after
// construction; probe results are the only mutable state.
type Registry struct {
	endpoints []Endpoint
	byID      map[string]Endpoint
	matcher   *templateMatcher

	mu      sync.RWMutex
	results map[string]ProbeResult
}

// NewRegistry builds a registry from declared routes. Routes under an
// excluded prefix (typically the pulse surface itself) are dropped so the
// engine never observes or probes its own endpoints.
func NewRegistry(routes []Route, excludePrefixes ...string) *Registry {
	r := &Registry{
		byID:    make(map[string]Endpoint),
		results: make(map[string]ProbeResult),
	}

	templates := make([]string, 0, len(routes))
	for _, route := range routes {
		method := strings.ToUpper(route.Method)
		if _, ok := allowedMethods[method]; !ok {
			continue
		}
		path := cleanPath(route.Path)
		if excluded(path, excludePrefixes) {
			continue
		}

		hasParams := strings.Contains(path, "{")
		hasBody := route.HasRequestBody
		if _, ok := bodyMethods[method]; ok {
			hasBody = true
		}

		ep := Endpoint{
			ID:             method + " " + path,
			Method:         method,
			Path:           path,
			Summary:        route.Summary,
			HasPathParams:  hasParams,
			HasRequestBody: hasBody,
			RequiresInput:  hasParams || hasBody,
		}
		if _, dup := r.byID[ep.ID]; dup {
			continue
		}
		r.byID[ep.ID] = ep
		r.endpoints = append(r.endpoints, ep)
		templates = append(templates, path)
	}

	sort.Slice(r.endpoints, func(i, j int) bool {
		if r.endpoints[i].Path != r.endpoints[j].Path {
			return r.endpoints[i].Path < r.endpoints[j].Path
		}
		return r.endpoints[i].Method < r.endpoints[j].Method
	})
	r.matcher = newTemplateMatcher(templates)
	return r
}

// RegistryFromChi discovers routes by walking a chi router's routing tree.
func RegistryFromChi(router chi.Routes, excludePrefixes ...string) *Registry {
	var routes []Route
	_ = chi.Walk(router, func(method, route string, _ http.Handler,
		_ ...func(http.Handler) http.Handler) error {
		routes = append(routes, Route{Method: method, Path: route})
		return nil
	})
	return NewRegistry(routes, excludePrefixes...)
}

func excluded(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if p == "" {
			continue
		}
		if strings.HasPrefix(path, cleanPath(p)) {
			return true
		}
	}
	return false
}

// Endpoints returns all descriptors, sorted by path then method.
func (r *Registry) Endpoints() []Endpoint {
	out := make([]Endpoint, len(r.endpoints))
	copy(out, r.endpoints)
	return out
}

// Endpoint looks up a descriptor by its "METHOD /path" identifier.
func (r *Registry) Endpoint(id string) (Endpoint, bool) {
	ep, ok := r.byID[id]
	return ep, ok
}

// AutoProbeTargets returns the endpoints a probe sweep may call without
// synthesizing input.
func (r *Registry) AutoProbeTargets() []Endpoint {
	var out []Endpoint
	for _, ep := range r.endpoints {
		if !ep.RequiresInput {
			out = append(out, ep)
		}
	}
	return out
}

// Normalize maps a concrete request path onto a registered route template
// when one matches, falling back to the segment heuristic.
func (r *Registry) Normalize(path string) string {
	return r.matcher.Normalize(path)
}

// SetProbeResult records the latest probe outcome for an endpoint. Only the
// most recent result is retained; there is no probe history.
func (r *Registry) SetProbeResult(res ProbeResult) {
	r.mu.Lock()
	r.results[res.EndpointID] = res
	r.mu.Unlock()
}

// LastProbeResult returns the most recent probe outcome for an endpoint, if
// any probe has reached it.
func (r *Registry) LastProbeResult(id string) (ProbeResult, bool) {
	r.mu.RLock()
	res, ok := r.results[id]
	r.mu.RUnlock()
	return res, ok
}
