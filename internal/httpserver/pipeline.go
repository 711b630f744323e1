package httpserver

import "net/http"

// Interceptor wraps a handler with one cross-cutting concern.
type Interceptor func(http.Handler) http.Handler

// Pipeline is an ordered list of interceptors. The first element sees the
// request first.
type Pipeline []Interceptor

// Then wraps h with every interceptor in the pipeline.
func (p Pipeline) Then(h http.Handler) http.Handler {
	for i := len(p) - 1; i >= 0; i-- {
		h = p[i](h)
	}
	return h
}

// ThenFunc is Then for a handler function.
func (p Pipeline) ThenFunc(f http.HandlerFunc) http.Handler {
	return p.Then(f)
}
