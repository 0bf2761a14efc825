package main

import "net/http"

// httpDoer is the minimal client surface the integration helpers need.
type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}
