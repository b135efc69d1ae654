package socket

import (
	"net/http"
	"net/url"
)

// Proxy is the function type net/http uses to resolve a proxy URL for a
// given request; reused here so Client.SetProxy can configure both the
// websocket dialer and the HTTP client media calls with one function.
type Proxy = func(*http.Request) (*url.URL, error)
