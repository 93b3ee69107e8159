package main

import (
	"crypto/tls"
	"net/http"
	"net/http/httputil"
	"net/url"
)

// newInsecureReverseProxy builds a ReverseProxy fronting the local TLS
// tunnel listener. The backend is this same process's own TLS listener on
// the loopback address, so skipping verification here is not trusting a
// remote party - it's routing within one process's own ports.
func newInsecureReverseProxy(target string) (*httputil.ReverseProxy, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, err
	}
	proxy := httputil.NewSingleHostReverseProxy(u)
	proxy.Transport = &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}
	return proxy, nil
}
