package gateway

import (
	"net/http"

	cachekey "github.com/ericselin/cache-gateway/pkg/cache-key"
)

// hop-by-hop fields that are never forwarded
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"TE",
	"Transfer-Encoding",
	"Upgrade",
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// this is a warkaround to remove default headers sent by an upstream proxy
		// some servers do not like the presence of these headers in the downstream request
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}

// removeHopHeaders strips the fields that only apply to a single connection.
func removeHopHeaders(header http.Header) {
	for _, name := range cachekey.ListHeader(header, "Connection") {
		header.Del(name)
	}
	for _, name := range hopHeaders {
		header.Del(name)
	}
}
