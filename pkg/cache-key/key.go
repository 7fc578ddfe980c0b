package cachekey

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

const (
	methodSeparator = ":"
	varySeparator   = "\t"
	varyLine        = "\n"
)

// CacheKeyer builds store keys out of request identity: method, URL and the
// request header fields named by the stored response's Vary header.
type CacheKeyer struct {
	// Host of the origin. Requests for this host (or without a host) are
	// keyed by their request URI only, everything else by the absolute URL.
	OriginHost string
}

func NewCacheKeyer(originHost string) CacheKeyer {
	return CacheKeyer{OriginHost: originHost}
}

// GetKeyPrefix returns the cache key for a request without the vary headers (i.e. a key prefix).
// The returned key is suitable for finding all stored response variants for a particular request.
func (c CacheKeyer) GetKeyPrefix(r *http.Request) string {
	return r.Method + methodSeparator + c.target(r.URL) + varySeparator
}

func (c CacheKeyer) target(u *url.URL) string {
	if u.Host == "" || strings.EqualFold(u.Host, c.OriginHost) {
		return u.RequestURI()
	}
	abs := *u
	abs.Fragment = ""
	return abs.String()
}

// Content coding is negotiated by the HTTP client and stored decoded, so it
// never selects between stored variants.
func transportField(name string) bool {
	return strings.EqualFold(name, "Accept-Encoding")
}

// AddVaryKeys returns the full cache key (including vary headers) based on a previously generated
// cache key prefix and the request and response involved.
func (c CacheKeyer) AddVaryKeys(prefix string, req *http.Request, res *http.Response) string {
	key := prefix
	for _, name := range ListHeader(res.Header, "Vary") {
		if name == "" || transportField(name) {
			continue
		}
		key = key + varyLine + strings.ToLower(name) + ": " + req.Header.Get(name)
	}
	return key
}

// VaryMatches checks that the request carries the same values for the vary
// headers recorded in the key. A `Vary: *` response never matches.
func (c CacheKeyer) VaryMatches(key string, req *http.Request) bool {
	lines := strings.Split(key, varyLine)
	for _, line := range lines[1:] {
		name, value, _ := strings.Cut(line, ": ")
		if name == "*" {
			return false
		}
		if transportField(name) {
			continue
		}
		if req.Header.Get(name) != value {
			return false
		}
	}
	return true
}

// GetRequestFromKey generates a caching-wise equal request than the request that resulted in the
// provided key. This means it takes vary headers into account.
// It returns an error if the request cannot for some reason be deducted.
func (c CacheKeyer) GetRequestFromKey(key string) (*http.Request, error) {
	keyNoVary, _, found := strings.Cut(key, varySeparator)
	if !found {
		return nil, fmt.Errorf("malformed key: %q", key)
	}
	method, uri, found := strings.Cut(keyNoVary, methodSeparator)
	if !found {
		return nil, fmt.Errorf("malformed key: %q", key)
	}
	req, err := http.NewRequest(method, uri, nil)
	if err != nil {
		return nil, err
	}
	req.Header = c.GetVaryHeaders(key)
	return req, nil
}

// GetVaryHeaders creates a http.Header instance containing all the vary keys included in a key.
func (c CacheKeyer) GetVaryHeaders(key string) http.Header {
	header := make(http.Header)
	lines := strings.Split(key, varyLine)
	for i := 1; i < len(lines); i++ {
		name, value, _ := strings.Cut(lines[i], ": ")
		if name == "*" || value == "" {
			continue
		}
		header.Add(name, value)
	}
	return header
}

// ListHeader returns the items of a comma-separated list header field.
func ListHeader(header http.Header, field string) []string {
	list := make([]string, 0)
	for _, hdr := range header.Values(field) {
		for _, item := range strings.Split(hdr, ",") {
			list = append(list, strings.TrimSpace(item))
		}
	}
	return list
}
