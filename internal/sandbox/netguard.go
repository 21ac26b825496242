package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/flowforge-io/flowforge/internal/nodes"
)

// NetPolicy controls what outbound requests nodes may make.
type NetPolicy struct {
	// AllowPrivateNetworks permits loopback, link-local and RFC1918 targets.
	// Off by default; enabled per workflow for self-hosted integrations.
	AllowPrivateNetworks bool
	// MaxResponseBytes caps how much of a response body is read.
	MaxResponseBytes int64
	// RequestTimeout bounds a single outbound request.
	RequestTimeout time.Duration
	// MaxConcurrent bounds in-flight outbound requests per execution.
	MaxConcurrent int
}

// allowedHeaders is the set of request headers nodes may set, beyond
// credential-injected authorization.
var allowedHeaders = map[string]bool{
	"Accept":          true,
	"Accept-Language": true,
	"Authorization":   true,
	"Cache-Control":   true,
	"Content-Type":    true,
	"If-None-Match":   true,
	"User-Agent":      true,
	"X-Request-Id":    true,
}

// GuardedClient is the outbound HTTP surface handed to nodes. It enforces
// scheme, target address, header, size and concurrency policy.
type GuardedClient struct {
	policy NetPolicy
	client *http.Client
	sem    chan struct{}
}

// NewGuardedClient builds a client enforcing the given policy. The address
// check runs at dial time so DNS rebinding cannot bypass it.
func NewGuardedClient(policy NetPolicy) *GuardedClient {
	if policy.MaxConcurrent <= 0 {
		policy.MaxConcurrent = 5
	}
	if policy.RequestTimeout <= 0 {
		policy.RequestTimeout = 30 * time.Second
	}
	if policy.MaxResponseBytes <= 0 {
		policy.MaxResponseBytes = 10 << 20
	}

	dialer := &net.Dialer{
		Timeout: 10 * time.Second,
		Control: func(_, address string, _ syscall.RawConn) error {
			if policy.AllowPrivateNetworks {
				return nil
			}
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return err
			}
			ip := net.ParseIP(host)
			if ip == nil {
				return fmt.Errorf("unresolvable address %q", host)
			}
			if isPrivateAddress(ip) {
				return fmt.Errorf("address %s is not routable from the sandbox", ip)
			}
			return nil
		},
	}

	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          10,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}

	return &GuardedClient{
		policy: policy,
		client: &http.Client{Transport: transport, Timeout: policy.RequestTimeout},
		sem:    make(chan struct{}, policy.MaxConcurrent),
	}
}

// Do implements nodes.HTTPDoer.
func (g *GuardedClient) Do(ctx context.Context, req *nodes.Request) (*nodes.Response, error) {
	if err := g.checkURL(req.URL); err != nil {
		return nil, err
	}
	for name := range req.Headers {
		if !allowedHeaders[http.CanonicalHeaderKey(name)] {
			return nil, nodes.Errorf(nodes.KindSecurity, "header %q is not permitted", name)
		}
	}

	select {
	case g.sem <- struct{}{}:
		defer func() { <-g.sem }()
	case <-ctx.Done():
		return nil, nodes.WrapError(nodes.KindTransient, ctx.Err(), "waiting for outbound request slot")
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, nodes.WrapError(nodes.KindValidation, err, "invalid outbound request")
	}
	for name, value := range req.Headers {
		httpReq.Header.Set(name, value)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		kind := nodes.KindTransient
		if strings.Contains(err.Error(), "not routable") {
			kind = nodes.KindSecurity
		}
		return nil, nodes.WrapError(kind, err, "outbound request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, g.policy.MaxResponseBytes+1))
	if err != nil {
		return nil, nodes.WrapError(nodes.KindTransient, err, "reading response body")
	}
	if int64(len(body)) > g.policy.MaxResponseBytes {
		return nil, nodes.Errorf(nodes.KindResourceLimit,
			"response exceeds %d byte limit", g.policy.MaxResponseBytes)
	}

	headers := make(map[string]string, len(resp.Header))
	for name := range resp.Header {
		headers[name] = resp.Header.Get(name)
	}
	return &nodes.Response{StatusCode: resp.StatusCode, Headers: headers, Body: body}, nil
}

func (g *GuardedClient) checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return nodes.WrapError(nodes.KindValidation, err, "invalid url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nodes.Errorf(nodes.KindSecurity, "scheme %q is not permitted", u.Scheme)
	}
	if u.Hostname() == "" {
		return nodes.NewError(nodes.KindValidation, "url has no host")
	}
	if g.policy.AllowPrivateNetworks {
		return nil
	}
	// Literal IPs are rejected up front; hostnames are re-checked at dial
	// time against their resolved addresses.
	if ip := net.ParseIP(u.Hostname()); ip != nil && isPrivateAddress(ip) {
		return nodes.Errorf(nodes.KindSecurity, "target %s is not routable from the sandbox", ip)
	}
	if strings.EqualFold(u.Hostname(), "localhost") {
		return nodes.NewError(nodes.KindSecurity, "target localhost is not routable from the sandbox")
	}
	return nil
}

func isPrivateAddress(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsPrivate() || ip.IsUnspecified()
}
