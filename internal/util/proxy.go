package util

import (
	"context"
	"net"
	"net/http"
	"net/url"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// SetProxy configures the supplied HTTP client to route outbound requests
// through the proxy named by proxyURL. Supported schemes are http, https and
// socks5. An empty proxyURL leaves the client untouched.
func SetProxy(proxyURL string, client *http.Client) *http.Client {
	if client == nil {
		client = &http.Client{}
	}
	if proxyURL == "" {
		return client
	}
	parsed, err := url.Parse(proxyURL)
	if err != nil {
		log.Warnf("ignoring invalid proxy url %q: %v", proxyURL, err)
		return client
	}

	transport, _ := client.Transport.(*http.Transport)
	if transport == nil {
		transport = http.DefaultTransport.(*http.Transport).Clone()
	}

	switch parsed.Scheme {
	case "http", "https":
		transport.Proxy = http.ProxyURL(parsed)
	case "socks5":
		var auth *proxy.Auth
		if parsed.User != nil {
			password, _ := parsed.User.Password()
			auth = &proxy.Auth{User: parsed.User.Username(), Password: password}
		}
		dialer, errDial := proxy.SOCKS5("tcp", parsed.Host, auth, proxy.Direct)
		if errDial != nil {
			log.Warnf("failed to initialize socks5 proxy %q: %v", parsed.Host, errDial)
			return client
		}
		transport.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
			return dialer.Dial(network, addr)
		}
	default:
		log.Warnf("unsupported proxy scheme %q (http, https and socks5 are allowed)", parsed.Scheme)
		return client
	}

	client.Transport = transport
	return client
}
