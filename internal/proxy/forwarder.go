package proxy

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/elazarl/goproxy"
	"go.uber.org/zap"
	xproxy "golang.org/x/net/proxy"
)

// Forwarder is a local HTTP proxy listening on loopback. It relays browser
// traffic to an authenticated upstream so the browser never needs
// credentials on its command line.
type Forwarder struct {
	upstream *url.URL
	proxy    *goproxy.ProxyHttpServer
	listener net.Listener
	server   *http.Server
	logger   *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

const dialTimeout = 15 * time.Second

// NewForwarder starts a forwarder for upstream, which may use the http,
// https, socks5 or socks5h scheme and carry user:pass credentials.
func NewForwarder(upstream string, logger *zap.Logger) (*Forwarder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	u, err := url.Parse(upstream)
	if err != nil {
		return nil, fmt.Errorf("parse upstream proxy: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("upstream proxy %q has no host", u.Redacted())
	}

	p := goproxy.NewProxyHttpServer()
	p.Logger = zap.NewStdLog(logger.Named("goproxy"))
	p.Tr = &http.Transport{
		MaxIdleConns:        16,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	switch u.Scheme {
	case "http", "https":
		// Plain requests go through the upstream as an HTTP proxy; the
		// transport adds Proxy-Authorization from the URL's userinfo.
		p.Tr.Proxy = http.ProxyURL(u)
		auth := basicAuth(u)
		p.ConnectDial = p.NewConnectDialToProxyWithHandler(u.String(), func(req *http.Request) {
			if auth != "" {
				req.Header.Set("Proxy-Authorization", auth)
			}
		})
		if p.ConnectDial == nil {
			return nil, fmt.Errorf("build connect dialer for %q", u.Redacted())
		}
	case "socks5", "socks5h":
		var auth *xproxy.Auth
		if u.User != nil {
			pass, _ := u.User.Password()
			auth = &xproxy.Auth{User: u.User.Username(), Password: pass}
		}
		socks, err := xproxy.SOCKS5("tcp", u.Host, auth, &net.Dialer{Timeout: dialTimeout})
		if err != nil {
			return nil, fmt.Errorf("build socks5 dialer: %w", err)
		}
		ctxDialer, ok := socks.(xproxy.ContextDialer)
		if !ok {
			return nil, errors.New("socks5 dialer does not support contexts")
		}
		p.Tr.DialContext = ctxDialer.DialContext
		p.ConnectDial = func(network, addr string) (net.Conn, error) {
			ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
			defer cancel()
			return ctxDialer.DialContext(ctx, network, addr) //nolint:wrapcheck // handed to goproxy
		}
	default:
		return nil, fmt.Errorf("unsupported upstream proxy scheme %q", u.Scheme)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listen forwarder: %w", err)
	}
	f := &Forwarder{upstream: u, proxy: p, listener: ln, logger: logger}
	f.server = &http.Server{
		Handler:           p,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := f.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("proxy forwarder stopped", zap.Error(err))
		}
	}()
	logger.Debug("proxy forwarder listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("upstream", u.Redacted()),
	)
	return f, nil
}

// URL is the value to pass to --proxy-server.
func (f *Forwarder) URL() string {
	return "http://" + f.listener.Addr().String()
}

// Close stops the listener and drops idle upstream connections. Safe to
// call more than once.
func (f *Forwarder) Close() error {
	f.closeOnce.Do(func() {
		f.proxy.Tr.CloseIdleConnections()
		if err := f.server.Close(); err != nil {
			f.closeErr = fmt.Errorf("close forwarder: %w", err)
		}
	})
	return f.closeErr
}

func basicAuth(u *url.URL) string {
	if u.User == nil {
		return ""
	}
	pass, _ := u.User.Password()
	token := base64.StdEncoding.EncodeToString([]byte(u.User.Username() + ":" + pass))
	return "Basic " + token
}
