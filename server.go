package kiwibnc

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pires/go-proxyproto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/irc.v3"
	"nhooyr.io/websocket"

	"github.com/hixio-mh/kiwibnc/auth"
	"github.com/hixio-mh/kiwibnc/config"
	"github.com/hixio-mh/kiwibnc/database"
)

const downstreamKeepAlive = 3 * time.Minute

// Server owns the durable collaborators (database, credential store,
// message store) and the process-wide Connection Registry and handler
// table. One Server handles every listener.
type Server struct {
	Logger Logger
	Debug  bool

	Hostname     string
	ServerPrefix string
	Title        string

	cfg *config.Server

	db       database.Database
	auth     auth.Store
	msgStore messageStore

	registry *Registry
	handlers *HandlerRegistry

	conIDCounter atomic.Int64

	wg       sync.WaitGroup
	shutdown chan struct{}
}

func NewServer(cfg *config.Server) (*Server, error) {
	db, err := database.Open(cfg.DB.Driver, cfg.DB.Source)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}

	authStore, err := auth.New(cfg.AuthDriver, db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set up auth: %v", err)
	}

	msgStore, err := newMessageStore(cfg.MsgStore.Driver, cfg.MsgStore.Source)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set up message store: %v", err)
	}

	srv := &Server{
		Logger:       NewLogger(os.Stdout),
		Debug:        cfg.Debug,
		Hostname:     cfg.Hostname,
		ServerPrefix: cfg.ServerPrefix,
		Title:        cfg.Title,
		cfg:          cfg,
		db:           db,
		auth:         authStore,
		msgStore:     msgStore,
		registry:     NewRegistry(),
		handlers:     newHandlerRegistry(),
		shutdown:     make(chan struct{}),
	}
	return srv, nil
}

func (srv *Server) prefix() *irc.Prefix {
	return &irc.Prefix{Name: srv.ServerPrefix}
}

func (srv *Server) nextConID(prefix string) string {
	return fmt.Sprintf("%s%d", prefix, srv.conIDCounter.Add(1))
}

// Shutdown implements the KILL verb: stop accepting new connections, then
// let the process exit once in-flight handlers finish.
func (srv *Server) Shutdown() {
	close(srv.shutdown)
}

func (srv *Server) Close() error {
	srv.wg.Wait()
	if err := srv.msgStore.Close(); err != nil {
		srv.Logger.Printf("failed to close message store: %v", err)
	}
	return srv.db.Close()
}

// ListenAndServeAll starts a listener for every configured "listen"
// directive and blocks until Shutdown is called.
func (srv *Server) ListenAndServeAll(tlsCfg *tls.Config) error {
	for _, listen := range srv.cfg.Listen {
		if err := srv.listenAndServe(listen, tlsCfg); err != nil {
			return fmt.Errorf("failed to listen on %q: %v", listen, err)
		}
	}
	<-srv.shutdown
	return nil
}

func (srv *Server) listenAndServe(listen string, tlsCfg *tls.Config) error {
	listenURI := listen
	if !hasScheme(listenURI) {
		listenURI = "//" + listenURI
	}
	u, err := url.Parse(listenURI)
	if err != nil {
		return fmt.Errorf("failed to parse listen URI: %v", err)
	}

	switch u.Scheme {
	case "ircs", "":
		if tlsCfg == nil {
			return fmt.Errorf("missing TLS configuration")
		}
		host := withDefaultPort(u.Host, "6697")
		ln, err := net.Listen("tcp", host)
		if err != nil {
			return err
		}
		tlsLn := tls.NewListener(srv.wrapProxyProto(ln), tlsCfg)
		srv.serveAsync(listen, tlsLn)
	case "irc+insecure":
		host := withDefaultPort(u.Host, "6667")
		ln, err := net.Listen("tcp", host)
		if err != nil {
			return err
		}
		srv.serveAsync(listen, srv.wrapProxyProto(ln))
	case "unix":
		ln, err := net.Listen("unix", u.Path)
		if err != nil {
			return err
		}
		srv.serveAsync(listen, ln)
	case "ws+insecure", "wss":
		addr := u.Host
		httpSrv := &http.Server{Addr: addr, Handler: srv.websocketHandler()}
		if u.Scheme == "wss" {
			if tlsCfg == nil {
				return fmt.Errorf("missing TLS configuration")
			}
			httpSrv.TLSConfig = tlsCfg
			srv.wg.Add(1)
			go func() {
				defer srv.wg.Done()
				if err := httpSrv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
					srv.Logger.Printf("serving %q: %v", listen, err)
				}
			}()
		} else {
			srv.wg.Add(1)
			go func() {
				defer srv.wg.Done()
				if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					srv.Logger.Printf("serving %q: %v", listen, err)
				}
			}()
		}
		go func() {
			<-srv.shutdown
			httpSrv.Close()
		}()
	default:
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	srv.Logger.Printf("server listening on %q", listen)
	return nil
}

func hasScheme(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			return false
		}
		if s[i] == ':' {
			return true
		}
	}
	return false
}

func withDefaultPort(host, port string) string {
	if _, _, err := net.SplitHostPort(host); err != nil {
		return host + ":" + port
	}
	return host
}

// wrapProxyProto wraps ln so that connections from an address in
// AcceptProxyIPs are expected to speak the PROXY protocol.
func (srv *Server) wrapProxyProto(ln net.Listener) net.Listener {
	if len(srv.cfg.AcceptProxyIPs) == 0 {
		return ln
	}
	return &proxyproto.Listener{
		Listener: ln,
		Policy: func(upstream net.Addr) (proxyproto.Policy, error) {
			tcpAddr, ok := upstream.(*net.TCPAddr)
			if !ok {
				return proxyproto.IGNORE, nil
			}
			if srv.cfg.AcceptProxyIPs.Contains(tcpAddr.IP) {
				return proxyproto.USE, nil
			}
			return proxyproto.IGNORE, nil
		},
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (srv *Server) serveAsync(listen string, ln net.Listener) {
	srv.wg.Add(1)
	go func() {
		defer srv.wg.Done()
		go func() {
			<-srv.shutdown
			ln.Close()
		}()
		if err := srv.Serve(ln); err != nil {
			select {
			case <-srv.shutdown:
			default:
				srv.Logger.Printf("serving %q: %v", listen, err)
			}
		}
	}()
}

// Serve accepts downstream connections on ln until it's closed.
func (srv *Server) Serve(ln net.Listener) error {
	for {
		c, err := ln.Accept()
		if err != nil {
			if isErrClosed(err) {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return err
		}

		srv.wg.Add(1)
		go func() {
			defer srv.wg.Done()
			srv.handleDownstreamConn(c)
		}()
	}
}

// websocketHandler upgrades inbound HTTP requests to WebSocket connections
// carrying an IRC line stream, per the "text subprotocol" convention used
// by IRC-over-WebSocket gateways.
func (srv *Server) websocketHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols:   []string{"text.ircv3.net"},
			OriginPatterns: srv.cfg.HTTPOrigins,
		})
		if err != nil {
			srv.Logger.Printf("failed to accept websocket connection: %v", err)
			return
		}
		netConn := websocket.NetConn(r.Context(), c, websocket.MessageText)
		srv.wg.Add(1)
		go func() {
			defer srv.wg.Done()
			srv.handleDownstreamConn(netConn)
		}()
	})
}

func (srv *Server) handleDownstreamConn(netConn net.Conn) {
	conID := srv.nextConID("d")
	logger := &prefixLogger{srv.Logger, fmt.Sprintf("downstream %s %q: ", conID, netConn.RemoteAddr())}

	c := newConn(srv, netIRCConn(netConn), logger)
	state := newConnectionState(srv.db, conID, ConnKindDownstream)
	state.ServerPrefix = srv.ServerPrefix

	dc := &Downstream{conn: c, id: conID, srv: srv, state: state}
	srv.registry.addDownstream(dc)
	defer srv.registry.removeDownstream(conID)

	if err := dc.run(); err != nil && !isErrClosed(err) {
		logger.Printf("downstream connection terminated: %v", err)
	}
}

// RegisterMetrics starts a standalone HTTP listener on addr that serves the
// default Prometheus registry on every path. It does nothing if addr is
// empty; no bouncer-specific collectors are registered.
func (srv *Server) RegisterMetrics(addr string) error {
	if addr == "" {
		return nil
	}
	handler := promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{
		MaxRequestsInFlight: 10,
		Timeout:             10 * time.Second,
	})
	httpSrv := &http.Server{Addr: addr, Handler: handler}
	srv.wg.Add(1)
	go func() {
		defer srv.wg.Done()
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			srv.Logger.Printf("serving metrics on %q: %v", addr, err)
		}
	}()
	go func() {
		<-srv.shutdown
		httpSrv.Close()
	}()
	return nil
}
