package dnsserver

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/miekg/dns"
	"golang.org/x/crypto/acme/autocert"

	"github.com/robotnikz/sentinel-dns-sub002/pkg/config"
	"github.com/robotnikz/sentinel-dns-sub002/pkg/logging"
)

// Server owns the UDP, TCP, and optional DoT dns.Server listeners sharing a
// single Handler.
type Server struct {
	cfg     config.ServerConfig
	handler *Handler
	logger  *logging.Logger

	udp  *dns.Server
	tcp  *dns.Server
	dot  *dns.Server
	http *http.Server

	mu      sync.Mutex
	started bool
}

// NewServer builds a Server from ServerConfig; listeners are created and
// started only when Start is called.
func NewServer(cfg config.ServerConfig, handler *Handler, logger *logging.Logger) *Server {
	return &Server{cfg: cfg, handler: handler, logger: logger}
}

// Start activates every enabled listener and blocks until ctx is canceled or
// a listener fails, whichever comes first.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("server already started")
	}
	s.started = true
	s.mu.Unlock()

	errCh := make(chan error, 4)
	var wg sync.WaitGroup

	if s.cfg.UDPEnabled {
		s.udp = &dns.Server{Addr: s.cfg.ListenAddress, Net: "udp", Handler: s.handler}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.logger.Info("starting UDP listener", "addr", s.cfg.ListenAddress)
			if err := s.udp.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("udp listener: %w", err)
			}
		}()
	}

	if s.cfg.TCPEnabled {
		s.tcp = &dns.Server{Addr: s.cfg.ListenAddress, Net: "tcp", Handler: s.handler}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.logger.Info("starting TCP listener", "addr", s.cfg.ListenAddress)
			if err := s.tcp.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("tcp listener: %w", err)
			}
		}()
	}

	if s.cfg.DotEnabled {
		tlsCfg, httpSrv, err := s.buildTLS()
		if err != nil {
			return fmt.Errorf("building DoT TLS config: %w", err)
		}
		if httpSrv != nil {
			s.http = httpSrv
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.logger.Info("starting ACME HTTP-01 listener", "addr", httpSrv.Addr)
				if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- fmt.Errorf("acme http listener: %w", err)
				}
			}()
		}

		s.dot = &dns.Server{Addr: s.cfg.DotAddress, Net: "tcp-tls", Handler: s.handler, TLSConfig: tlsCfg}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.logger.Info("starting DoT listener", "addr", s.cfg.DotAddress)
			if err := s.dot.ListenAndServeTLS("", ""); err != nil {
				errCh <- fmt.Errorf("dot listener: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		_ = s.Shutdown(context.Background())
		wg.Wait()
		return ctx.Err()
	case err := <-errCh:
		_ = s.Shutdown(context.Background())
		wg.Wait()
		return err
	}
}

// buildTLS resolves DoT's certificate source: manual PEM files take priority
// over HTTP-01 autocert.
func (s *Server) buildTLS() (*tls.Config, *http.Server, error) {
	if s.cfg.TLS.CertFile != "" && s.cfg.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		if err != nil {
			return nil, nil, fmt.Errorf("load x509 key pair: %w", err)
		}
		return &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
			NextProtos:   []string{"dot"},
		}, nil, nil
	}

	if s.cfg.TLS.Autocert.Enabled {
		cacheDir := s.cfg.TLS.Autocert.CacheDir
		if cacheDir == "" {
			if usrCache, err := os.UserCacheDir(); err == nil {
				cacheDir = filepath.Join(usrCache, "sentinel-autocert")
			} else {
				cacheDir = "./.cache/autocert"
			}
		}
		m := &autocert.Manager{
			Cache:      autocert.DirCache(cacheDir),
			Prompt:     autocert.AcceptTOS,
			Email:      s.cfg.TLS.Autocert.Email,
			HostPolicy: autocert.HostWhitelist(s.cfg.TLS.Autocert.Hosts...),
		}
		httpSrv := &http.Server{Addr: s.cfg.TLS.Autocert.HTTP01Address, Handler: m.HTTPHandler(nil)}
		tlsCfg := &tls.Config{
			GetCertificate: m.GetCertificate,
			MinVersion:     tls.VersionTLS12,
			NextProtos:     []string{"dot", "acme-tls/1"},
		}
		s.logger.Info("autocert enabled for DoT", "hosts", s.cfg.TLS.Autocert.Hosts, "cache", cacheDir)
		return tlsCfg, httpSrv, nil
	}

	return nil, nil, fmt.Errorf("DoT enabled but no certificate source configured")
}

// Shutdown gracefully stops every running listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.udp != nil {
		_ = s.udp.ShutdownContext(ctx)
	}
	if s.tcp != nil {
		_ = s.tcp.ShutdownContext(ctx)
	}
	if s.dot != nil {
		_ = s.dot.ShutdownContext(ctx)
	}
	if s.http != nil {
		_ = s.http.Shutdown(ctx)
	}
	return nil
}
