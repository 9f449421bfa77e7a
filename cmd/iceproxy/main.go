// Command iceproxy runs one ICE/DTLS-SRTP media gateway process: it
// loads a config.Config, binds the external UDP socket, and serves the
// control-plane event surface over a minimal newline-delimited JSON TCP
// listener until terminated.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pion/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"

	"github.com/mediabridge/iceproxy/internal/cert"
	"github.com/mediabridge/iceproxy/internal/config"
	"github.com/mediabridge/iceproxy/internal/controlplane"
	"github.com/mediabridge/iceproxy/internal/metrics"
	"github.com/mediabridge/iceproxy/internal/proxy"
)

func main() {
	var (
		configPath  = flag.StringP("config", "c", "", "path to a config.Config JSON file (required)")
		listenHost  = flag.String("listen-host", "", "override config.External.Host")
		listenPort  = flag.Int("listen-port", 0, "override config.External.Port (0 keeps the config value)")
		metricsAddr = flag.String("metrics-addr", ":9090", "address to serve /metrics on")
		controlAddr = flag.String("control-addr", "127.0.0.1:9091", "address to serve the newline-JSON control plane on")
		logLevel    = flag.String("log-level", "info", "zerolog level: debug, info, warn, error")
	)
	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).With().Timestamp().Logger()

	if *configPath == "" {
		log.Fatal().Msg("-config is required")
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if *listenHost != "" {
		cfg.External.Host = *listenHost
	}
	if *listenPort != 0 {
		cfg.External.Port = *listenPort
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	certificate, err := loadOrGenerateCert(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to establish DTLS certificate")
	}
	log.Info().Str("fingerprint", certificate.Fingerprint()).Msg("dtls certificate ready")

	loggerFactory := logging.NewDefaultLoggerFactory()
	metricsReg := metrics.NewRegistry(prometheus.DefaultRegisterer)

	p, err := proxy.New(cfg, certificate, loggerFactory, metricsReg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to construct proxy")
	}

	cookieTicker := p.StartCookieRotation()
	gcTicker := p.StartTransactionGC()
	defer cookieTicker.Stop()
	defer gcTicker.Stop()

	go func() {
		if err := p.Run(); err != nil {
			log.Error().Err(err).Msg("proxy read loop exited")
		}
	}()
	log.Info().Str("addr", cfg.External.String()).Msg("listening for ICE/DTLS/SRTP traffic")

	metricsSrv := &http.Server{Addr: *metricsAddr, Handler: promhttp.Handler()}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server exited")
		}
	}()
	log.Info().Str("addr", *metricsAddr).Msg("serving /metrics")

	cpSrv, err := newControlPlaneServer(*controlAddr, p, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start control plane listener")
	}
	p.SetStateNotifier(func(sessionID, state string) {
		cpSrv.broadcast(controlplane.SessionCompleted(sessionID, state))
	})
	go cpSrv.serve()
	log.Info().Str("addr", *controlAddr).Msg("serving control plane")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(ctx)
	_ = cpSrv.close()
	if err := p.Close(); err != nil {
		log.Error().Err(err).Msg("error during proxy shutdown")
	}
}

func loadConfig(path string) (*config.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var cfg config.Config
	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// loadOrGenerateCert uses cfg.DTLS's configured cert/key pair when
// present, generating a fresh self-signed certificate otherwise —
// acceptable for a single-process deployment with no cert provisioning
// pipeline in front of it.
func loadOrGenerateCert(cfg *config.Config) (*cert.Certificate, error) {
	if cfg.DTLS.CertFile != "" && cfg.DTLS.KeyFile != "" {
		return cert.LoadFromFiles(cfg.DTLS.CertFile, cfg.DTLS.KeyFile)
	}
	return cert.Generate()
}

// controlPlaneServer is a minimal newline-delimited JSON adapter over
// controlplane.Dispatch: the event-bus transport a real deployment would
// front this with is out of scope here, so this is this binary's own
// stand-in.
type controlPlaneServer struct {
	ln  net.Listener
	reg controlplane.Registry
	log zerolog.Logger

	mu    sync.Mutex
	conns map[net.Conn]*json.Encoder
}

func newControlPlaneServer(addr string, reg controlplane.Registry, log zerolog.Logger) (*controlPlaneServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &controlPlaneServer{ln: ln, reg: reg, log: log, conns: map[net.Conn]*json.Encoder{}}, nil
}

func (s *controlPlaneServer) close() error { return s.ln.Close() }

func (s *controlPlaneServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

// broadcast pushes an unsolicited outbound event (session state,
// trickle candidates) to every connected control-plane client.
func (s *controlPlaneServer) broadcast(resp controlplane.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn, enc := range s.conns {
		if err := enc.Encode(resp); err != nil {
			s.log.Warn().Err(err).Msg("control plane: dropping client after failed broadcast")
			_ = conn.Close()
			delete(s.conns, conn)
		}
	}
}

func (s *controlPlaneServer) handle(conn net.Conn) {
	enc := json.NewEncoder(conn)
	s.mu.Lock()
	s.conns[conn] = enc
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var evt controlplane.Event
		if err := json.Unmarshal(scanner.Bytes(), &evt); err != nil {
			s.log.Warn().Err(err).Msg("control plane: malformed event")
			continue
		}
		resp := controlplane.Dispatch(s.reg, evt)
		s.mu.Lock()
		err := enc.Encode(resp)
		s.mu.Unlock()
		if err != nil {
			s.log.Warn().Err(err).Msg("control plane: failed to write response")
			return
		}
	}
}
