// Command dbfrontend is the process entry point: it loads configuration,
// wires the compile cache, backend pool, cancel registries and auth
// backends, then multiplexes the binary, PostgreSQL and HTTP frontends onto
// one listener via demux (spec.md §1).
//
// Keeps the teacher's cmd/tqdbproxy/main.go shape — flag-parsed config
// path, a background metrics server, replica-pool health checks started in
// a goroutine, signal.Notify-driven graceful shutdown — generalized from a
// two-protocol MariaDB/Postgres proxy entry point to this module's single
// multiplexed listener.
package main

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xdg-go/scram"

	"github.com/mevdschee/dbfrontend/auth"
	"github.com/mevdschee/dbfrontend/backendpool"
	"github.com/mevdschee/dbfrontend/binaryproto"
	"github.com/mevdschee/dbfrontend/cancel"
	"github.com/mevdschee/dbfrontend/compiler"
	"github.com/mevdschee/dbfrontend/compilecache"
	"github.com/mevdschee/dbfrontend/config"
	"github.com/mevdschee/dbfrontend/demux"
	"github.com/mevdschee/dbfrontend/httpext"
	"github.com/mevdschee/dbfrontend/httpmux"
	"github.com/mevdschee/dbfrontend/metrics"
	"github.com/mevdschee/dbfrontend/pgfrontend"
)

func main() {
	configPath := flag.String("config", "config.ini", "Path to configuration file")
	metricsAddr := flag.String("metrics", ":9090", "Metrics endpoint address")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	metrics.Init()
	go func() {
		http.Handle("/metrics", metrics.Handler())
		log.Printf("Metrics endpoint at http://localhost%s/metrics", *metricsAddr)
		if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
			log.Printf("Metrics server error: %v", err)
		}
	}()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	primary := backendpool.NewPool(cfg.Backend.Primary, cfg.Backend.User, cfg.Backend.Password, cfg.Backend.MaxPoolSize)
	var replicas []*backendpool.Pool
	for _, addr := range cfg.Backend.Replicas {
		replicas = append(replicas, backendpool.NewPool(addr, cfg.Backend.User, cfg.Backend.Password, cfg.Backend.MaxPoolSize))
	}
	router := backendpool.NewRouter(primary, replicas)
	log.Printf("[Backend] Primary: %s, Replicas: %v", cfg.Backend.Primary, cfg.Backend.Replicas)
	go router.StartHealthChecks(ctx, 10*time.Second)

	cache, err := compilecache.New(compilecache.Config{
		MaxMemory: cfg.Compiler.CacheMaxMemory,
		Workers:   cfg.Compiler.CacheWorkers,
		TTL:       cfg.Compiler.CacheTTL,
	})
	if err != nil {
		log.Fatalf("Failed to create compile cache: %v", err)
	}
	defer cache.Close()

	// No remote compiler worker pool is wired yet (spec.md §1 "DELIBERATELY
	// OUT OF SCOPE" RPC boundary); PassthroughClient normalizes and
	// classifies PostgreSQL-dialect SQL locally, and the cache sits in
	// front of it so repeated source text is only normalized once.
	var comp compiler.Client = &compilecache.CachedClient{
		Client: compiler.NewPassthroughClient(),
		Cache:  cache,
	}

	registries := cancel.NewRegistries()
	authBackend := newStaticAuthBackend(cfg)

	var authPolicy binaryproto.AuthPolicy = binaryproto.TrustAllPolicy{}
	if !cfg.Auth.TrustedNetwork {
		authPolicy = jwtIfConfiguredPolicy{jwtConfigured: cfg.Auth.JWTKeysFile != ""}
	}

	tlsConfig, err := loadTLSConfig(cfg)
	if err != nil {
		log.Fatalf("Failed to load TLS config: %v", err)
	}

	newPGFrontend := func(conn net.Conn) demux.RunnableFrontend {
		return pgfrontend.New(conn, tlsConfig, cfg.TLS.Required, authBackend, registries.PG, router, comp)
	}
	newBinaryFrontend := func(conn net.Conn) demux.RunnableFrontend {
		return binaryproto.New(conn, tlsConfig, cfg.TLS.Required, authBackend, authPolicy, registries.Binary, router, comp, cfg.Server.InstanceName, cfg.Server.DefaultDatabase)
	}

	extHandler := &httpext.Handler{Compiler: comp, Pool: router}

	databases := httpmux.StaticDatabases{
		cfg.Server.DefaultDatabase: {
			Name: cfg.Server.DefaultDatabase,
			Extensions: map[httpmux.Extension]bool{
				httpmux.ExtEdgeQL:   true,
				httpmux.ExtNotebook: true,
			},
		},
	}

	mux := httpmux.New(databases).
		WithEdgeQL(extHandler.EdgeQL).
		WithNotebook(extHandler.Notebook).
		WithUpgrade(func(conn net.Conn, buffered []byte) {
			c := &bufferedConn{Conn: conn, buffered: buffered}
			if err := newBinaryFrontend(c).Run(ctx); err != nil {
				log.Printf("[Upgrade] binary session error: %v", err)
			}
		})
	if !cfg.Auth.TrustedNetwork && cfg.Auth.BasicUser != "" {
		mux.WithBasicAuth(func(user, password string) bool {
			return user == cfg.Auth.BasicUser && password == cfg.Auth.BasicPassword
		})
	}

	d := &demux.Demux{
		NewBinary:   newBinaryFrontend,
		NewPostgres: newPGFrontend,
		HTTP:        mux,
		OnAccept: func(p demux.Protocol) {
			metrics.ConnectionsTotal.WithLabelValues(p.String()).Inc()
		},
	}

	go func() {
		if err := d.ListenAndServe(ctx, "tcp", cfg.Listen.Address); err != nil {
			log.Fatalf("Listener error: %v", err)
		}
	}()

	log.Println("dbfrontend started. Press Ctrl+C to stop.")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down...")
	stop()
}

// bufferedConn replays bytes the HTTP server already buffered past an
// Upgrade: edgedb-binary request before handing the connection to the
// binary frontend (spec.md §4.I).
type bufferedConn struct {
	net.Conn
	buffered []byte
}

func (c *bufferedConn) Read(b []byte) (int, error) {
	if len(c.buffered) > 0 {
		n := copy(b, c.buffered)
		c.buffered = c.buffered[n:]
		return n, nil
	}
	return c.Conn.Read(b)
}

// staticAuthBackend is the default AuthBackend: the tenant role catalog
// (who has which SCRAM/JWT credentials) is outside this module's scope
// (auth.VerifierStore's own doc comment), so Lookup always reports a user
// as unknown, which auth.GetVerifier turns into a deterministic mock
// verifier rather than leaking which usernames are real.
type staticAuthBackend struct {
	mockNonce []byte
	jwtKeys   auth.KeyProvider
}

func newStaticAuthBackend(cfg *config.Config) *staticAuthBackend {
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		log.Fatalf("Failed to generate mock SCRAM nonce: %v", err)
	}

	var keys auth.KeyProvider = auth.StaticKeys(nil)
	if cfg.Auth.JWTKeysFile != "" {
		loaded, err := loadJWTKeys(cfg.Auth.JWTKeysFile)
		if err != nil {
			log.Fatalf("Failed to load JWT keys: %v", err)
		}
		keys = loaded
	}

	return &staticAuthBackend{mockNonce: nonce, jwtKeys: keys}
}

func (b *staticAuthBackend) Lookup(user string) (scram.StoredCredentials, bool) {
	return scram.StoredCredentials{}, false
}

func (b *staticAuthBackend) MockNonce() []byte { return b.mockNonce }

func (b *staticAuthBackend) JWTKeys() auth.KeyProvider { return b.jwtKeys }

// jwtIfConfiguredPolicy requires a JWT for every (user, database) pair once
// a JWT key file is configured, and falls back to SCRAM otherwise
// (spec.md §4.D: the tenant selects an auth method per user/transport; a
// single cluster-wide policy is this module's simplification of that
// per-tenant table).
type jwtIfConfiguredPolicy struct {
	jwtConfigured bool
}

func (p jwtIfConfiguredPolicy) MethodFor(user, database string) binaryproto.AuthMethod {
	if p.jwtConfigured {
		return binaryproto.AuthJWT
	}
	return binaryproto.AuthSCRAM
}

// loadTLSConfig builds the shared *tls.Config both the PG SSLRequest
// handshake and the binary protocol's TLS-in-front model upgrade into, or
// nil if no certificate pair is configured (spec.md §4.F).
//
// Client-certificate verification (mTLS peer-cert binding, auth.
// VerifyPeerCertificate/ParseCertificatePEM) is not wired here: it needs a
// configured CA bundle this module's config does not yet expose a field
// for, and is deferred rather than half-wired against a config key that
// does not exist.
func loadTLSConfig(cfg *config.Config) (*tls.Config, error) {
	if cfg.TLS.CertFile == "" || cfg.TLS.KeyFile == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}
