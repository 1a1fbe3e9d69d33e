// Package server assembles the auth service: storage, the stage
// verifiers, the login sequencer, and the HTTP transport.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	apihttp "vaultgate/internal/auth/api/http"
	"vaultgate/internal/auth/audit"
	"vaultgate/internal/auth/ceremony"
	"vaultgate/internal/auth/passkey"
	"vaultgate/internal/auth/password"
	"vaultgate/internal/auth/sequencer"
	"vaultgate/internal/auth/session"
	"vaultgate/internal/auth/storage/sqlite"
	"vaultgate/internal/auth/user"
	"vaultgate/internal/auth/vaultpin"
)

const sweepInterval = time.Minute

// Server hosts the auth service over HTTP.
type Server struct {
	listener  net.Listener
	server    *http.Server
	store     *sqlite.Store
	sequencer *sequencer.Sequencer
	logger    *log.Logger
}

// New creates a configured auth server listening on the provided address.
func New(httpAddr string) (*Server, error) {
	listener, err := net.Listen("tcp", httpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", httpAddr, err)
	}
	store, err := openStore()
	if err != nil {
		_ = listener.Close()
		return nil, err
	}

	sessionConfig, err := session.LoadConfigFromEnv()
	if err != nil {
		_ = listener.Close()
		_ = store.Close()
		return nil, err
	}
	pinConfig, err := vaultpin.LoadConfigFromEnv()
	if err != nil {
		_ = listener.Close()
		_ = store.Close()
		return nil, err
	}
	flowConfig, err := sequencer.LoadConfigFromEnv()
	if err != nil {
		_ = listener.Close()
		_ = store.Close()
		return nil, err
	}

	if err := bootstrapUsers(store, os.Getenv("VAULTGATE_BOOTSTRAP_USERS")); err != nil {
		_ = listener.Close()
		_ = store.Close()
		return nil, err
	}

	logger := log.Default()
	passwords := password.NewVerifier(store)
	engine := ceremony.NewEngine(store, store, passkey.LoadConfigFromEnv())
	pins := vaultpin.NewVerifier(store, pinConfig)
	sessions := session.NewIssuer(store, sessionConfig)
	auditor := audit.NewRecorder(store, logger)
	seq := sequencer.New(store, passwords, engine, pins, sessions, auditor, flowConfig, logger)

	service := apihttp.NewService(seq, engine, pins, sessions, auditor, store, logger)
	httpServer := &http.Server{
		Handler:           service.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Server{
		listener:  listener,
		server:    httpServer,
		store:     store,
		sequencer: seq,
		logger:    logger,
	}, nil
}

// Addr returns the listener address for the auth server.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Run creates and serves an auth server until the context ends.
func Run(ctx context.Context, httpAddr string) error {
	server, err := New(httpAddr)
	if err != nil {
		return err
	}
	return server.Serve(ctx)
}

// Serve blocks until the server stops or the context ends. Expired
// flows and ceremony sessions are swept in the background while
// serving.
func (s *Server) Serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.closeStore()

	go s.sweepLoop(serveCtx)

	s.logger.Printf("auth server listening at %v", s.listener.Addr())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.server.Serve(s.listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = s.server.Shutdown(shutdownCtx)
		err := <-serveErr
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve HTTP: %w", err)
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve HTTP: %w", err)
	}
}

func (s *Server) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.sequencer.SweepExpired(ctx, s.store); err != nil {
				s.logger.Printf("sweep expired state: %v", err)
			}
		}
	}
}

func openStore() (*sqlite.Store, error) {
	path := strings.TrimSpace(os.Getenv("VAULTGATE_DB_PATH"))
	if path == "" {
		path = filepath.Join("data", "vaultgate.db")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}

	store, err := sqlite.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	return store, nil
}

func (s *Server) closeStore() {
	if s == nil {
		return
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Printf("close store: %v", err)
		}
	}
}

// bootstrapUsers seeds password accounts from a comma separated list of
// email:password:display-name entries. Existing accounts keep their
// stored hash.
func bootstrapUsers(store *sqlite.Store, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	ctx := context.Background()
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) < 2 {
			return fmt.Errorf("bootstrap user entry %q: want email:password[:display-name]", entry)
		}
		email := strings.TrimSpace(parts[0])
		pwd := strings.TrimSpace(parts[1])
		displayName := email
		if len(parts) == 3 && strings.TrimSpace(parts[2]) != "" {
			displayName = strings.TrimSpace(parts[2])
		}
		if email == "" || pwd == "" {
			continue
		}
		if _, err := store.GetUserByEmail(ctx, email); err == nil {
			continue
		}
		hash, err := password.Hash(pwd)
		if err != nil {
			return fmt.Errorf("hash bootstrap password: %w", err)
		}
		created, err := user.CreateUser(user.CreateUserInput{
			Email:        email,
			DisplayName:  displayName,
			PasswordHash: hash,
		}, time.Now, nil)
		if err != nil {
			return fmt.Errorf("create bootstrap user: %w", err)
		}
		if err := store.PutUser(ctx, created); err != nil {
			return fmt.Errorf("store bootstrap user: %w", err)
		}
	}
	return nil
}
