// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultJWTSecret is used when no secret is configured. Never use it in production.
const DefaultJWTSecret = "your-secret-key-change-in-production"

// Config holds what a standalone server needs.
type Config struct {
	// DatabaseURL selects PostgreSQL storage; empty keeps records in memory.
	DatabaseURL string
	JWTSecret   string
	// DummySignin enables POST /dummy-signin, which mints a token for any user.
	DummySignin bool
	TokenTTL    time.Duration
	MaxConns    int32
	Logger      *slog.Logger
}

// Components are the initialized pieces of a server.
type Components struct {
	Pool    *pgxpool.Pool
	Storage Storage
	JWTAuth *JWTAuth
	Server  *Server
	Handler http.Handler
	Logger  *slog.Logger
}

// Setup builds storage, authentication and the route table from config.
func Setup(ctx context.Context, config *Config) (*Components, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	secret := config.JWTSecret
	if secret == "" {
		secret = DefaultJWTSecret
		logger.Warn("Using default JWT secret - change in production!")
	}
	ttl := config.TokenTTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	c := &Components{Logger: logger, JWTAuth: NewJWTAuth(secret)}
	if config.DatabaseURL == "" {
		logger.Warn("No database configured, records are kept in memory")
		c.Storage = NewMemoryStorage()
	} else {
		poolConfig, err := pgxpool.ParseConfig(config.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse database URL: %w", err)
		}
		if config.MaxConns > 0 {
			poolConfig.MaxConns = config.MaxConns
		}
		poolConfig.MaxConnLifetime = time.Hour
		poolConfig.MaxConnIdleTime = 30 * time.Minute
		pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
		storage, err := NewPGStorage(ctx, pool, nil, logger)
		if err != nil {
			pool.Close()
			return nil, err
		}
		c.Pool = pool
		c.Storage = storage
	}

	c.Server = New(c.Storage, c.JWTAuth, WithLogger(logger))
	if !config.DummySignin {
		c.Handler = c.Server.Handler()
		return c, nil
	}
	mux := http.NewServeMux()
	mux.Handle("/", c.Server.Handler())
	mux.HandleFunc("POST /dummy-signin", c.dummySignin(ttl))
	c.Handler = mux
	return c, nil
}

// Close releases the database pool, if any.
func (c *Components) Close() {
	if c.Pool != nil {
		c.Pool.Close()
	}
}

type signinRequest struct {
	User     string `json:"user"`
	Password string `json:"password"`
	Device   string `json:"device"`
}

// SigninResponse is the body answered by POST /dummy-signin.
type SigninResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
	User      string `json:"user"`
	Device    string `json:"device"`
}

// dummySignin accepts any password.
func (c *Components) dummySignin(ttl time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req signinRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodyBytes)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid JSON")
			return
		}
		if req.User == "" {
			writeError(w, http.StatusBadRequest, CodeInvalidRequest, "user required")
			return
		}
		if req.Device == "" {
			req.Device = "device-" + strconv.FormatInt(time.Now().UnixNano(), 36)
		}
		token, err := c.JWTAuth.GenerateToken(req.User, req.Device, ttl)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "token_error", err.Error())
			return
		}
		c.Logger.Info("Generated dummy JWT", "user", req.User, "device", req.Device)
		writeJSON(w, http.StatusOK, SigninResponse{
			Token:     token,
			ExpiresIn: int64(ttl / time.Second),
			User:      req.User,
			Device:    req.Device,
		})
	}
}
