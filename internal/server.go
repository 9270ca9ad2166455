package internal

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"pulsechat/internal/metrics"
	"pulsechat/internal/presence"
	"pulsechat/internal/realtime"
	"pulsechat/internal/storage"
)

const (
	defaultTokenTTL      = 7 * 24 * time.Hour
	defaultAuthRateLimit = 20
)

var errUnauthorized = errors.New("unauthorized")

// ServerOptions carries the collaborators of a Server.
type ServerOptions struct {
	Store    *storage.Store
	Hub      *realtime.Hub
	Presence *presence.Store
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
	Clock    clockwork.Clock
	// WSPath is where the realtime endpoint is mounted.
	WSPath string
	// TokenTTL is how long a login token stays valid.
	TokenTTL time.Duration
	// AuthRateLimit is the number of /auth requests allowed per IP per minute.
	AuthRateLimit int
}

// Server exposes the REST API and the realtime websocket endpoint.
type Server struct {
	store         *storage.Store
	hub           *realtime.Hub
	presence      *presence.Store
	metrics       *metrics.Metrics
	logger        *zap.Logger
	clock         clockwork.Clock
	validate      *validator.Validate
	wsPath        string
	tokenTTL      time.Duration
	authRateLimit int
}

func NewServer(opts ServerOptions) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.WSPath == "" {
		opts.WSPath = "/ws"
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = defaultTokenTTL
	}
	if opts.AuthRateLimit <= 0 {
		opts.AuthRateLimit = defaultAuthRateLimit
	}
	return &Server{
		store:         opts.Store,
		hub:           opts.Hub,
		presence:      opts.Presence,
		metrics:       opts.Metrics,
		logger:        opts.Logger,
		clock:         opts.Clock,
		validate:      validator.New(validator.WithRequiredStructEnabled()),
		wsPath:        opts.WSPath,
		tokenTTL:      opts.TokenTTL,
		authRateLimit: opts.AuthRateLimit,
	}
}

// Routes builds the HTTP handler tree.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.HandleHealth)
	r.Handle("/metrics", s.metrics.Handler())
	r.Get(s.wsPath, s.ServeWS)
	r.Get("/presence/{userID}", s.HandlePresence)

	r.Route("/auth", func(r chi.Router) {
		r.Use(httprate.LimitByIP(s.authRateLimit, time.Minute))
		r.Post("/signup", s.HandleSignup)
		r.Post("/login", s.HandleLogin)
		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)
			r.Post("/logout", s.HandleLogout)
			r.Post("/password", s.HandlePasswordChange)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Get("/users", s.HandleSearchUsers)
		r.Post("/conversations", s.HandleCreateConversation)
		r.Get("/conversations", s.HandleListConversations)
		r.Put("/conversations/{id}/participants", s.HandleAddParticipant)
		r.Get("/conversations/{id}/messages", s.HandleListMessages)
		r.Post("/conversations/{id}/seen", s.HandleMarkSeen)
	})
	return r
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("latency", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

type authContext struct {
	Token string
	User  *storage.User
}

type authContextKey struct{}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authCtx, err := s.authenticateRequest(r)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, errUnauthorized) {
				status = http.StatusUnauthorized
			} else {
				s.logger.Error("authenticate request", zap.Error(err))
			}
			http.Error(w, http.StatusText(status), status)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), authContextKey{}, authCtx)))
	})
}

func authFromContext(ctx context.Context) *authContext {
	authCtx, _ := ctx.Value(authContextKey{}).(*authContext)
	return authCtx
}

// authenticateRequest resolves the bearer token of r to a user.
func (s *Server) authenticateRequest(r *http.Request) (*authContext, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	token = strings.TrimSpace(token)
	if !ok || token == "" {
		return nil, errUnauthorized
	}
	return s.resolveToken(r.Context(), token)
}

// resolveToken maps an unexpired session token to its user.
func (s *Server) resolveToken(ctx context.Context, token string) (*authContext, error) {
	sess, err := s.store.GetSession(ctx, token)
	if err != nil {
		return nil, err
	}
	if sess == nil || !sess.ExpiresAt.After(s.clock.Now()) {
		return nil, errUnauthorized
	}
	user, err := s.store.FindUser(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, errUnauthorized
	}
	return &authContext{Token: token, User: user}, nil
}
