// Package diagnostics exposes a read-only view of tunnel and target health.
package diagnostics

import (
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/sagernet/cors"
	"github.com/sagernet/devgate/adapter"
	C "github.com/sagernet/devgate/constant"
	"github.com/sagernet/devgate/log"
	"github.com/sagernet/devgate/option"
	"github.com/sagernet/sing/common"
	E "github.com/sagernet/sing/common/exceptions"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
)

var _ adapter.LifecycleService = (*Server)(nil)

type Server struct {
	logger     log.ContextLogger
	reporter   adapter.StatusReporter
	httpServer *http.Server
	listener   net.Listener
}

func NewServer(logger log.ContextLogger, reporter adapter.StatusReporter, options option.DiagnosticsOptions) *Server {
	listen := options.Listen
	if listen == "" {
		listen = C.DefaultDiagnosticsListen
	}
	chiRouter := chi.NewRouter()
	server := &Server{
		logger:   logger,
		reporter: reporter,
		httpServer: &http.Server{
			Addr:              listen,
			Handler:           chiRouter,
			ReadHeaderTimeout: C.ReadHeaderTimeout,
		},
	}
	cors := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         300,
	})
	chiRouter.Use(cors.Handler)
	chiRouter.Group(func(r chi.Router) {
		r.Use(authentication(options.Secret))
		r.Get("/", hello)
		r.Get("/version", version)
		r.Get("/status", getStatus(reporter))
		r.Mount("/targets", targetRouter(reporter))
	})
	return server
}

func (s *Server) Name() string {
	return "diagnostics"
}

func (s *Server) Start(stage adapter.StartStage) error {
	if stage != adapter.StartStateStart {
		return nil
	}
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return E.Cause(err, "diagnostics listen error")
	}
	s.listener = listener
	s.logger.Info("diagnostics api listening at ", listener.Addr())
	go func() {
		err = s.httpServer.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("diagnostics serve error: ", err)
		}
	}()
	return nil
}

func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) Close() error {
	return common.Close(common.PtrOrNil(s.httpServer))
}

func authentication(serverSecret string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			if serverSecret == "" {
				next.ServeHTTP(w, r)
				return
			}
			header := r.Header.Get("Authorization")
			bearer, token, found := strings.Cut(header, " ")
			hasInvalidHeader := bearer != "Bearer"
			hasInvalidSecret := !found || subtle.ConstantTimeCompare([]byte(token), []byte(serverSecret)) != 1
			if hasInvalidHeader || hasInvalidSecret {
				render.Status(r, http.StatusUnauthorized)
				render.JSON(w, r, ErrUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		}
		return http.HandlerFunc(fn)
	}
}

func hello(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, render.M{"hello": "devgate"})
}

func version(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, render.M{"version": C.Version, "commit": C.Commit})
}
