package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"

	"competition-engine/pkg/config"
	"competition-engine/pkg/middleware"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ProvideHTTPServer = fx.Module("http.server",
	fx.Provide(NewRouter, NewHttpServer),
	fx.Invoke(Run),
)

type Server struct {
	server *http.Server
	certs  *certReloader
}

// NewRouter returns the gin engine every service registers its routes on.
func NewRouter(cfg *config.Config) *gin.Engine {
	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(
		otelgin.Middleware(cfg.AppName),
		ginzap.RecoveryWithZap(zap.L(), true),
		middleware.Access(),
		middleware.Error(),
	)
	return r
}

type Params struct {
	fx.In
	Config  *config.Config
	Handler *gin.Engine
}

func NewHttpServer(p Params) (*Server, error) {
	cfg := p.Config
	srv := &Server{
		server: &http.Server{
			Addr:         fmt.Sprintf(":%s", cfg.Server.Addr),
			Handler:      p.Handler,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		},
	}

	if cfg.TLS.Enable {
		certs, err := newCertReloader(cfg.TLS.CertPath, cfg.TLS.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("load tls key pair: %w", err)
		}
		srv.certs = certs
		srv.server.TLSConfig = &tls.Config{
			MinVersion:     tls.VersionTLS12,
			GetCertificate: certs.GetCertificate,
		}
	}

	return srv, nil
}

// Run binds the listener during start so a taken port fails the app instead of a goroutine.
func Run(lc fx.Lifecycle, srv *Server) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", srv.server.Addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", srv.server.Addr, err)
			}

			serve := func() error { return srv.server.Serve(ln) }
			if srv.certs != nil {
				if err := srv.certs.watch(); err != nil {
					zap.L().Warn("tls hot reload disabled", zap.Error(err))
				}
				serve = func() error { return srv.server.ServeTLS(ln, "", "") }
			}

			zap.L().Info("http server listening", zap.String("addr", ln.Addr().String()), zap.Bool("tls", srv.certs != nil))
			go func() {
				if err := serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					zap.L().Error("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			zap.L().Info("shutting down http server")
			err := srv.server.Shutdown(ctx)
			if srv.certs != nil {
				err = errors.Join(err, srv.certs.Close())
			}
			return err
		},
	})
}
