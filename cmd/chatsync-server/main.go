package main

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"chatsync/internal/server/config"
	"chatsync/internal/server/httpapi"
	"chatsync/internal/server/hub"
	"chatsync/internal/server/store"
)

func main() {
	app := fx.New(
		fx.Provide(
			config.Load,
			provideLogger,
			provideStore,
			provideHub,
			provideRouter,
			provideVerifier,
			provideHandler,
			provideHTTPServer,
		),
		fx.Invoke(registerLifecycle),
	)

	app.Run()
}

func provideLogger() (*zap.Logger, error) {
	return zap.NewProduction()
}

func provideStore(cfg *config.Config, logger *zap.Logger) (*store.Store, error) {
	s, err := store.Open(cfg.DB.Path)
	if err != nil {
		return nil, err
	}
	logger.Info("server store initialized", zap.String("path", cfg.DB.Path))
	return s, nil
}

func provideHub(logger *zap.Logger) *hub.Hub {
	return hub.New(logger)
}

func provideRouter(h *hub.Hub, s *store.Store, logger *zap.Logger) *hub.Router {
	return hub.NewRouter(h, s, logger)
}

func provideVerifier() httpapi.TokenVerifier {
	return httpapi.StaticVerifier{}
}

func provideHandler(s *store.Store, h *hub.Hub, r *hub.Router, verifier httpapi.TokenVerifier, logger *zap.Logger) *httpapi.Handler {
	return httpapi.NewHandler(s, h, r, verifier, logger)
}

func provideHTTPServer(cfg *config.Config, handler *httpapi.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func registerLifecycle(lc fx.Lifecycle, srv *http.Server, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			logger.Info("listening", zap.String("addr", srv.Addr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Error("http server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}
