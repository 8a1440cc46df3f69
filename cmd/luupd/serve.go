package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/luuplife/server/internal/httpapi"
	"github.com/luuplife/server/internal/ws"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP and WebSocket server",
	Long: `Starts the HTTP API, the WebSocket endpoints of live sessions and the
expiry reaper. The listen address can be overridden with --addr.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			a.cfg.ListenAddr = addr
		}
		return serve(a)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "Listen address, overrides LISTEN_ADDR")
}

func serve(a *app) error {
	defer a.close()
	a.ping(context.Background())

	dispatcher := ws.NewMessageDispatcher(a.log)
	a.svc.RegisterHandlers(dispatcher)

	wsServer := ws.NewServer(a.cfg.Server(), dispatcher.Dispatch, a.log)
	wsServer.SetOnDisconnect(func(c *ws.Connection) {
		a.svc.Leave(c.SessionID, c)
	})
	if err := wsServer.Start(); err != nil {
		return fmt.Errorf("start websocket server: %w", err)
	}

	srv := &http.Server{
		Addr: a.cfg.ListenAddr,
		Handler: httpapi.NewHandler(httpapi.Deps{
			Service: a.svc,
			Store:   a.store,
			Files:   a.files,
			Live:    wsServer,
			Limiter: a.limit,
			BaseURL: a.cfg.PublicBaseURL,
			Logger:  a.log,

			AllowedOrigins: a.cfg.AllowedOrigins,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	reaperCtx, stopReaper := context.WithCancel(context.Background())
	reaperDone := make(chan struct{})
	go func() {
		defer close(reaperDone)
		a.newReaper().Run(reaperCtx)
	}()

	serverErrors := make(chan error, 1)
	go func() {
		a.log.Info("listening", "addr", srv.Addr)
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	var runErr error
	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("http server: %w", err)
		}
	case sig := <-shutdown:
		a.log.Info("shutting down", "signal", sig.String())
	}

	stopReaper()
	<-reaperDone

	ctx, cancel := shutdownContext(a.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		a.log.Warn("http shutdown incomplete", "error", err)
		_ = srv.Close()
	}
	if err := wsServer.Shutdown(ctx); err != nil {
		a.log.Warn("websocket shutdown incomplete", "error", err)
	}
	a.log.Info("server stopped")
	return runErr
}
