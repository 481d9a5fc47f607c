package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/talkincode/wanotify/config"
	"github.com/talkincode/wanotify/internal/adminapi"
	"github.com/talkincode/wanotify/internal/app"
	"github.com/talkincode/wanotify/internal/webserver"
	"go.uber.org/zap"
)

var version = "develop"

var (
	h        = flag.Bool("h", false, "help usage")
	showVer  = flag.Bool("v", false, "show version")
	conffile = flag.String("c", "", "config yaml file")
	migrate  = flag.Bool("migrate", false, "migrate the database schema and exit")
)

func main() {
	flag.Parse()
	if *h {
		flag.Usage()
		return
	}
	if *showVer {
		fmt.Println(version)
		return
	}

	cfg := config.LoadConfig(*conffile)
	app.InitLogger(cfg)
	defer func() { _ = zap.L().Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application := app.NewApplication(cfg)
	if err := application.Init(ctx); err != nil {
		zap.L().Fatal("application init failed", zap.Error(err))
	}
	defer application.Release()

	if *migrate {
		zap.L().Info("database schema migrated")
		return
	}

	srv, err := webserver.NewServer(cfg.Web, application.Registry())
	if err != nil {
		zap.L().Fatal("webserver init failed", zap.Error(err))
	}
	adminapi.Register(srv, application)
	application.Restore(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case <-ctx.Done():
		zap.L().Info("received signal, shutting down")
	case err := <-errCh:
		if err != nil {
			zap.L().Error("webserver stopped", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), webserver.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zap.L().Warn("webserver shutdown", zap.Error(err))
	}
}
