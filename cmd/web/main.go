package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/censys/scan-browser/pkg/config"
	"github.com/censys/scan-browser/pkg/logging"
	"github.com/censys/scan-browser/pkg/metrics"
	"github.com/censys/scan-browser/pkg/storage/backend"
	"github.com/censys/scan-browser/pkg/web"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	debug := flag.Bool("debug", false, "run gin in debug mode")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("load config: %v", err)
	}

	log, err := logging.New(cfg.Log)
	if err != nil {
		logrus.Fatalf("logger: %v", err)
	}

	if *debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The front-end is useless without its database.
	db, err := backend.Open(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer db.Close()

	srv, err := web.NewServer(db, cfg.Web, log, metrics.New())
	if err != nil {
		log.Fatalf("web server: %v", err)
	}

	if err := srv.Run(ctx); err != nil {
		log.Fatalf("web server: %v", err)
	}
	log.Info("web server stopped")
}
