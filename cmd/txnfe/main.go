package main

import (
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"txnsession/pkg/config"
	"txnsession/pkg/frontend"
	"txnsession/pkg/metrics"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "", "YAML config file, defaults when empty")
	httpAddr := flag.String("http", ":8040", "Metrics and health address")
	debug := flag.Bool("debug", false, "Debug logging")
	flag.Parse()

	if *debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			logrus.Fatalf("Load config: %v", err)
		}
	}

	fe, err := frontend.Open(cfg, frontend.WithMetrics(metrics.DefaultRegistry()))
	if err != nil {
		logrus.Fatalf("Open frontend: %v", err)
	}
	defer fe.Close()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(fe.Metrics.GetPrometheusRegistry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		role := "follower"
		if fe.Role.IsLeader() {
			role = "leader"
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":      "healthy",
			"role":        role,
			"active_txns": fe.TxnMgr.ActiveCount(),
		})
	})
	server := &http.Server{Addr: *httpAddr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Errorf("HTTP server: %v", err)
		}
	}()
	logrus.Infof("Serving metrics on %s", *httpAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logrus.Info("Shutting down")
	server.Close()
}
