// Package main runs one host's agent daemon: the process that owns the
// local filesystem under an instance root and the right to restart
// instances on behalf of the controller.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gameops/fleetctl/internal/agent"
	"github.com/gameops/fleetctl/pkg/logger"
	"github.com/gameops/fleetctl/pkg/metrics"
)

const (
	serviceName    = "fleetctl-agentd"
	serviceVersion = "dev"
)

func main() {
	host := flag.String("host", "", "this host's logical name, as named in controller settings.agents[].host")
	instanceRoot := flag.String("instance-root", "", "directory containing one subdirectory per managed instance")
	listenAddr := flag.String("listen", ":8181", "address the agent RPC surface listens on")
	processCmd := flag.String("process-controller", "", "executable invoked to restart an instance, e.g. /usr/local/bin/mcsupervisor")
	processArgs := flag.String("process-controller-args", "restart", "comma-separated arguments prepended before the instance name")
	backupRetentionDays := flag.Int("backup-retention-days", 14, "days to keep per-deployment backup manifests before pruning")
	credential := flag.String("credential", "", "shared credential the controller must present; empty disables the check")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s %s\n", serviceName, serviceVersion)
		return
	}
	if *host == "" || *instanceRoot == "" {
		fmt.Fprintln(os.Stderr, "agentd: -host and -instance-root are required")
		os.Exit(1)
	}

	log := logger.NewLogger(logger.Config{Level: *logLevel, Format: "json", Output: "stdout"})
	slog.SetDefault(log)

	var args []string
	if *processArgs != "" {
		args = strings.Split(*processArgs, ",")
	}
	controller := &agent.ExecProcessController{Command: *processCmd, Args: args, Logger: log}

	a, err := agent.New(*host, *instanceRoot, controller, log)
	if err != nil {
		log.Error("initializing agent", "error", err)
		os.Exit(1)
	}
	a.Version = serviceVersion

	srv := agent.NewServer(a, log).WithCredential(*credential)
	router := srv.Router()
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	httpMetrics := metrics.NewHTTPMetricsWithNamespace("fleetctl", "agent")

	httpServer := &http.Server{
		Addr:         *listenAddr,
		Handler:      httpMetrics.Middleware(router),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go pruneBackupsLoop(ctx, a, *backupRetentionDays, log)

	go func() {
		log.Info("agent RPC surface listening", "host", *host, "addr", *listenAddr, "instance_root", *instanceRoot)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("agent HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down agent")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("agent HTTP server forced to shutdown", "error", err)
		os.Exit(1)
	}
	log.Info("agent stopped")
}

// pruneBackupsLoop sweeps expired backup manifests once at startup and then
// daily, so a long-lived agent never accumulates manifests past the
// configured retention window.
func pruneBackupsLoop(ctx context.Context, a *agent.Agent, retentionDays int, log *slog.Logger) {
	if retentionDays <= 0 {
		return
	}
	sweep := func() {
		cutoff := time.Now().AddDate(0, 0, -retentionDays)
		pruned, err := a.PruneBackups(cutoff)
		if err != nil {
			log.Warn("backup retention sweep failed", "error", err)
			return
		}
		if pruned > 0 {
			log.Info("pruned expired backup manifests", "count", pruned, "retention_days", retentionDays)
		}
	}
	sweep()

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}
