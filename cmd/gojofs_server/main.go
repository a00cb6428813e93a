// Command gojofs_server runs the transactional file server. It restores
// state from the journal logs left by a previous run, serves the TCP
// protocol until interrupted, and shuts the engine down cleanly.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/gojofs/core/engine"
	"github.com/sushant-115/gojofs/core/journal"
	"github.com/sushant-115/gojofs/core/server"
	"github.com/sushant-115/gojofs/pkg/logger"
	"github.com/sushant-115/gojofs/pkg/telemetry"
)

var (
	ipv4Addr         = flag.String("server_ipv4_addr", "127.0.0.1", "IPv4 address to listen on")
	port             = flag.Int("server_port", 8080, "TCP port to listen on")
	directory        = flag.String("server_directory", "", "Directory that holds the served files (must exist)")
	logLevel         = flag.String("log_level", "info", "Minimum log level (debug, info, warn, error)")
	logFormat        = flag.String("log_format", "json", "Log output format (json or console)")
	logFile          = flag.String("log_file", "stdout", "Log destination (stdout, stderr, or a file path)")
	metricsEnabled   = flag.Bool("metrics_enabled", false, "Expose Prometheus metrics")
	metricsPort      = flag.Int("metrics_port", 9090, "Port for the /metrics endpoint")
	txnTimeout       = flag.Duration("transaction_timeout", engine.DefaultTransactionTimeout, "Idle time before a transaction is aborted")
	connTimeout      = flag.Duration("connection_timeout", server.DefaultConnectionTimeout, "Idle time before a silent connection is dropped")
	maxConnections   = flag.Int("max_connections", server.DefaultMaxConnections, "Maximum simultaneous client connections")
	readBandwidth    = flag.Int("read_bandwidth", 0, "Response bandwidth cap in bytes per second (0 = unlimited)")
	scrubOnInterrupt = flag.Bool("scrub_on_interrupt", false, "Remove every file in the served directory on shutdown")
)

func main() {
	flag.Parse()

	dir, err := resolveDirectory(*directory)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	zlogger, err := logger.New(logger.Config{
		Level:      *logLevel,
		Format:     *logFormat,
		OutputFile: *logFile,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer zlogger.Sync()

	tel, telShutdown, err := telemetry.New(telemetry.Config{
		Enabled:        *metricsEnabled,
		ServiceName:    "gojofs",
		PrometheusPort: *metricsPort,
	})
	if err != nil {
		zlogger.Fatal("failed to initialize telemetry", zap.Error(err))
	}
	defer telShutdown(context.Background())

	jrnl := journal.New(dir, zlogger)
	fileSizes, liveTxns, err := jrnl.Recover()
	if err != nil {
		zlogger.Fatal("journal recovery failed", zap.Error(err))
	}
	if err := jrnl.TruncateFiles(fileSizes); err != nil {
		zlogger.Fatal("rollback of uncommitted data failed", zap.Error(err))
	}
	if len(liveTxns) > 0 {
		zlogger.Info("restoring interrupted transactions", zap.Int("count", len(liveTxns)))
	}

	eng, err := engine.New(engine.Config{
		Directory:          dir,
		TransactionTimeout: *txnTimeout,
	}, zlogger, jrnl, tel.Meter)
	if err != nil {
		zlogger.Fatal("failed to build engine", zap.Error(err))
	}
	eng.Restore(liveTxns)

	srv := server.New(server.Config{
		Addr:              fmt.Sprintf("%s:%d", *ipv4Addr, *port),
		ConnectionTimeout: *connTimeout,
		MaxConnections:    *maxConnections,
		ReadBandwidth:     *readBandwidth,
	}, eng, zlogger)
	if err := srv.Listen(); err != nil {
		zlogger.Fatal("failed to bind listen socket", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Serve(ctx); err != nil {
		zlogger.Error("serve ended with error", zap.Error(err))
	}
	eng.Close()

	if *scrubOnInterrupt {
		scrubDirectory(dir, zlogger)
	}
	zlogger.Info("shutdown complete")
}

// resolveDirectory validates the served directory and normalizes it to end
// with the path separator so file names can be joined by concatenation.
func resolveDirectory(dir string) (string, error) {
	if dir == "" {
		return "", fmt.Errorf("--server_directory is required")
	}
	info, err := os.Stat(dir)
	if err != nil {
		return "", fmt.Errorf("cannot use directory %s: %w", dir, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s is not a directory", dir)
	}
	if dir[len(dir)-1] != os.PathSeparator {
		dir += string(os.PathSeparator)
	}
	return dir, nil
}

// scrubDirectory removes every entry in the served directory. Used for test
// deployments that must not leave data behind.
func scrubDirectory(dir string, zlogger *zap.Logger) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		zlogger.Error("failed to scan directory for scrub", zap.Error(err))
		return
	}
	start := time.Now()
	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			zlogger.Warn("failed to remove entry", zap.String("path", path), zap.Error(err))
		}
	}
	zlogger.Info("scrubbed directory",
		zap.String("dir", dir),
		zap.Int("entries", len(entries)),
		zap.Duration("took", time.Since(start)),
	)
}
