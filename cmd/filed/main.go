// Command filed is the file-transfer server's entry point: it loads a
// plain key=value config file, constructs a TcpServer, wires
// fileserver.NewHandler as its callbacks, and runs until SIGINT/SIGTERM.
// It holds no reactor logic of its own — just signal handling and
// config-driven startup.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/reactorgo/reactorfs/control"
	"github.com/reactorgo/reactorfs/fileserver"
	"github.com/reactorgo/reactorfs/loop"
	"github.com/reactorgo/reactorfs/netutil"
	"github.com/reactorgo/reactorfs/tcp"
)

func main() {
	configPath := flag.String("config", "filed.conf", "path to the key=value config file")
	flag.Parse()

	cfg := control.NewConfigStore()
	if err := loadConfigFile(cfg, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "filed: %v (continuing with defaults)\n", err)
	}

	logger := control.NewLogger(os.Stderr, 256)
	defer logger.Close()

	bindAddr := stringOr(cfg, "bind_addr", "0.0.0.0")
	bindPort := uint16(intOr(cfg, "bind_port", 9981))
	workerCount := intOr(cfg, "worker_count", 4)
	storageDir := stringOr(cfg, "storage_dir", "./filed-storage")
	reusePort := boolOr(cfg, "reuse_port", false)

	addr, err := netutil.NewAddrFromIP(resolveBindIP(bindAddr), bindPort)
	if err != nil {
		fmt.Fprintf(os.Stderr, "filed: invalid bind_addr %q: %v\n", bindAddr, err)
		os.Exit(1)
	}

	cache, err := fileserver.NewCache(storageDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "filed: cache init: %v\n", err)
		os.Exit(1)
	}
	logger.Printf("filed: storage dir %s has %d registered file(s)", storageDir, cache.Len())

	metrics := control.NewMetricsRegistry()
	probes := control.NewDebugProbes()

	baseLoop, err := loop.New(
		loop.WithLogger(logger),
		loop.WithMetrics(metrics),
		loop.WithDebugProbes(probes, "filed.baseLoop"),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "filed: loop init: %v\n", err)
		os.Exit(1)
	}

	loopDone := make(chan struct{})
	go func() {
		baseLoop.Loop()
		close(loopDone)
	}()

	srv, err := tcp.NewTcpServer(baseLoop, addr, "filed", reusePort)
	if err != nil {
		fmt.Fprintf(os.Stderr, "filed: server init: %v\n", err)
		os.Exit(1)
	}
	srv.SetLogger(logger)
	srv.SetMetrics(metrics)
	probes.RegisterProbe("filed.connections", func() any { return srv.Connections() })
	probes.RegisterProbe("filed.metrics", func() any { return metrics.GetSnapshot() })

	handler := fileserver.NewHandler(cache, logger)
	handler.Attach(srv)

	if err := srv.Start(workerCount); err != nil {
		fmt.Fprintf(os.Stderr, "filed: start: %v\n", err)
		os.Exit(1)
	}
	logger.Printf("filed: listening on %s with %d worker thread(s)", addr, workerCount)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	signal.Ignore(syscall.SIGPIPE)

	sig := <-sigCh
	logger.Printf("filed: received signal %v, shutting down", sig)
	srv.Stop()
	baseLoop.Quit()
	<-loopDone
	_ = baseLoop.Close()
}

func resolveBindIP(addr string) string {
	if addr == "0.0.0.0" || addr == "" {
		return "0.0.0.0"
	}
	return addr
}

// loadConfigFile parses a plain key=value file, one pair per line,
// '#'-prefixed lines and blank lines ignored.
func loadConfigFile(cfg *control.ConfigStore, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	values := make(map[string]any)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		values[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	cfg.SetConfig(values)
	return nil
}

func stringOr(cfg *control.ConfigStore, key, def string) string {
	if v, ok := cfg.Get(key); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

func intOr(cfg *control.ConfigStore, key string, def int) int {
	if v, ok := cfg.Get(key); ok {
		if s, ok := v.(string); ok {
			if n, err := strconv.Atoi(s); err == nil {
				return n
			}
		}
	}
	return def
}

func boolOr(cfg *control.ConfigStore, key string, def bool) bool {
	if v, ok := cfg.Get(key); ok {
		if s, ok := v.(string); ok {
			if b, err := strconv.ParseBool(s); err == nil {
				return b
			}
		}
	}
	return def
}
