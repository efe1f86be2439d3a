package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"github.com/walteh/vm-curator/pkg/config"
	"github.com/walteh/vm-curator/pkg/lmcp"
	"github.com/walteh/vm-curator/pkg/mcp"
	"github.com/walteh/vm-curator/pkg/qemuimg"
	"github.com/walteh/vm-curator/pkg/vm"
)

var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	defaultConfig, _ := config.DefaultPath()

	configPath := flag.String("config", defaultConfig, "Path to the vm-curator config file")
	library := flag.String("library", getEnv(config.LibraryEnv, ""), "VM library directory (overrides the config file)")
	addr := flag.String("addr", getEnv("MCP_ADDR", ":8250"), "Address to listen on")
	logLevel := flag.String("log-level", getEnv("MCP_LOG_LEVEL", "info"), "Log level")
	disableLogFile := flag.Bool("disable-log-file", false, "Disable log file")
	printLogDir := flag.Bool("print-log-dir", false, "Print log directory")
	http := flag.Bool("http", false, "Serve over HTTP/SSE instead of stdio")
	flag.Parse()

	if *printLogDir {
		logdir, err := lmcp.MyLogFileDir()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(logdir)
		os.Exit(0)
	}

	serve, err := lmcp.WrapMCPServerWithLogging(ctx, lmcp.LMCPOpts{
		HTTPMode:       *http,
		HTTPAddr:       *addr,
		DisableLogFile: *disableLogFile,
		LogLevelStr:    *logLevel,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := serve(ctx, func(ctx context.Context) (*server.MCPServer, error) {
		srv, err := setupServer(ctx, *configPath, *library)
		if err != nil {
			return nil, err
		}
		return srv.Server(), nil
	}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func getEnv(key, fallback string) string {
	value := os.Getenv(key)
	if len(value) == 0 {
		return fallback
	}
	return value
}

func setupServer(ctx context.Context, configPath, library string) (*mcp.Server, error) {
	logger := zerolog.Ctx(ctx)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if library != "" {
		if cfg.Library, err = config.ExpandHome(library); err != nil {
			return nil, err
		}
	}

	manager := vm.NewLocalManager(cfg.Library, qemuimg.Locate(ctx, cfg.QemuImgPath))
	vms, err := manager.Refresh(ctx)
	if err != nil {
		return nil, err
	}
	logger.Info().Str("library", cfg.Library).Int("vms", len(vms)).Msg("loaded VM library")

	go func() {
		if err := manager.Watch(ctx); err != nil {
			logger.Warn().Err(err).Msg("library changes made outside the server will need a restart")
		}
	}()

	return mcp.NewServer(ctx, manager, version)
}
