package lmcp

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"gitlab.com/tozd/go/errors"
)

type LMCPOpts struct {
	HTTPMode       bool
	HTTPAddr       string
	DisableLogFile bool
	LogLevelStr    string
	// LogDir overrides MyLogFileDir.
	LogDir string
}

type ServerSetupFunc func(ctx context.Context) (*server.MCPServer, error)

// ServeFunc builds the server with csrv and serves it until ctx is done or
// the transport fails.
type ServeFunc func(ctx context.Context, csrv ServerSetupFunc) error

func MyLogFileDir() (string, error) {
	cachedir, err := os.UserCacheDir()
	if err != nil {
		return "", errors.Errorf("getting user cache directory: %w", err)
	}
	return filepath.Join(cachedir, "vm-curator", "logs"), nil
}

// WrapMCPServerWithLogging sets up the process logger for an MCP server and
// returns the function that serves it. In stdio mode stdout belongs to the
// protocol, so logs only go to the log file.
func WrapMCPServerWithLogging(ctx context.Context, opts LMCPOpts) (ServeFunc, error) {
	writers := []io.Writer{}

	event := map[string]string{
		"source": "vm-curator-mcp",
	}

	level, err := zerolog.ParseLevel(opts.LogLevelStr)
	if err != nil || opts.LogLevelStr == "" {
		if opts.HTTPMode && err != nil {
			fmt.Fprintf(os.Stderr, "Invalid log level '%s', using 'info'\n", opts.LogLevelStr)
		}
		level = zerolog.InfoLevel
	}

	if opts.HTTPMode {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
		event["mode"] = "http"
	} else {
		event["mode"] = "stdio"
	}

	logFileCloser := func() error { return nil }

	if !opts.DisableLogFile {
		logdir := opts.LogDir
		if logdir == "" {
			if logdir, err = MyLogFileDir(); err != nil {
				return nil, errors.Errorf("getting log file directory: %w", err)
			}
		}
		if err := os.MkdirAll(logdir, 0o755); err != nil {
			return nil, errors.Errorf("creating log directory: %w", err)
		}

		logfileWithTime := filepath.Join(logdir, "mcp."+time.Now().Format("2006-01-02_15-04-05")+".log")
		logFile, err := os.Create(logfileWithTime)
		if err != nil {
			return nil, errors.Errorf("creating log file: %w", err)
		}
		logFileCloser = logFile.Close

		writers = append(writers, logFile)
		event["log_file"] = logfileWithTime
	} else if !opts.HTTPMode {
		return nil, errors.New("log file cannot be disabled in stdio mode")
	}

	loggerpre := zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Caller()
	for k, v := range event {
		loggerpre = loggerpre.Str(k, v)
	}
	zlog.Logger = loggerpre.Logger().Level(level)
	logger := zlog.Logger

	logger.Info().Msg("starting MCP server")

	if opts.HTTPMode {
		return func(ctx context.Context, csrv ServerSetupFunc) error {
			defer logFileCloser()
			ctx = logger.WithContext(ctx)

			srv, err := csrv(ctx)
			if err != nil {
				return errors.Errorf("creating server: %w", err)
			}

			sseServer := server.NewSSEServer(srv,
				server.WithSSEContextFunc(func(rctx context.Context, r *http.Request) context.Context {
					return logger.With().Str("remote", r.RemoteAddr).Logger().WithContext(rctx)
				}),
			)

			httpServer := &http.Server{
				Addr:    opts.HTTPAddr,
				Handler: loggerMiddleware(sseServer, logger),
			}

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				httpServer.Shutdown(shutdownCtx)
			}()

			logger.Info().Str("address", opts.HTTPAddr).Msg("server is ready to accept connections")
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errors.Errorf("serving http: %w", err)
			}
			return nil
		}, nil
	}

	errorWriter := &logWriter{
		logger: logger.With().Str("source", "mcp_stdio_error_logs").Logger(),
	}
	stdLogger := log.New(errorWriter, "", 0)

	return func(ctx context.Context, csrv ServerSetupFunc) error {
		defer logFileCloser()
		ctx = logger.WithContext(ctx)

		srv, err := csrv(ctx)
		if err != nil {
			return errors.Errorf("creating server: %w", err)
		}

		logger.Info().Msg("starting ServeStdio")
		return server.ServeStdio(srv, server.WithErrorLogger(stdLogger))
	}, nil
}
