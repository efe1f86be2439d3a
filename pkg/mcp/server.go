package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"github.com/walteh/vm-curator/pkg/qemu"
	"github.com/walteh/vm-curator/pkg/vm"
)

const serverName = "vm-curator"

// Server exposes a VM library as MCP tools.
type Server struct {
	manager vm.Manager
	srv     *server.MCPServer

	// probe and caps are swapped out in tests.
	probe func(ctx context.Context, socket string) (qemu.Status, error)
	caps  func(ctx context.Context) qemu.NetworkCapabilities
}

func NewServer(ctx context.Context, manager vm.Manager, version string) (*Server, error) {
	s := &Server{
		manager: manager,
		srv: server.NewMCPServer(serverName, version,
			server.WithToolCapabilities(false),
			server.WithLogging(),
		),
		probe: qemu.ProbeStatus,
		caps:  qemu.DetectNetworkCapabilities,
	}

	tools, err := s.tools()
	if err != nil {
		return nil, err
	}
	for _, t := range tools {
		s.srv.AddTool(t.tool, s.wrap(t.tool.Name, t.handler))
	}

	zerolog.Ctx(ctx).Debug().Int("tools", len(tools)).Msg("registered tools")
	return s, nil
}

func (s *Server) Server() *server.MCPServer {
	return s.srv
}

type toolHandler func(ctx context.Context, args map[string]interface{}) (interface{}, error)

type registeredTool struct {
	tool    mcp.Tool
	handler toolHandler
}

// wrap turns a handler result into JSON text and a handler error into an
// error result the model can read.
func (s *Server) wrap(name string, h toolHandler) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		logger := zerolog.Ctx(ctx).With().Str("tool", name).Logger()

		out, err := h(logger.WithContext(ctx), request.Params.Arguments)
		if err != nil {
			logger.Warn().Err(err).Msg("tool failed")
			return mcp.NewToolResultError(err.Error()), nil
		}
		if text, ok := out.(string); ok {
			return mcp.NewToolResultText(text), nil
		}
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return nil, errors.Errorf("encoding %s result: %w", name, err)
		}
		return mcp.NewToolResultText(string(data)), nil
	}
}

func stringArg(args map[string]interface{}, key string) (string, bool) {
	v, ok := args[key]
	if !ok || v == nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case float64, bool:
		return fmt.Sprint(t), true
	}
	return "", false
}

func requiredString(args map[string]interface{}, key string) (string, error) {
	v, ok := stringArg(args, key)
	if !ok || v == "" {
		return "", errors.Errorf("%s parameter is required", key)
	}
	return v, nil
}

func stringsArg(args map[string]interface{}, key string) ([]string, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return nil, nil
	}
	list, ok := v.([]interface{})
	if !ok {
		return nil, errors.Errorf("%s must be an array of strings", key)
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		str, ok := item.(string)
		if !ok {
			return nil, errors.Errorf("%s must be an array of strings", key)
		}
		out = append(out, str)
	}
	return out, nil
}
