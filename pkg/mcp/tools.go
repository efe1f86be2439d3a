package mcp

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/mark3labs/mcp-go/mcp"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"gitlab.com/tozd/go/errors"

	"github.com/walteh/vm-curator/pkg/launchscript"
	"github.com/walteh/vm-curator/pkg/qemu"
	"github.com/walteh/vm-curator/pkg/qemuconfig"
	"github.com/walteh/vm-curator/pkg/vm"
)

// ChangeFields are the values the change tools accept for "field".
var ChangeFields = []string{
	"memory", "cpu_cores", "cpu_model", "machine", "vga", "audio",
	"kvm", "uefi", "tpm", "network", "disk",
}

func (s *Server) tools() ([]registeredTool, error) {
	changeSchema, err := json.Marshal(ChangeSchema())
	if err != nil {
		return nil, errors.Errorf("marshalling change schema: %w", err)
	}

	return []registeredTool{
		{
			tool: mcp.NewTool("list_vms",
				mcp.WithDescription("List the VMs in the library with their emulator, memory and parse state"),
				mcp.WithString("query", mcp.Description("Case-insensitive filter on name or id")),
				mcp.WithString("category", mcp.Description("Only VMs in this category"), mcp.Enum(categoryNames()...)),
			),
			handler: s.handleListVMs,
		},
		{
			tool: mcp.NewTool("get_vm",
				mcp.WithDescription("Get the full configuration extracted from a VM's launch script"),
				mcp.WithString("id", mcp.Required(), mcp.Description("VM id (its directory name)")),
				mcp.WithBoolean("include_script", mcp.Description("Include the raw launch script")),
			),
			handler: s.handleGetVM,
		},
		{
			tool:    mcp.NewToolWithRawSchema("preview_change", "Show the launch script diff a change would make, without writing it", changeSchema),
			handler: s.handlePreviewChange,
		},
		{
			tool:    mcp.NewToolWithRawSchema("apply_change", "Change one setting in a VM's launch script and return the updated VM", changeSchema),
			handler: s.handleApplyChange,
		},
		{
			tool: mcp.NewTool("list_snapshots",
				mcp.WithDescription("List the snapshots of a VM's primary disk (qcow2 only)"),
				mcp.WithString("id", mcp.Required(), mcp.Description("VM id")),
			),
			handler: s.handleListSnapshots,
		},
		{
			tool: mcp.NewTool("create_snapshot",
				mcp.WithDescription("Create a snapshot of a VM's primary disk; the VM should be shut down"),
				mcp.WithString("id", mcp.Required(), mcp.Description("VM id")),
				mcp.WithString("name", mcp.Required(), mcp.Description("Snapshot name")),
			),
			handler: s.handleCreateSnapshot,
		},
		{
			tool: mcp.NewTool("vm_status",
				mcp.WithDescription("Ask a VM's QMP monitor whether it is running"),
				mcp.WithString("id", mcp.Required(), mcp.Description("VM id")),
			),
			handler: s.handleVMStatus,
		},
		{
			tool: mcp.NewTool("network_capabilities",
				mcp.WithDescription("Report whether this host can run bridged or passt networking"),
				mcp.WithString("bridge", mcp.Description("Bridge to check, default "+qemuconfig.DefaultBridge)),
			),
			handler: s.handleNetworkCapabilities,
		},
	}, nil
}

func categoryNames() []string {
	out := make([]string, 0, len(vm.Categories))
	for _, c := range vm.Categories {
		out = append(out, string(c))
	}
	return out
}

func tokens[T comparable](t qemuconfig.TokenTable[T]) []any {
	var out []any
	for _, e := range t.Entries() {
		out = append(out, e.Token)
	}
	return out
}

// ChangeSchema is the input schema shared by preview_change and apply_change.
func ChangeSchema() *jsonschema.Schema {
	props := orderedmap.New[string, *jsonschema.Schema]()
	props.Set("id", &jsonschema.Schema{Type: "string", Description: "VM id (its directory name)"})

	fields := make([]any, 0, len(ChangeFields))
	for _, f := range ChangeFields {
		fields = append(fields, f)
	}
	props.Set("field", &jsonschema.Schema{Type: "string", Enum: fields, Description: "Setting to change"})
	props.Set("value", &jsonschema.Schema{
		Type: "string",
		Description: "New value. memory: MB or with a unit (\"512\", \"2G\"); audio: comma separated devices or \"none\"; " +
			"kvm/uefi/tpm: on or off; disk: image path. Not used for network",
	})
	props.Set("backend", &jsonschema.Schema{Type: "string", Enum: tokens(qemuconfig.NetBackends), Description: "network: backend"})
	props.Set("model", &jsonschema.Schema{Type: "string", Description: "network: adapter model, e.g. " + strings.Join(qemuconfig.NetworkModels, ", ")})
	props.Set("bridge", &jsonschema.Schema{Type: "string", Description: "network: bridge name for the bridge backend"})
	props.Set("port_forwards", &jsonschema.Schema{
		Type:        "array",
		Items:       &jsonschema.Schema{Type: "string"},
		Description: "network: forwards as proto:host:guest or presets (ssh, rdp, http, https, vnc)",
	})
	props.Set("format", &jsonschema.Schema{Type: "string", Enum: tokens(qemuconfig.DiskFormats), Description: "disk: image format, default from the extension"})
	props.Set("interface", &jsonschema.Schema{Type: "string", Description: "disk: drive interface, default ide"})

	return &jsonschema.Schema{
		Title:       "changeParams",
		Description: "One launch script setting to change",
		Type:        "object",
		Required:    []string{"id", "field"},
		Properties:  props,
	}
}

// ParseChangeArgs turns change tool arguments into a launch script change.
func ParseChangeArgs(args map[string]interface{}) (launchscript.Change, error) {
	field, err := requiredString(args, "field")
	if err != nil {
		return nil, err
	}

	switch field {
	case "network":
		backend, err := requiredString(args, "backend")
		if err != nil {
			return nil, err
		}
		model, _ := stringArg(args, "model")
		bridge, _ := stringArg(args, "bridge")
		forwards, err := stringsArg(args, "port_forwards")
		if err != nil {
			return nil, err
		}
		return launchscript.ParseNetwork(backend, model, bridge, forwards)
	case "disk":
		path, err := requiredString(args, "value")
		if err != nil {
			return nil, err
		}
		d := launchscript.AddDisk{Path: path}
		if f, ok := stringArg(args, "format"); ok && f != "" {
			if d.Format, ok = qemuconfig.DiskFormats.LookupFold(f); !ok {
				return nil, errors.Errorf("unknown disk format %q", f)
			}
		}
		d.Interface, _ = stringArg(args, "interface")
		return d, nil
	}

	value, ok := stringArg(args, "value")
	if !ok {
		return nil, errors.New("value parameter is required")
	}
	return launchscript.ParseChange(field, value)
}

type vmSummary struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Category   string `json:"category"`
	Emulator   string `json:"emulator"`
	MemoryMB   uint32 `json:"memory_mb"`
	Parsed     bool   `json:"parsed"`
	ParseError string `json:"parse_error,omitempty"`
}

func (s *Server) handleListVMs(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	vms, err := s.manager.ListVMs(ctx)
	if err != nil {
		return nil, err
	}
	query, _ := stringArg(args, "query")
	vms = vm.Filter(vms, query)
	category, _ := stringArg(args, "category")

	out := make([]vmSummary, 0, len(vms))
	for _, v := range vms {
		if category != "" && string(v.Category()) != category {
			continue
		}
		out = append(out, vmSummary{
			ID:         v.ID,
			Name:       v.DisplayName(),
			Category:   string(v.Category()),
			Emulator:   v.Config.Emulator.Binary(),
			MemoryMB:   v.Config.MemoryMB,
			Parsed:     v.ParseSuccess,
			ParseError: v.ParseError,
		})
	}
	return out, nil
}

type vmDetail struct {
	*vm.VM
	Name   string `json:"name"`
	Script string `json:"script,omitempty"`
}

func (s *Server) handleGetVM(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	id, err := requiredString(args, "id")
	if err != nil {
		return nil, err
	}
	v, err := s.manager.GetVM(ctx, id)
	if err != nil {
		return nil, err
	}
	d := vmDetail{VM: v, Name: v.DisplayName()}
	if inc, _ := args["include_script"].(bool); inc {
		d.Script = v.Config.RawScript
	}
	return d, nil
}

func (s *Server) handlePreviewChange(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	id, err := requiredString(args, "id")
	if err != nil {
		return nil, err
	}
	change, err := ParseChangeArgs(args)
	if err != nil {
		return nil, err
	}
	p, err := s.manager.PreviewChange(ctx, id, change)
	if err != nil {
		return nil, err
	}
	if !p.Changed {
		return "launch script already has this setting; nothing would change", nil
	}
	return p, nil
}

func (s *Server) handleApplyChange(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	id, err := requiredString(args, "id")
	if err != nil {
		return nil, err
	}
	change, err := ParseChangeArgs(args)
	if err != nil {
		return nil, err
	}
	v, err := s.manager.ApplyChange(ctx, id, change)
	if err != nil {
		return nil, err
	}
	return vmDetail{VM: v, Name: v.DisplayName()}, nil
}

func (s *Server) handleListSnapshots(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	id, err := requiredString(args, "id")
	if err != nil {
		return nil, err
	}
	return s.manager.ListSnapshots(ctx, id)
}

func (s *Server) handleCreateSnapshot(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	id, err := requiredString(args, "id")
	if err != nil {
		return nil, err
	}
	name, err := requiredString(args, "name")
	if err != nil {
		return nil, err
	}
	if err := s.manager.CreateSnapshot(ctx, id, name); err != nil {
		return nil, err
	}
	return "created snapshot " + name + " of " + id, nil
}

func (s *Server) handleVMStatus(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	id, err := requiredString(args, "id")
	if err != nil {
		return nil, err
	}
	v, err := s.manager.GetVM(ctx, id)
	if err != nil {
		return nil, err
	}
	st, err := s.probe(ctx, v.Config.MonitorSocket)
	if err != nil && !errors.Is(err, qemu.ErrNoMonitor) {
		return nil, err
	}
	return map[string]interface{}{
		"id":          id,
		"status":      st,
		"has_monitor": v.Config.MonitorSocket != "",
	}, nil
}

type capabilitiesReport struct {
	qemu.NetworkCapabilities
	Bridge         string   `json:"bridge"`
	BridgeProblems []string `json:"bridge_problems,omitempty"`
	PasstAvailable bool     `json:"passt_available"`
}

func (s *Server) handleNetworkCapabilities(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	bridge, _ := stringArg(args, "bridge")
	if bridge == "" {
		bridge = qemuconfig.DefaultBridge
	}
	caps := s.caps(ctx)
	return capabilitiesReport{
		NetworkCapabilities: caps,
		Bridge:              bridge,
		BridgeProblems:      caps.BridgeProblems(bridge),
		PasstAvailable:      caps.PasstPath != "",
	}, nil
}
