package launchscript

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"gitlab.com/tozd/go/errors"

	"github.com/walteh/vm-curator/pkg/qemuconfig"
)

func readNetwork(s *script) *qemuconfig.NetworkConfig {
	clauses := s.clauses(networkFlags...)
	if len(clauses) == 0 {
		return nil
	}
	net := qemuconfig.DefaultNetwork()
	if c, backend, ok := backendClause(s, clauses); ok {
		attrs := splitAttrs(s.arg(c))
		net.Backend = backend
		net.UserNet = backend == qemuconfig.NetUser || backend == qemuconfig.NetPasst
		if a, ok := findAttr(attrs, "br"); ok {
			net.Bridge = a.value
		}
		net.PortForwards = parseForwards(attrs)
	}
	if site, ok := findModelSite(s, clauses); ok {
		net.Model = unquote(s.arg(site.c)[site.start:site.end])
	}
	return &net
}

// backendClause is the first network clause naming a backend. "-net nic"
// only declares the adapter and is skipped.
func backendClause(s *script, clauses []clause) (clause, qemuconfig.NetBackend, bool) {
	for _, c := range clauses {
		if !c.hasArg() {
			continue
		}
		if b, ok := qemuconfig.NetBackends.Lookup(kind(splitAttrs(s.arg(c)))); ok {
			return c, b, true
		}
	}
	return clause{}, "", false
}

// modelSite is the span of a script that names the NIC model: a model=
// value, or the device name of "-device <model>,netdev=<id>".
type modelSite struct {
	c     clause
	start int
	end   int
}

func findModelSite(s *script, clauses []clause) (modelSite, bool) {
	for _, c := range clauses {
		if !c.hasArg() {
			continue
		}
		if a, ok := findAttr(splitAttrs(s.arg(c)), "model"); ok {
			return modelSite{c: c, start: a.valStart, end: a.valEnd}, true
		}
	}
	devs := netDevices(s)
	if len(devs) == 0 {
		return modelSite{}, false
	}
	arg := s.arg(devs[0])
	attrs := splitAttrs(arg)
	start, end := trimOuterQuotes(arg, attrs[0].start, attrs[0].end)
	return modelSite{c: devs[0], start: start, end: end}, true
}

// netDevices are the -device clauses wired to a -netdev.
func netDevices(s *script) []clause {
	var out []clause
	for _, c := range s.clauses(flagDevice) {
		if !c.hasArg() {
			continue
		}
		attrs := splitAttrs(s.arg(c))
		if _, ok := findAttr(attrs, "netdev"); ok && kind(attrs) != "" {
			out = append(out, c)
		}
	}
	return out
}

func parseForwards(attrs []attr) []qemuconfig.PortForward {
	var out []qemuconfig.PortForward
	for _, a := range attrs {
		if !a.hasValue() {
			continue
		}
		var pf qemuconfig.PortForward
		var ok bool
		switch a.key {
		case "hostfwd":
			pf, ok = parseHostfwd(a.value)
		case "tcp-ports":
			pf, ok = parsePortPair(qemuconfig.ProtocolTCP, a.value)
		case "udp-ports":
			pf, ok = parsePortPair(qemuconfig.ProtocolUDP, a.value)
		}
		if ok {
			out = append(out, pf)
		}
	}
	return out
}

// parseHostfwd reads "[tcp|udp]:[hostaddr]:hostport-[guestaddr]:guestport".
func parseHostfwd(v string) (qemuconfig.PortForward, bool) {
	proto, rest, ok := strings.Cut(v, ":")
	if !ok {
		return qemuconfig.PortForward{}, false
	}
	p := qemuconfig.ProtocolTCP
	if proto != "" {
		if p, ok = qemuconfig.PortProtocols.Lookup(proto); !ok {
			return qemuconfig.PortForward{}, false
		}
	}
	host, guest, ok := strings.Cut(rest, "-")
	if !ok {
		return qemuconfig.PortForward{}, false
	}
	hp, err1 := parsePort(host[strings.LastIndexByte(host, ':')+1:])
	gp, err2 := parsePort(guest[strings.LastIndexByte(guest, ':')+1:])
	if err1 != nil || err2 != nil {
		return qemuconfig.PortForward{}, false
	}
	return qemuconfig.PortForward{Protocol: p, HostPort: hp, GuestPort: gp}, true
}

// parsePortPair reads "host:guest" or a single port forwarded to itself.
func parsePortPair(p qemuconfig.PortProtocol, v string) (qemuconfig.PortForward, bool) {
	host, guest, ok := strings.Cut(v, ":")
	if !ok {
		guest = host
	}
	hp, err1 := parsePort(host)
	gp, err2 := parsePort(guest)
	if err1 != nil || err2 != nil {
		return qemuconfig.PortForward{}, false
	}
	return qemuconfig.PortForward{Protocol: p, HostPort: hp, GuestPort: gp}, true
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	return uint16(n), err
}

// SetNetwork regenerates the backend clause. An empty Model keeps the current
// adapter; an empty Bridge means DefaultBridge.
type SetNetwork struct {
	Backend      qemuconfig.NetBackend
	Model        string
	Bridge       string
	PortForwards []qemuconfig.PortForward
}

func (SetNetwork) Field() string { return "network" }

func (n SetNetwork) bridge() string {
	if n.Bridge == "" {
		return qemuconfig.DefaultBridge
	}
	return n.Bridge
}

func (n SetNetwork) validate(ed *editor) error {
	if _, ok := qemuconfig.NetBackends.Token(n.Backend); !ok {
		return ed.fail(string(n.Backend), ErrNoToken)
	}
	for _, pf := range n.PortForwards {
		if _, ok := qemuconfig.PortProtocols.Token(pf.Protocol); !ok {
			return ed.fail(string(pf.Protocol), ErrNoToken)
		}
		if pf.HostPort == 0 || pf.GuestPort == 0 {
			return ed.fail(pf.String(), ErrInvalidValue)
		}
	}
	if strings.ContainsAny(n.Model, ", \t\"'\\") || strings.ContainsAny(n.Bridge, ", \t\"'\\") {
		return ed.fail("", ErrInvalidValue)
	}
	return nil
}

// backendArg renders a network clause argument in the dialect of flag: -nic
// carries the model, -netdev needs an id.
func (n SetNetwork) backendArg(flag, id, mac, model string) string {
	tok, _ := qemuconfig.NetBackends.Token(n.Backend)
	if n.Backend == qemuconfig.NetNone {
		return tok
	}
	parts := []string{tok}
	if flag == flagNetdev {
		if id == "" {
			id = "net0"
		}
		parts = append(parts, "id="+id)
	}
	if n.Backend == qemuconfig.NetBridge {
		parts = append(parts, "br="+n.bridge())
	}
	if flag == flagNIC {
		if model != "" {
			parts = append(parts, "model="+model)
		}
		if mac != "" {
			parts = append(parts, "mac="+mac)
		}
	}
	for _, pf := range n.PortForwards {
		proto, _ := qemuconfig.PortProtocols.Token(pf.Protocol)
		switch n.Backend {
		case qemuconfig.NetUser:
			parts = append(parts, fmt.Sprintf("hostfwd=%s::%d-:%d", proto, pf.HostPort, pf.GuestPort))
		case qemuconfig.NetPasst:
			parts = append(parts, fmt.Sprintf("%s-ports=%d:%d", proto, pf.HostPort, pf.GuestPort))
		}
	}
	return strings.Join(parts, ",")
}

func (n SetNetwork) apply(ed *editor, _ qemuconfig.QemuConfig) error {
	if err := n.validate(ed); err != nil {
		return err
	}
	clauses := ed.clauses(networkFlags...)
	if n.Backend == qemuconfig.NetNone {
		return n.applyNone(ed, clauses)
	}
	if len(clauses) == 0 {
		return ed.insert(flagNIC + " " + n.backendArg(flagNIC, "", "", n.Model))
	}

	bc, _, ok := backendClause(ed.script, clauses)
	if !ok {
		if err := ed.insert(flagNet + " " + n.backendArg(flagNet, "", "", "")); err != nil {
			return err
		}
	} else {
		attrs := splitAttrs(ed.arg(bc))
		var id, mac, model string
		if a, ok := findAttr(attrs, "id"); ok {
			id = a.value
		}
		if a, ok := findAttr(attrs, "mac"); ok {
			mac = a.value
		}
		if a, ok := findAttr(attrs, "model"); ok {
			model = a.value
		}
		if n.Model != "" {
			model = n.Model
		}
		ed.apply(replaceArg(bc, n.backendArg(bc.flag, id, mac, model)))
		if bc.flag == flagNIC {
			return nil
		}
	}
	if n.Model == "" {
		return nil
	}
	return n.applyModel(ed)
}

// applyModel rewrites the adapter model after the backend is in place.
func (n SetNetwork) applyModel(ed *editor) error {
	clauses := ed.clauses(networkFlags...)
	if site, ok := findModelSite(ed.script, clauses); ok {
		ed.apply(edit{line: site.c.line, start: site.c.argStart + site.start, end: site.c.argStart + site.end, text: n.Model})
		return nil
	}
	for _, c := range clauses {
		if c.flag == flagNet && c.hasArg() && kind(splitAttrs(ed.arg(c))) == "nic" {
			ed.apply(edit{line: c.line, start: c.argEnd, end: c.argEnd, text: ",model=" + n.Model})
			return nil
		}
	}
	bc, _, ok := backendClause(ed.script, clauses)
	if ok && bc.flag == flagNetdev {
		id := "net0"
		if a, ok := findAttr(splitAttrs(ed.arg(bc)), "id"); ok {
			id = a.value
		}
		return ed.insert(fmt.Sprintf("%s %s,netdev=%s", flagDevice, n.Model, id))
	}
	return ed.insert(flagNet + " nic,model=" + n.Model)
}

// applyNone leaves a single "-nic none". An existing -nic backend clause is
// reused in place; everything else network related is removed.
func (n SetNetwork) applyNone(ed *editor, clauses []clause) error {
	bc, _, reuse := backendClause(ed.script, clauses)
	reuse = reuse && bc.flag == flagNIC

	var edits []edit
	for _, c := range clauses {
		if reuse && c == bc {
			continue
		}
		edits = append(edits, cutClause(c))
	}
	for _, c := range netDevices(ed.script) {
		edits = append(edits, cutClause(c))
	}
	if reuse {
		edits = append(edits, replaceArg(bc, "none"))
		ed.apply(edits...)
		return nil
	}
	ed.apply(edits...)
	return ed.insert(flagNIC + " none")
}

func (n SetNetwork) satisfiedBy(cfg qemuconfig.QemuConfig) bool {
	nw := cfg.Network
	if nw == nil || nw.Backend != n.Backend {
		return false
	}
	switch n.Backend {
	case qemuconfig.NetNone:
		return true
	case qemuconfig.NetBridge:
		if nw.Bridge != n.bridge() {
			return false
		}
	default:
		if !slices.Equal(nw.PortForwards, n.PortForwards) {
			return false
		}
	}
	return n.Model == "" || nw.Model == n.Model
}

// ParseNetwork builds a SetNetwork from textual settings. Port forwards are
// preset names or "proto:host:guest".
func ParseNetwork(backend, model, bridge string, forwards []string) (SetNetwork, error) {
	b, ok := qemuconfig.NetBackends.LookupFold(backend)
	if !ok {
		return SetNetwork{}, errors.Errorf("parsing network backend %q: %w", backend, ErrNoToken)
	}
	n := SetNetwork{Backend: b, Model: model, Bridge: bridge}
	for _, f := range forwards {
		pf, err := qemuconfig.ParsePortForward(f)
		if err != nil {
			return SetNetwork{}, err
		}
		n.PortForwards = append(n.PortForwards, pf)
	}
	return n, nil
}
