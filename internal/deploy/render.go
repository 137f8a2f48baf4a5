package deploy

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"devnetctl/internal/topology"
)

var ErrUnboundVariable = errors.New("deploy: template variable not bound")

var placeholderPattern = regexp.MustCompile(`\{\{([a-zA-Z0-9_]+)\}\}`)

// Render substitutes {{name}} placeholders from an explicit variable map.
// Every placeholder must be bound; an unbound reference fails the render
// before anything is written.
func Render(name string, tmpl string, vars map[string]string) (string, error) {
	var missing []string
	out := placeholderPattern.ReplaceAllStringFunc(tmpl, func(ref string) string {
		key := placeholderPattern.FindStringSubmatch(ref)[1]
		value, ok := vars[key]
		if !ok {
			missing = append(missing, key)
			return ref
		}
		return value
	})
	if len(missing) > 0 {
		sort.Strings(missing)
		return "", fmt.Errorf("%w: template %q references %s", ErrUnboundVariable, name, strings.Join(missing, ", "))
	}
	return out, nil
}

// NodeVars is the full variable set available to node templates. Values flow
// from the topology by value; templates never read the process environment.
type NodeVars struct {
	NodeID      string
	Host        string
	Role        topology.Role
	BaseDir     string
	DataDir     string
	NodeDir     string
	BinaryPath  string
	GenesisPath string

	P2PPort        int
	VFNPort        int
	RPCPort        int
	MetricsPort    int
	InspectionPort int
	HTTPSPort      int
	AuthRPCPort    int
	RethP2PPort    int
}

func (v NodeVars) toMap() map[string]string {
	return map[string]string{
		"node_id":         v.NodeID,
		"host":            v.Host,
		"role":            v.Role.String(),
		"base_dir":        v.BaseDir,
		"data_dir":        v.DataDir,
		"node_dir":        v.NodeDir,
		"binary_path":     v.BinaryPath,
		"genesis_path":    v.GenesisPath,
		"p2p_port":        strconv.Itoa(v.P2PPort),
		"vfn_port":        strconv.Itoa(v.VFNPort),
		"rpc_port":        strconv.Itoa(v.RPCPort),
		"metrics_port":    strconv.Itoa(v.MetricsPort),
		"inspection_port": strconv.Itoa(v.InspectionPort),
		"https_port":      strconv.Itoa(v.HTTPSPort),
		"authrpc_port":    strconv.Itoa(v.AuthRPCPort),
		"reth_p2p_port":   strconv.Itoa(v.RethP2PPort),
	}
}
