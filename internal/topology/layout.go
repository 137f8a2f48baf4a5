package topology

import (
	"fmt"
	"path/filepath"
)

// Runtime directory layout under base_dir. Deploy produces it, the
// supervisor owns it afterwards; both sides agree on paths through these
// helpers instead of re-deriving strings.

func (n NodeSpec) RuntimeDir(baseDir string) string {
	return filepath.Join(baseDir, n.ID)
}

func (n NodeSpec) ConfigDir(baseDir string) string {
	return filepath.Join(n.RuntimeDir(baseDir), "config")
}

func (n NodeSpec) LogsDir(baseDir string) string {
	return filepath.Join(n.RuntimeDir(baseDir), "logs")
}

func (n NodeSpec) ScriptDir(baseDir string) string {
	return filepath.Join(n.RuntimeDir(baseDir), "script")
}

func (n NodeSpec) StartScript(baseDir string) string {
	return filepath.Join(n.ScriptDir(baseDir), "start.sh")
}

func (n NodeSpec) StopScript(baseDir string) string {
	return filepath.Join(n.ScriptDir(baseDir), "stop.sh")
}

func (n NodeSpec) PIDFile(baseDir string) string {
	return filepath.Join(n.ScriptDir(baseDir), "node.pid")
}

// RPCURL is the node's HTTP endpoint used by the status probe.
func (n NodeSpec) RPCURL() string {
	return fmt.Sprintf("http://%s:%d", n.Host, n.RPCPort)
}
