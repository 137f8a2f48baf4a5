// Package supervise owns node process lifecycles once deploy has produced the
// runtime directories: start, stop, status, and the persisted process
// registry backing them.
package supervise

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"devnetctl/internal/tools"
	"devnetctl/internal/topology"
)

var ErrPartialFleet = errors.New("supervise: some nodes failed")

// State is the per-node lifecycle state. Stale means a recorded PID that no
// longer maps to the node's process; it is treated as stopped for start
// decisions.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStale
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStale:
		return "stale"
	default:
		return "unknown"
	}
}

type NodeStatus struct {
	ID     string
	State  State
	PID    int
	Height *uint64
}

type Supervisor struct {
	Spec     topology.ClusterSpec
	Registry *Registry
	Runner   tools.CommandRunner

	// SettleDelay is the fixed wait between spawning a node and re-probing
	// it. A heuristic, not a readiness handshake.
	SettleDelay  time.Duration
	ProbeTimeout time.Duration

	// HeightFn is the advisory chain height query; defaults to ChainHeight.
	HeightFn func(ctx context.Context, rpcURL string) (uint64, error)
}

func New(spec topology.ClusterSpec) *Supervisor {
	return &Supervisor{
		Spec:         spec,
		Registry:     NewRegistry(spec.BaseDir),
		Runner:       tools.ExecRunner{},
		SettleDelay:  2 * time.Second,
		ProbeTimeout: 3 * time.Second,
		HeightFn:     ChainHeight,
	}
}

func (s *Supervisor) runner() tools.CommandRunner {
	if s.Runner == nil {
		return tools.ExecRunner{}
	}
	return s.Runner
}

// Probe resolves one node's lifecycle state. The registry record wins when
// present (it carries the PID-reuse identity check); the PID file covers
// processes started outside the supervisor.
func (s *Supervisor) Probe(node topology.NodeSpec) (State, int) {
	if rec, ok, err := s.Registry.Get(node.ID); err == nil && ok {
		if AliveRecord(rec) {
			return StateRunning, rec.PID
		}
		return StateStale, rec.PID
	}
	pid, err := ReadPIDFile(node.PIDFile(s.Spec.BaseDir))
	if err != nil {
		return StateStale, 0
	}
	if pid == 0 {
		return StateStopped, 0
	}
	if Alive(pid) {
		return StateRunning, pid
	}
	return StateStale, pid
}

// Start brings the selected nodes up, sequentially in config order. Nodes
// already running are warned about and skipped; every failure is collected so
// the whole selection is attempted before the call fails.
func (s *Supervisor) Start(ids []string) error {
	nodes, err := s.Spec.Select(ids)
	if err != nil {
		return err
	}
	var failed []string
	for _, node := range nodes {
		if err := s.startOne(node); err != nil {
			log.Error().Err(err).Str("node", node.ID).Msg("start failed")
			failed = append(failed, node.ID)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%w to start: %s", ErrPartialFleet, strings.Join(failed, ", "))
	}
	return nil
}

func (s *Supervisor) startOne(node topology.NodeSpec) error {
	switch state, pid := s.Probe(node); state {
	case StateRunning:
		log.Warn().Str("node", node.ID).Int("pid", pid).Msg("already running, skipping")
		return nil
	case StateStale:
		log.Warn().Str("node", node.ID).Int("pid", pid).Msg("stale process record, clearing")
		if err := s.clearRecords(node); err != nil {
			return err
		}
	}

	script := node.StartScript(s.Spec.BaseDir)
	if _, err := os.Stat(script); err != nil {
		return fmt.Errorf("start script missing for %q (%s); run deploy first", node.ID, script)
	}
	log.Info().Str("node", node.ID).Msg("starting")
	if _, err := tools.RunChecked(s.runner(), "bash", script); err != nil {
		return err
	}

	time.Sleep(s.SettleDelay)

	pid, err := ReadPIDFile(node.PIDFile(s.Spec.BaseDir))
	if err != nil {
		return err
	}
	if pid == 0 || !Alive(pid) {
		return fmt.Errorf("node %q did not come up (pid=%d)", node.ID, pid)
	}

	rec := Record{NodeID: node.ID, PID: pid, StartedAt: time.Now().Unix()}
	if ticks, err := procStartTicks(pid); err == nil {
		rec.StartTicks = ticks
	}
	if hash, err := BinaryHash(s.Spec.BinaryPath); err == nil {
		rec.BinaryHash = hash
	}
	if err := s.Registry.Put(rec); err != nil {
		return err
	}
	log.Info().Str("node", node.ID).Int("pid", pid).Msg("running")
	return nil
}

// Stop signals the recorded PID of each selected node and clears its records.
// A node with no record is reported informationally, never as an error.
func (s *Supervisor) Stop(ids []string) error {
	nodes, err := s.Spec.Select(ids)
	if err != nil {
		return err
	}
	var failed []string
	for _, node := range nodes {
		if err := s.stopOne(node); err != nil {
			log.Error().Err(err).Str("node", node.ID).Msg("stop failed")
			failed = append(failed, node.ID)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%w to stop: %s", ErrPartialFleet, strings.Join(failed, ", "))
	}
	return nil
}

func (s *Supervisor) stopOne(node topology.NodeSpec) error {
	state, pid := s.Probe(node)
	if pid == 0 {
		log.Info().Str("node", node.ID).Msg("no recorded process, nothing to stop")
		return nil
	}
	if state == StateRunning {
		log.Info().Str("node", node.ID).Int("pid", pid).Msg("stopping")
		if err := syscall.Kill(pid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
			return fmt.Errorf("signal pid %d for node %q: %w", pid, node.ID, err)
		}
	} else {
		log.Info().Str("node", node.ID).Int("pid", pid).Str("state", state.String()).Msg("process already gone, clearing records")
	}
	return s.clearRecords(node)
}

func (s *Supervisor) clearRecords(node topology.NodeSpec) error {
	if err := os.Remove(node.PIDFile(s.Spec.BaseDir)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return s.Registry.Remove(node.ID)
}

// Status reports liveness plus advisory node info for the selection. An
// unreachable node degrades its own entry only; the call itself succeeds.
func (s *Supervisor) Status(ctx context.Context, ids []string) ([]NodeStatus, error) {
	nodes, err := s.Spec.Select(ids)
	if err != nil {
		return nil, err
	}
	statuses := make([]NodeStatus, 0, len(nodes))
	for _, node := range nodes {
		state, pid := s.Probe(node)
		status := NodeStatus{ID: node.ID, State: state, PID: pid}
		if state == StateRunning && s.HeightFn != nil {
			probeCtx, cancel := context.WithTimeout(ctx, s.ProbeTimeout)
			if height, err := s.HeightFn(probeCtx, node.RPCURL()); err == nil {
				status.Height = &height
			} else {
				log.Debug().Err(err).Str("node", node.ID).Msg("height query failed")
			}
			cancel()
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

// Restart bounces the selection with a short grace period between phases.
func (s *Supervisor) Restart(ids []string) error {
	if err := s.Stop(ids); err != nil {
		return err
	}
	time.Sleep(s.SettleDelay)
	return s.Start(ids)
}

// LiveNodes returns the ids of currently running nodes; deploy refuses to
// wipe a base_dir that still has any.
func (s *Supervisor) LiveNodes() []string {
	var live []string
	for _, node := range s.Spec.Nodes {
		if state, _ := s.Probe(node); state == StateRunning {
			live = append(live, node.ID)
		}
	}
	return live
}
