package supervise

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/ethclient"
)

// Alive is a non-destructive existence probe: signal 0 reaches the process
// without affecting it.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, syscall.Signal(0))
	return err == nil || err == syscall.EPERM
}

// AliveRecord combines the existence probe with the record's identity check.
// When /proc exposes a start-ticks value that disagrees with the record, the
// PID has been reused by an unrelated process and the node counts as dead.
func AliveRecord(rec Record) bool {
	if !Alive(rec.PID) {
		return false
	}
	if rec.StartTicks == 0 {
		return true
	}
	ticks, err := procStartTicks(rec.PID)
	if err != nil {
		return true // /proc unavailable, fall back to signal probe
	}
	return ticks == rec.StartTicks
}

// procStartTicks reads field 22 (starttime) from /proc/<pid>/stat. The comm
// field may contain spaces, so parsing starts after the closing paren.
func procStartTicks(pid int) (uint64, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, err
	}
	end := bytes.LastIndexByte(data, ')')
	if end < 0 {
		return 0, fmt.Errorf("malformed stat for pid %d", pid)
	}
	fields := strings.Fields(string(data[end+1:]))
	// starttime is field 22 overall; fields[0] here is field 3 (state).
	if len(fields) < 20 {
		return 0, fmt.Errorf("short stat for pid %d", pid)
	}
	return strconv.ParseUint(fields[19], 10, 64)
}

// ReadPIDFile returns the recorded PID, or 0 when the file is absent.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("pid file %s is corrupt: %w", path, err)
	}
	return pid, nil
}

// ChainHeight queries a node's RPC endpoint for its current block number.
// Advisory: callers treat failures as "unreachable", never as phase errors.
func ChainHeight(ctx context.Context, rpcURL string) (uint64, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return 0, err
	}
	defer client.Close()
	return client.BlockNumber(ctx)
}

// BinaryHash fingerprints the node binary so the registry can tell which
// build a recorded process was started from.
func BinaryHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
