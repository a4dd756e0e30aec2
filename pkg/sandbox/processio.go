package sandbox

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os/exec"
	"strconv"
	"strings"

	"github.com/cuemby/kata-agent/pkg/agenterr"
	"github.com/cuemby/kata-agent/pkg/stdio"
)

func (sb *Sandbox) findProcess(id, execID string) (*Container, *Process, bool) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	c, ok := sb.containers[id]
	if !ok {
		return nil, nil, false
	}
	p, ok := c.process(execID)
	if !ok {
		return nil, nil, false
	}
	return c, p, true
}

// WriteStdin writes data to a process's terminal (if any) or stdin (spec
// §4.5 write_stream). The sandbox lock is never held across the syscall.
func (sb *Sandbox) WriteStdin(id, execID string, data []byte) (int, error) {
	_, p, ok := sb.findProcess(id, execID)
	if !ok {
		return 0, agenterr.Newf(agenterr.IO, "write_stream", "process %s/%s not found", id, execID)
	}

	fd := p.TermMaster
	if fd == nil {
		fd = p.ParentStdin
	}
	if fd == nil {
		return 0, agenterr.Newf(agenterr.IO, "write_stream", "no writable stdio fd for %s/%s", id, execID)
	}

	n, err := stdio.Write(fd, data)
	if err != nil {
		return 0, agenterr.New(agenterr.IO, "write_stream", err)
	}
	return n, nil
}

// ReadStdout/ReadStderr share this implementation (spec §4.5 read_stream):
// term_master wins when present, otherwise stdout or stderr depending on
// stdoutFlag.
func (sb *Sandbox) readStream(id, execID string, length int, stdoutFlag bool) ([]byte, error) {
	_, p, ok := sb.findProcess(id, execID)
	if !ok {
		return nil, agenterr.Newf(agenterr.InvalidArgument, "read_stream", "process %s/%s not found", id, execID)
	}

	fd := p.TermMaster
	if fd == nil {
		if stdoutFlag {
			fd = p.ParentStdout
		} else {
			fd = p.ParentStderr
		}
	}
	if fd == nil {
		return nil, agenterr.Newf(agenterr.InvalidArgument, "read_stream", "no readable stdio fd for %s/%s", id, execID)
	}

	buf, err := stdio.Read(fd, length)
	if err != nil {
		return nil, agenterr.New(agenterr.IO, "read_stream", err)
	}
	return buf, nil
}

// ReadStdout reads at most length bytes from a process's stdout (or its
// pty, if it has one).
func (sb *Sandbox) ReadStdout(id, execID string, length int) ([]byte, error) {
	return sb.readStream(id, execID, length, true)
}

// ReadStderr reads at most length bytes from a process's stderr (or its
// pty, if it has one).
func (sb *Sandbox) ReadStderr(id, execID string, length int) ([]byte, error) {
	return sb.readStream(id, execID, length, false)
}

// CloseStdin closes and clears a process's term_master then parent_stdin,
// in that order (spec §4.5).
func (sb *Sandbox) CloseStdin(id, execID string) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	c, ok := sb.containers[id]
	if !ok {
		return agenterr.Newf(agenterr.InvalidArgument, "close_stdin", "container %s not found", id)
	}
	p, ok := c.process(execID)
	if !ok {
		return agenterr.Newf(agenterr.InvalidArgument, "close_stdin", "process %s not found", execID)
	}

	closeAndClear(&p.TermMaster)
	closeAndClear(&p.ParentStdin)
	return nil
}

// TtyWinResize issues TIOCSWINSZ against a process's pty master (spec
// §4.5). A process without a terminal reports Unavailable.
func (sb *Sandbox) TtyWinResize(id, execID string, rows, cols uint16) error {
	_, p, ok := sb.findProcess(id, execID)
	if !ok {
		return agenterr.Newf(agenterr.Unavailable, "tty_win_resize", "process %s/%s not found", id, execID)
	}
	if p.TermMaster == nil {
		return agenterr.Newf(agenterr.Unavailable, "tty_win_resize", "process %s/%s has no tty", id, execID)
	}
	if err := stdio.Resize(p.TermMaster, rows, cols); err != nil {
		return agenterr.New(agenterr.Internal, "tty_win_resize", err)
	}
	return nil
}

// ListProcesses implements spec §4.7: json format returns the container's
// PID set; table format execs ps and filters its output down to the
// container's PIDs, keeping the header line unconditionally.
func (sb *Sandbox) ListProcesses(id, format string, args []string) ([]byte, error) {
	sb.mu.Lock()
	c, ok := sb.containers[id]
	var pids map[int]struct{}
	if ok {
		pids = make(map[int]struct{}, len(c.Processes))
		for pid := range c.Processes {
			pids[pid] = struct{}{}
		}
	}
	sb.mu.Unlock()
	if !ok {
		return nil, agenterr.Newf(agenterr.InvalidArgument, "list_processes", "container %s not found", id)
	}

	switch format {
	case "json":
		list := make([]int, 0, len(pids))
		for pid := range pids {
			list = append(list, pid)
		}
		raw, err := json.Marshal(list)
		if err != nil {
			return nil, agenterr.New(agenterr.Internal, "list_processes", err)
		}
		return raw, nil

	case "table":
		if len(args) == 0 {
			args = []string{"-ef"}
		}
		out, err := exec.Command("ps", args...).Output()
		if err != nil {
			return nil, agenterr.New(agenterr.Internal, "list_processes", err)
		}
		return filterPSOutput(out, pids)

	default:
		return nil, agenterr.Newf(agenterr.InvalidArgument, "list_processes", "unknown format %q", format)
	}
}

// filterPSOutput keeps ps's header line and any body line whose PID column
// is in pids.
func filterPSOutput(out []byte, pids map[int]struct{}) ([]byte, error) {
	scanner := bufio.NewScanner(bytes.NewReader(out))
	var result bytes.Buffer
	pidCol := -1

	if scanner.Scan() {
		header := scanner.Text()
		result.WriteString(header)
		result.WriteByte('\n')
		for i, col := range strings.Fields(header) {
			if col == "PID" {
				pidCol = i
				break
			}
		}
	}

	if pidCol < 0 {
		return result.Bytes(), nil
	}

	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.Fields(line)
		if pidCol >= len(fields) {
			continue
		}
		pid, err := strconv.Atoi(fields[pidCol])
		if err != nil {
			continue
		}
		if _, ok := pids[pid]; ok {
			result.WriteString(line)
			result.WriteByte('\n')
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, agenterr.New(agenterr.Internal, "list_processes", err)
	}
	return result.Bytes(), nil
}
