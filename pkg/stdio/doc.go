// Package stdio implements the raw I/O operations of the stdio/TTY plane
// (spec §4.5): single-shot read/write against a process's stdin/stdout/
// stderr or pty master, window resize, and the EAGAIN/EOF semantics the
// dispatcher's WriteStdin/ReadStdout/ReadStderr/TtyWinResize RPCs rely on.
//
// Every function here takes the already-selected *os.File; callers (the
// sandbox package) own locating the Process and picking term_master vs.
// parent_stdin/parent_stdout/parent_stderr under the sandbox lock, then
// drop the lock before calling into this package, per spec §5.
package stdio
