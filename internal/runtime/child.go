package runtime

import (
	"bufio"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gueridon/backend/internal/protocol"
)

// strippedEnvPrefixes lists variables the child must not inherit: they
// advertise a hosting entrypoint and change the child's behaviour.
var strippedEnvPrefixes = []string{
	"CLAUDECODE",
	"CLAUDE_CODE_",
	"GUERIDON_",
}

func childEnv() []string {
	env := os.Environ()
	out := env[:0]
	for _, kv := range env {
		name, _, _ := strings.Cut(kv, "=")
		keep := true
		for _, prefix := range strippedEnvPrefixes {
			if strings.HasPrefix(name, prefix) {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, kv)
		}
	}
	return out
}

// childExit describes how a child terminated.
type childExit struct {
	err      error
	signaled bool
}

// child wraps one spawned agent process. The runtime owns it; only the
// stderr ring is touched from another goroutine.
type child struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	pid   int

	stderrMu   sync.Mutex
	stderrRing []string
	stderrMax  int

	stdinMu     sync.Mutex
	stdinClosed bool
}

type childOptions struct {
	command    string
	args       []string
	dir        string
	resumeID   string
	stderrMax  int
	log        *logrus.Entry
	onEvent    func(protocol.Event)
	onExit     func(childExit)
}

// spawnChild starts the agent for a folder and wires its pipes. The stdout
// reader decodes lines and hands events to onEvent; onExit fires once after
// the process is fully reaped.
func spawnChild(opts childOptions) (*child, error) {
	args := append([]string(nil), opts.args...)
	args = append(args,
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
	)
	if opts.resumeID != "" {
		args = append(args, "--resume", opts.resumeID)
	}

	cmd := exec.Command(opts.command, args...)
	cmd.Dir = opts.dir
	cmd.Env = childEnv()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	c := &child{
		cmd:       cmd,
		stdin:     stdin,
		pid:       cmd.Process.Pid,
		stderrMax: opts.stderrMax,
	}
	opts.log.WithField("pid", c.pid).WithField("resume", opts.resumeID != "").
		Info("spawned agent child")

	go c.readStderr(stderr)
	go c.readStdout(stdout, opts)
	return c, nil
}

func (c *child) readStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 256*1024)
	for scanner.Scan() {
		c.stderrMu.Lock()
		c.stderrRing = append(c.stderrRing, scanner.Text())
		if len(c.stderrRing) > c.stderrMax {
			c.stderrRing = c.stderrRing[len(c.stderrRing)-c.stderrMax:]
		}
		c.stderrMu.Unlock()
	}
}

func (c *child) readStdout(r io.Reader, opts childOptions) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1024*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		opts.onEvent(protocol.DecodeLine(line))
	}

	err := c.cmd.Wait()
	signaled := false
	if exitErr, ok := err.(*exec.ExitError); ok {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			signaled = true
		}
	}
	opts.log.WithField("pid", c.pid).WithError(err).Debug("agent child exited")
	opts.onExit(childExit{err: err, signaled: signaled})
}

// stderrTail returns the retained stderr lines joined for diagnostics.
func (c *child) stderrTail() string {
	c.stderrMu.Lock()
	defer c.stderrMu.Unlock()
	return strings.Join(c.stderrRing, "\n")
}

// writeLine sends one newline-terminated payload on stdin.
func (c *child) writeLine(data []byte) error {
	c.stdinMu.Lock()
	defer c.stdinMu.Unlock()
	if c.stdinClosed {
		return os.ErrClosed
	}
	if _, err := c.stdin.Write(data); err != nil {
		return err
	}
	_, err := c.stdin.Write([]byte("\n"))
	return err
}

// closeStdin signals end of input; the child drains and exits on its own.
func (c *child) closeStdin() {
	c.stdinMu.Lock()
	defer c.stdinMu.Unlock()
	if c.stdinClosed {
		return
	}
	c.stdinClosed = true
	c.stdin.Close()
}

// terminate asks the child to stop and escalates to SIGKILL after the
// given delay if it is still running.
func (c *child) terminate(escalation time.Duration) {
	if c.cmd.Process == nil {
		return
	}
	proc := c.cmd.Process
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return
	}
	time.AfterFunc(escalation, func() {
		// Kill on an already-reaped process is a harmless error.
		proc.Kill()
	})
}
