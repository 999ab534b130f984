package command

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/guseggert/scriptrelay/sandbox"
	"go.uber.org/zap"
)

const (
	// ArtifactPlaceholder is replaced with the artifact path in every argument of the command.
	ArtifactPlaceholder = "{artifact}"
	// SessionPlaceholder is replaced with the session ID, in the arguments of both the command and the kill command.
	SessionPlaceholder = "{session}"
)

// killTimeout bounds how long the kill command may take.
const killTimeout = 10 * time.Second

// DefaultCommand and DefaultArgs run the artifact as a Python script in a throwaway container
// with networking disabled. Stdin stays open and no TTY is allocated.
// The container belongs to the Docker daemon, not to the docker client process, so killing the client
// leaves it running. DefaultKillCommand and DefaultKillArgs kill it by name.
var (
	DefaultCommand = "docker"
	DefaultArgs    = []string{
		"run", "--rm", "-i",
		"--name", "scriptrelay-" + SessionPlaceholder,
		"--network", "none",
		"-v", ArtifactPlaceholder + ":/app/script.py:ro",
		"python:3.11-slim",
		"python", "-u", "/app/script.py",
	}
	DefaultKillCommand = "docker"
	DefaultKillArgs    = []string{"kill", "scriptrelay-" + SessionPlaceholder}
)

// Runtime invokes an external isolation tool as a subprocess on the underlying host.
// The tool is opaque: the runtime only wires its standard streams and signals it.
// When the tool hands the workload to another owner, such as a container daemon,
// KillCommand is run on kill to reach the workload too.
type Runtime struct {
	Command     string
	Args        []string
	KillCommand string
	KillArgs    []string
	Env         []string
	Dir         string
	Log         *zap.SugaredLogger
}

type Option func(r *Runtime)

// WithCommand sets the isolation tool. It clears the kill command, which belongs to the default tool,
// so pass WithKillCommand after it if the new tool needs one.
func WithCommand(cmd string, args ...string) Option {
	return func(r *Runtime) {
		r.Command = cmd
		r.Args = args
		r.KillCommand = ""
		r.KillArgs = nil
	}
}

// WithKillCommand sets the command run when a process is killed, after its process group is signaled.
func WithKillCommand(cmd string, args ...string) Option {
	return func(r *Runtime) {
		r.KillCommand = cmd
		r.KillArgs = args
	}
}

func WithEnv(env ...string) Option {
	return func(r *Runtime) {
		r.Env = append(r.Env, env...)
	}
}

func WithDir(dir string) Option {
	return func(r *Runtime) {
		r.Dir = dir
	}
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(r *Runtime) {
		r.Log = l.Named("command_runtime")
	}
}

func New(opts ...Option) *Runtime {
	r := &Runtime{
		Command:     DefaultCommand,
		Args:        DefaultArgs,
		KillCommand: DefaultKillCommand,
		KillArgs:    DefaultKillArgs,
		Log:         zap.NewNop().Sugar(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// ExpandArgs returns the runtime's arguments with the placeholders substituted.
func (r *Runtime) ExpandArgs(req sandbox.StartRequest) []string {
	return expand(r.Args, req)
}

// ExpandKillArgs returns the kill command's arguments with the placeholders substituted.
func (r *Runtime) ExpandKillArgs(req sandbox.StartRequest) []string {
	return expand(r.KillArgs, req)
}

func expand(tmpl []string, req sandbox.StartRequest) []string {
	replacer := strings.NewReplacer(ArtifactPlaceholder, req.ArtifactPath, SessionPlaceholder, req.SessionID)
	args := make([]string, len(tmpl))
	for i, a := range tmpl {
		args[i] = replacer.Replace(a)
	}
	return args
}

func (r *Runtime) Start(ctx context.Context, req sandbox.StartRequest) (sandbox.Process, error) {
	args := r.ExpandArgs(req)
	cmd := exec.Command(r.Command, args...)
	cmd.Dir = r.Dir
	if env := append(append([]string{}, r.Env...), req.Env...); len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	// own process group, so that a kill reaches the interpreter's children too
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdin pipe: %w", err)
	}

	// stdout and stderr share one pipe so that chunks keep the order the process wrote them in
	outR, outW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("opening output pipe: %w", err)
	}
	cmd.Stdout = outW
	cmd.Stderr = outW

	start := time.Now()
	err = cmd.Start()
	outW.Close()
	if err != nil {
		outR.Close()
		stdin.Close()
		return nil, fmt.Errorf("starting %s: %w", r.Command, err)
	}
	r.Log.Debugw("process started", "SessionID", req.SessionID, "PID", cmd.Process.Pid, "Command", r.Command, "Args", args)

	p := &proc{
		log:   r.Log,
		cmd:   cmd,
		stdin: stdin,
		out:   &closingReader{f: outR},
		start: start,
		done:  make(chan struct{}),
	}
	if r.KillCommand != "" {
		p.killCmd = append([]string{r.KillCommand}, r.ExpandKillArgs(req)...)
	}
	go p.wait()
	return p, nil
}

type proc struct {
	log   *zap.SugaredLogger
	cmd   *exec.Cmd
	stdin io.WriteCloser
	out   *closingReader
	start time.Time
	// killCmd is run on kill when set, with the placeholders already expanded
	killCmd []string

	done   chan struct{}
	result sandbox.Result
	err    error

	killOnce sync.Once
}

func (p *proc) Output() io.Reader { return p.out }

func (p *proc) WriteStdin(b []byte) error {
	_, err := p.stdin.Write(b)
	return err
}

func (p *proc) Kill() error {
	var err error
	p.killOnce.Do(func() {
		p.stdin.Close()
		select {
		case <-p.done:
			return
		default:
		}
		// the workload first, while the process that launched it is still around
		var killErr error
		if len(p.killCmd) > 0 {
			killErr = p.runKillCmd()
		}
		pid := p.cmd.Process.Pid
		err = syscall.Kill(-pid, syscall.SIGKILL)
		if errors.Is(err, syscall.ESRCH) {
			err = nil
		}
		if err != nil {
			p.log.Debugf("killing process group %d: %s", pid, err)
			err = p.cmd.Process.Kill()
			if errors.Is(err, os.ErrProcessDone) {
				err = nil
			}
		}
		err = errors.Join(killErr, err)
	})
	return err
}

// runKillCmd runs the kill command, for workloads that don't die with the process group.
func (p *proc) runKillCmd() error {
	ctx, cancel := context.WithTimeout(context.Background(), killTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, p.killCmd[0], p.killCmd[1:]...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("running kill command %v: %w: %s", p.killCmd, err, strings.TrimSpace(string(out)))
	}
	p.log.Debugw("kill command succeeded", "Command", p.killCmd)
	return nil
}

func (p *proc) Wait(ctx context.Context) (*sandbox.Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		res := p.result
		return &res, p.err
	}
}

func (p *proc) wait() {
	defer close(p.done)
	err := p.cmd.Wait()
	p.result.TimeMS = time.Since(p.start).Milliseconds()
	p.result.ExitCode = ExitCode(p.cmd.ProcessState)
	if err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			p.err = err
		}
	}
	p.log.Debugw("process exited", "PID", p.cmd.Process.Pid, "ExitCode", p.result.ExitCode, "TimeMS", p.result.TimeMS)
}

// ExitCode returns the exit status of a finished process, or 128+N when it was terminated by signal N.
func ExitCode(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return state.ExitCode()
}

// closingReader closes the underlying pipe once it has been read to completion.
type closingReader struct {
	f    *os.File
	once sync.Once
}

func (r *closingReader) Read(b []byte) (int, error) {
	n, err := r.f.Read(b)
	if err != nil {
		r.once.Do(func() { r.f.Close() })
	}
	return n, err
}
