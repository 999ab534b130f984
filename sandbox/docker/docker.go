package docker

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/guseggert/scriptrelay/sandbox"
	"go.uber.org/zap"
)

// Runtime runs each script in its own Docker container, with the artifact bind-mounted read-only.
// The underlying host must have a Docker daemon running.
// This supports standard environment variables for configuring the Docker client (DOCKER_HOST etc.).
type Runtime struct {
	Log          *zap.SugaredLogger
	DockerClient *client.Client
	Image        string
	// MountPath is where the artifact appears inside the container.
	MountPath string
	// Cmd is the interpreter invocation, run from inside the container.
	Cmd       []string
	PidsLimit int64

	imageMut    sync.Mutex
	imagePulled bool
}

func (r *Runtime) WithLogger(l *zap.SugaredLogger) *Runtime {
	r.Log = l.Named("docker_runtime")
	return r
}

func (r *Runtime) WithImage(img string) *Runtime {
	r.Image = img
	return r
}

func (r *Runtime) WithCmd(mountPath string, cmd ...string) *Runtime {
	r.MountPath = mountPath
	r.Cmd = cmd
	return r
}

// NewRuntime builds a Docker runtime that runs scripts with Python.
func NewRuntime() (*Runtime, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("building Docker client: %w", err)
	}
	return &Runtime{
		Log:          zap.NewNop().Sugar(),
		DockerClient: dockerClient,
		Image:        "python:3.11-slim",
		MountPath:    "/app/script.py",
		Cmd:          []string{"python", "-u", "/app/script.py"},
		PidsLimit:    64,
	}, nil
}

// Prepare pulls the image if the daemon does not have it yet.
func (r *Runtime) Prepare(ctx context.Context) error {
	r.imageMut.Lock()
	defer r.imageMut.Unlock()
	if r.imagePulled {
		return nil
	}
	if _, _, err := r.DockerClient.ImageInspectWithRaw(ctx, r.Image); err == nil {
		r.imagePulled = true
		return nil
	}

	r.Log.Infow("pulling image", "Image", r.Image)
	out, err := r.DockerClient.ImagePull(ctx, r.Image, types.ImagePullOptions{})
	if err != nil {
		if out != nil {
			out.Close()
		}
		return fmt.Errorf("pulling image %q: %w", r.Image, err)
	}
	defer out.Close()
	_, err = io.Copy(io.Discard, out)
	if err != nil {
		return fmt.Errorf("reading Docker pull response: %w", err)
	}
	r.imagePulled = true
	return nil
}

func (r *Runtime) Start(ctx context.Context, req sandbox.StartRequest) (sandbox.Process, error) {
	pidsLimit := r.PidsLimit
	createResp, err := r.DockerClient.ContainerCreate(
		ctx,
		&container.Config{
			Image:           r.Image,
			Cmd:             r.Cmd,
			Env:             req.Env,
			Tty:             false,
			OpenStdin:       true,
			AttachStdin:     true,
			AttachStdout:    true,
			AttachStderr:    true,
			NetworkDisabled: true,
		},
		&container.HostConfig{
			Binds:       []string{fmt.Sprintf("%s:%s:ro", req.ArtifactPath, r.MountPath)},
			AutoRemove:  true,
			NetworkMode: "none",
			CapDrop:     []string{"ALL"},
			SecurityOpt: []string{"no-new-privileges"},
			Resources:   container.Resources{PidsLimit: &pidsLimit},
		},
		nil,
		nil,
		"scriptrelay-"+req.SessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("creating Docker container: %w", err)
	}
	containerID := createResp.ID

	p := &proc{
		log:          r.Log.With("ContainerID", containerID),
		dockerClient: r.DockerClient,
		containerID:  containerID,
		done:         make(chan struct{}),
	}

	hijacked, err := r.DockerClient.ContainerAttach(ctx, containerID, types.ContainerAttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		p.remove()
		return nil, fmt.Errorf("attaching to container %q: %w", containerID, err)
	}
	p.conn = hijacked.Conn

	// register for the exit before starting, otherwise a fast exit races the auto-removal
	waitCh, waitErrCh := r.DockerClient.ContainerWait(context.Background(), containerID, container.WaitConditionNextExit)

	start := time.Now()
	err = r.DockerClient.ContainerStart(ctx, containerID, types.ContainerStartOptions{})
	if err != nil {
		hijacked.Close()
		p.remove()
		return nil, fmt.Errorf("starting container %q: %w", containerID, err)
	}
	p.log.Debugw("container started", "SessionID", req.SessionID)

	outR, outW := io.Pipe()
	p.out = outR
	go func() {
		// stdout and stderr are multiplexed on the attach stream; both go to the same pipe
		_, err := stdcopy.StdCopy(outW, outW, hijacked.Reader)
		outW.CloseWithError(err)
	}()
	go p.wait(start, waitCh, waitErrCh)

	return p, nil
}

type proc struct {
	log          *zap.SugaredLogger
	dockerClient *client.Client
	containerID  string
	conn         net.Conn
	out          io.Reader

	done   chan struct{}
	result sandbox.Result
	err    error

	killOnce sync.Once
}

func (p *proc) Output() io.Reader { return p.out }

func (p *proc) WriteStdin(b []byte) error {
	_, err := p.conn.Write(b)
	return err
}

func (p *proc) Kill() error {
	var err error
	p.killOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err = p.dockerClient.ContainerKill(ctx, p.containerID, "KILL")
		if err != nil && client.IsErrNotFound(err) {
			err = nil
		}
		p.conn.Close()
	})
	return err
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

func (p *proc) wait(start time.Time, waitCh <-chan container.ContainerWaitOKBody, errCh <-chan error) {
	defer close(p.done)
	select {
	case body := <-waitCh:
		p.result.ExitCode = int(body.StatusCode)
		if body.Error != nil && body.Error.Message != "" {
			p.err = fmt.Errorf("waiting for container: %s", body.Error.Message)
		}
	case err := <-errCh:
		p.result.ExitCode = -1
		p.err = fmt.Errorf("waiting for container: %w", err)
	}
	p.result.TimeMS = time.Since(start).Milliseconds()
	p.log.Debugw("container exited", "ExitCode", p.result.ExitCode, "TimeMS", p.result.TimeMS)
}

// remove force-removes a container that never started, auto-removal only applies after a start.
func (p *proc) remove() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := p.dockerClient.ContainerRemove(ctx, p.containerID, types.ContainerRemoveOptions{
		RemoveVolumes: true,
		Force:         true,
	})
	if err != nil {
		p.log.Debugf("removing container: %s", err)
	}
}
