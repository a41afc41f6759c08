// Package worker implements C7, the Executor: the worker-side component
// that receives a dispatched job over the Session Protocol and runs it
// inside a sandboxed container, plus the worker-side session client that
// drives the per-session state machine from the opposite end of the wire
// (spec.md §4.7, §4.5).
//
// Grounded in the teacher's modules/host/mdm/program.go: a long-running
// goroutine executing a unit of work, posting progress onto a channel, and
// observing ctx.Done() for interruption. Sia's MDM programs mutate a
// storage obligation; Grid-X's programs run arbitrary submitted code, so
// the execution substrate here is a Docker container (github.com/docker/
// docker/client, adopted from the ethereum-go-ethereum repo in the pack --
// see DESIGN.md) standing in for Sia's in-process instruction interpreter.
package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"gitlab.com/NebulousLabs/errors"
	"go.uber.org/zap"

	"github.com/gridx/gridx/build"
	"github.com/gridx/gridx/modules"
)

// languageImages maps a supported Job.Language tag to the pinned container
// image used to run it. Grid-X ships with a single interpreted target per
// spec's non-goals; the map stays open for an operator to configure more.
var languageImages = map[string]string{
	"python": "python:3.11-slim",
}

// languageCommand returns the command used to execute codePath inside the
// container for the given language.
func languageCommand(language, codePath string) ([]string, error) {
	switch language {
	case "python":
		return []string{"python3", codePath}, nil
	default:
		return nil, fmt.Errorf("no command configured for language %q", language)
	}
}

// Result is the outcome of one job run, ready to become a modules.ResultMsg.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Executor runs one job at a time inside a sandboxed Docker container. A
// worker process owns exactly one Executor in the baseline (spec §4.7,
// concurrency deferred per DESIGN.md open question 3).
type Executor struct {
	cli     *client.Client
	cfg     build.Config
	workdir string
	log     *zap.Logger
}

// NewExecutor constructs an Executor backed by the local Docker daemon
// (from the environment, e.g. DOCKER_HOST) and rooted at workdir for
// ephemeral workspace directories.
func NewExecutor(cfg build.Config, workdir string, log *zap.Logger) (*Executor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errors.AddContext(err, "unable to construct docker client")
	}
	if err := os.MkdirAll(workdir, 0700); err != nil {
		return nil, errors.AddContext(err, "unable to create executor workdir root")
	}
	return &Executor{cli: cli, cfg: cfg, workdir: workdir, log: log.Named("executor")}, nil
}

// Run executes one assigned job to completion or until ctx is cancelled
// (the coordinator's wall timeout, or a worker shutdown). It never panics
// and never returns an error for a failing user program: a non-zero exit
// code is a normal Result, not a Go error. An error return means the job
// could not be run at all (workspace, container, or daemon failure), and
// the caller synthesizes a non-zero Result from it (spec §4.7 step 5).
func (e *Executor) Run(ctx context.Context, job modules.AssignMsg) (Result, error) {
	workspace, err := os.MkdirTemp(e.workdir, "job-*")
	if err != nil {
		return Result{}, errors.AddContext(err, "unable to prepare workspace")
	}
	defer os.RemoveAll(workspace)

	codePath, err := e.writeCode(workspace, job.Language, job.Code)
	if err != nil {
		return Result{}, err
	}

	image, ok := languageImages[job.Language]
	if !ok {
		return Result{}, fmt.Errorf("no image configured for language %q", job.Language)
	}
	cmd, err := languageCommand(job.Language, containerCodePath(codePath))
	if err != nil {
		return Result{}, err
	}

	wallTimeout := time.Duration(job.Limits.WallTimeoutSeconds) * time.Second
	if wallTimeout <= 0 {
		wallTimeout = e.cfg.DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, wallTimeout)
	defer cancel()

	return e.runContainer(runCtx, image, cmd, workspace, job.Limits)
}

// writeCode writes source to a file inside workspace whose name matches
// the language's expected entrypoint and returns the host-side path.
func (e *Executor) writeCode(workspace, language, source string) (string, error) {
	name := "main"
	switch language {
	case "python":
		name = "main.py"
	default:
		name = "main.src"
	}
	path := filepath.Join(workspace, name)
	if err := os.WriteFile(path, []byte(source), 0600); err != nil {
		return "", errors.AddContext(err, "unable to write job source")
	}
	return path, nil
}

// containerMountPoint is where the workspace is bind-mounted inside every
// job container.
const containerMountPoint = "/workspace"

// containerCodePath rewrites a host-side workspace file path into its
// in-container equivalent under containerMountPoint.
func containerCodePath(hostPath string) string {
	return filepath.Join(containerMountPoint, filepath.Base(hostPath))
}

// runContainer creates, starts, waits on, and tears down one job container.
// No network, a read-only root filesystem, every capability dropped, and a
// CPU/memory ceiling derived from limits are applied per spec §4.7 step 3.
func (e *Executor) runContainer(ctx context.Context, image string, cmd []string, workspace string, limits modules.JobLimits) (Result, error) {
	memBytes := int64(limits.MemoryMB) * 1024 * 1024
	hostCfg := &container.HostConfig{
		Binds:          []string{workspace + ":" + containerMountPoint + ":rw"},
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		Resources: container.Resources{
			Memory:   memBytes,
			NanoCPUs: 1_000_000_000, // one CPU core per job in the baseline
		},
	}
	containerCfg := &container.Config{
		Image:      image,
		Cmd:        cmd,
		WorkingDir: containerMountPoint,
		User:       "nobody",
		Tty:        false,
	}

	created, err := e.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "")
	if err != nil {
		return Result{}, errors.AddContext(err, "unable to create container")
	}
	defer func() {
		removeCtx, removeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer removeCancel()
		_ = e.cli.ContainerRemove(removeCtx, created.ID, types.ContainerRemoveOptions{Force: true})
	}()

	if err := e.cli.ContainerStart(ctx, created.ID, types.ContainerStartOptions{}); err != nil {
		return Result{}, errors.AddContext(err, "unable to start container")
	}

	statusCh, errCh := e.cli.ContainerWait(ctx, created.ID, container.WaitConditionNotRunning)
	var exitCode int
	select {
	case err := <-errCh:
		if err != nil && ctx.Err() != nil {
			// The wall timeout (or a cancel frame) fired before the
			// container exited on its own; kill it and report a timeout.
			killCtx, killCancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = e.cli.ContainerKill(killCtx, created.ID, "SIGKILL")
			killCancel()
			stdout, stderr := e.captureLogs(context.Background(), created.ID)
			return Result{ExitCode: 124, Stdout: stdout, Stderr: appendTimeoutNote(stderr)}, nil
		}
		if err != nil {
			return Result{}, errors.AddContext(err, "error waiting for container")
		}
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	}

	stdout, stderr := e.captureLogs(context.Background(), created.ID)
	return Result{ExitCode: exitCode, Stdout: stdout, Stderr: stderr}, nil
}

func appendTimeoutNote(stderr string) string {
	if stderr != "" {
		stderr += "\n"
	}
	return stderr + "timeout: job exceeded its wall clock and was killed"
}

// captureLogs fetches a container's combined stdout/stderr and truncates
// each stream to cfg.MaxOutputBytes (spec §4.7 step 4). Errors reading logs
// are swallowed: a job that ran and exited still deserves its exit code
// even if the daemon couldn't be reached again for logs.
func (e *Executor) captureLogs(ctx context.Context, containerID string) (stdout, stderr string) {
	rc, err := e.cli.ContainerLogs(ctx, containerID, types.ContainerLogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		e.log.Warn("unable to fetch container logs", zap.String("container_id", containerID), zap.Error(err))
		return "", ""
	}
	defer rc.Close()

	var outBuf, errBuf bytes.Buffer
	limitedOut := &limitWriter{w: &outBuf, max: e.cfg.MaxOutputBytes}
	limitedErr := &limitWriter{w: &errBuf, max: e.cfg.MaxOutputBytes}
	if _, err := stdcopy.StdCopy(limitedOut, limitedErr, rc); err != nil && err != io.EOF {
		e.log.Warn("error demultiplexing container log stream", zap.Error(err))
	}
	return outBuf.String(), errBuf.String()
}

// limitWriter truncates writes past max bytes instead of growing forever,
// the stdout/stderr capture cap from spec §4.7 step 4.
type limitWriter struct {
	w       io.Writer
	max     int64
	written int64
}

func (l *limitWriter) Write(p []byte) (int, error) {
	origLen := len(p)
	if l.written >= l.max {
		return origLen, nil
	}
	remaining := l.max - l.written
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := l.w.Write(p)
	l.written += int64(n)
	if err != nil {
		return n, err
	}
	// Report the full input as consumed even when truncated, so callers like
	// stdcopy.StdCopy that enforce io.Writer's short-write contract don't
	// treat the cap as a stream error and abort the demux early.
	return origLen, nil
}

// Close releases the Executor's Docker client connection.
func (e *Executor) Close() error {
	return e.cli.Close()
}
