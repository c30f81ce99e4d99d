package docker

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sync/atomic"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/sakif/code-sandbox/internal/engine"
)

// Provisioner implements engine.Provisioner using Docker. Each engine is a
// long-lived container running the embedded Python driver; interpreter
// state lives in the driver process and survives across Execute calls.
type Provisioner struct {
	cli    *client.Client
	config Config
	logger *slog.Logger
	pool   *Pool
}

// New creates a new Docker Provisioner and initializes the connection.
func New(cfg Config, logger *slog.Logger) (*Provisioner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	// Make sure the image is pulled
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	logger.Info("ensuring docker image is available", slog.String("image", cfg.Image))
	reader, err := cli.ImagePull(ctx, cfg.Image, image.PullOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()
	// Read everything to block until the pull is complete
	io.Copy(io.Discard, reader)
	logger.Info("docker image is ready")

	p := &Provisioner{
		cli:    cli,
		config: cfg,
		logger: logger,
	}

	p.pool = NewPool(p, logger)
	p.pool.Start()

	return p, nil
}

// StartEngine hands out a pre-warmed engine from the pool. It blocks until
// one is available or the context is canceled.
func (p *Provisioner) StartEngine(ctx context.Context) (engine.Engine, error) {
	return p.pool.GetEngine(ctx)
}

// Close shuts down the warm pool and the docker client.
func (p *Provisioner) Close() error {
	p.pool.Stop()
	return p.cli.Close()
}

// startEngine creates, starts, and attaches to a fresh driver container.
func (p *Provisioner) startEngine(ctx context.Context) (*Engine, error) {
	hostConfig := &container.HostConfig{
		NetworkMode: "none",
		Resources: container.Resources{
			Memory:   p.config.MemoryLimit,
			NanoCPUs: int64(p.config.CPULimit * 1e9),
		},
		AutoRemove:     false,
		ReadonlyRootfs: true,
		Tmpfs: map[string]string{
			p.config.Workdir: "rw,size=" + p.config.WorkdirSize,
		},
	}
	if p.config.DatasetDir != "" {
		hostConfig.Binds = []string{p.config.DatasetDir + ":/data:ro"}
	}

	resp, err := p.cli.ContainerCreate(ctx, &container.Config{
		Image:      p.config.Image,
		Cmd:        []string{"python", "-u", "-c", driverSource},
		Tty:        false,
		OpenStdin:  true,
		StdinOnce:  false,
		WorkingDir: p.config.Workdir,
	}, hostConfig, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("ContainerCreate failed: %w", err)
	}

	// Attach before starting so the first response frame cannot be lost.
	attach, err := p.cli.ContainerAttach(ctx, resp.ID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		p.removeContainer(resp.ID)
		return nil, fmt.Errorf("ContainerAttach failed: %w", err)
	}

	if err := p.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		attach.Close()
		p.removeContainer(resp.ID)
		return nil, fmt.Errorf("ContainerStart failed: %w", err)
	}

	e := &Engine{
		cli:         p.cli,
		containerID: resp.ID,
		config:      p.config,
		logger:      p.logger,
		attach:      attach,
		frames:      make(chan []byte, 1),
	}
	go e.pump()

	return e, nil
}

// removeContainer force removes a container by ID.
func (p *Provisioner) removeContainer(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_ = p.cli.ContainerRemove(ctx, id, container.RemoveOptions{
		Force: true,
	})
}

// Engine is one driver container plus its attached stdio stream. Not safe
// for concurrent use — the session store guarantees a single caller.
type Engine struct {
	cli         *client.Client
	containerID string
	config      Config
	logger      *slog.Logger
	attach      types.HijackedResponse
	frames      chan []byte
	broken      atomic.Bool
	killed      atomic.Bool
	removed     atomic.Bool
}

var _ engine.Engine = (*Engine)(nil)

// driverRequest is one frame written to the driver's stdin.
type driverRequest struct {
	Op   string `json:"op"`
	Code string `json:"code,omitempty"`
	Name string `json:"name,omitempty"`
	Dir  string `json:"dir,omitempty"`
}

// driverResponse is one frame read back from the driver's stdout.
type driverResponse struct {
	Status string            `json:"status"`
	Stdout string            `json:"stdout"`
	Stderr string            `json:"stderr"`
	Value  string            `json:"value"`
	Fault  *engine.Fault     `json:"fault"`
	Vars   []string          `json:"vars"`
	Files  []engine.FileInfo `json:"files"`
}

// pump demultiplexes the attached stream and forwards one stdout line per
// response frame. It exits when the container dies and the stream closes.
func (e *Engine) pump() {
	defer close(e.frames)

	pr, pw := io.Pipe()
	go func() {
		// Use stdcopy to demultiplex stdout from stderr. Driver-level
		// stderr only carries diagnostics from a crashed driver.
		_, err := stdcopy.StdCopy(pw, io.Discard, e.attach.Reader)
		pw.CloseWithError(err)
	}()

	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		frame := make([]byte, len(scanner.Bytes()))
		copy(frame, scanner.Bytes())
		e.frames <- frame
	}
}

// roundTrip writes one request frame and waits for the matching response.
// On context expiry the container is force-killed: submitted code cannot be
// trusted to honor a cooperative cancellation signal.
func (e *Engine) roundTrip(ctx context.Context, req driverRequest) (*driverResponse, error) {
	if e.broken.Load() {
		return nil, fmt.Errorf("engine %s is no longer usable", e.containerID[:12])
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding driver frame: %w", err)
	}
	payload = append(payload, '\n')

	if _, err := e.attach.Conn.Write(payload); err != nil {
		e.broken.Store(true)
		return nil, fmt.Errorf("writing to driver: %w", err)
	}

	select {
	case frame, ok := <-e.frames:
		if !ok {
			e.broken.Store(true)
			return nil, fmt.Errorf("driver stream closed")
		}
		var resp driverResponse
		if err := json.Unmarshal(frame, &resp); err != nil {
			e.broken.Store(true)
			return nil, fmt.Errorf("decoding driver frame: %w", err)
		}
		return &resp, nil
	case <-ctx.Done():
		e.terminate()
		return nil, ctx.Err()
	}
}

// Execute runs one code fragment in the driver under the caller's deadline.
// A fragment that raises returns a faulted result and leaves the engine
// usable; partial side effects persist. Deadline expiry returns a timed_out
// result and the engine must be discarded.
func (e *Engine) Execute(ctx context.Context, req engine.Request) (*engine.Result, error) {
	start := time.Now()

	resp, err := e.roundTrip(ctx, driverRequest{Op: "exec", Code: req.Code})
	if err != nil {
		if ctx.Err() != nil {
			return &engine.Result{
				Status:   engine.StatusTimedOut,
				Stderr:   "execution timed out and the engine was terminated\n",
				Duration: time.Since(start),
			}, nil
		}
		return nil, err
	}

	result := &engine.Result{
		Status:   engine.StatusOk,
		Stdout:   resp.Stdout,
		Stderr:   resp.Stderr,
		Value:    resp.Value,
		Fault:    resp.Fault,
		Duration: time.Since(start),
	}
	if resp.Status != "ok" {
		result.Status = engine.StatusFaulted
	}
	return result, nil
}

// Variables lists the names bound in the driver's namespace.
func (e *Engine) Variables(ctx context.Context) ([]string, error) {
	resp, err := e.roundTrip(ctx, driverRequest{Op: "vars"})
	if err != nil {
		return nil, err
	}
	return resp.Vars, nil
}

// Variable returns the repr of one binding, or an error if it is undefined.
func (e *Engine) Variable(ctx context.Context, name string) (string, error) {
	resp, err := e.roundTrip(ctx, driverRequest{Op: "get", Name: name})
	if err != nil {
		return "", err
	}
	if resp.Fault != nil {
		return "", fmt.Errorf("%s: %s", resp.Fault.Kind, resp.Fault.Message)
	}
	return resp.Value, nil
}

// ListFiles lists a directory inside the container via the driver.
func (e *Engine) ListFiles(ctx context.Context, dir string) ([]engine.FileInfo, error) {
	resp, err := e.roundTrip(ctx, driverRequest{Op: "list", Dir: dir})
	if err != nil {
		return nil, err
	}
	if resp.Fault != nil {
		return nil, fmt.Errorf("%s: %s", resp.Fault.Kind, resp.Fault.Message)
	}
	return resp.Files, nil
}

// UploadFile copies contents to the given path inside the container. A
// relative path is resolved against the engine working directory.
func (e *Engine) UploadFile(ctx context.Context, dst string, contents io.Reader) error {
	data, err := io.ReadAll(contents)
	if err != nil {
		return fmt.Errorf("reading upload contents: %w", err)
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name: path.Base(dst),
		Mode: 0o644,
		Size: int64(len(data)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("writing tar header: %w", err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("writing tar contents: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("closing tar stream: %w", err)
	}

	dir := path.Dir(dst)
	if !path.IsAbs(dst) {
		dir = path.Join(e.config.Workdir, dir)
	}

	if err := e.cli.CopyToContainer(ctx, e.containerID, dir, &buf, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("copying into container: %w", err)
	}
	return nil
}

// DownloadFile streams one file out of the container. This works on a
// killed container too, so artifacts survive a timeout when the config
// keeps dead containers around.
func (e *Engine) DownloadFile(ctx context.Context, src string) (io.ReadCloser, error) {
	if !path.IsAbs(src) {
		src = path.Join(e.config.Workdir, src)
	}

	rc, _, err := e.cli.CopyFromContainer(ctx, e.containerID, src)
	if err != nil {
		return nil, fmt.Errorf("copying from container: %w", err)
	}

	// The docker API returns a tar stream even for a single file.
	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err != nil {
			rc.Close()
			return nil, fmt.Errorf("reading tar stream: %w", err)
		}
		if hdr.Typeflag == tar.TypeReg {
			return &tarFileReader{tr: tr, closer: rc}, nil
		}
	}
}

// tarFileReader reads one file entry and closes the underlying tar stream.
type tarFileReader struct {
	tr     *tar.Reader
	closer io.Closer
}

func (r *tarFileReader) Read(p []byte) (int, error) { return r.tr.Read(p) }
func (r *tarFileReader) Close() error               { return r.closer.Close() }

// Broken reports whether the engine was forcibly terminated.
func (e *Engine) Broken() bool {
	return e.broken.Load()
}

// terminate force-kills the driver container. SIGKILL to PID 1 stops the
// container regardless of what the submitted code is doing.
func (e *Engine) terminate() {
	e.broken.Store(true)
	if !e.killed.CompareAndSwap(false, true) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := e.cli.ContainerKill(ctx, e.containerID, "KILL"); err != nil {
		e.logger.Error("failed to kill container",
			slog.String("id", e.containerID), slog.String("error", err.Error()))
	}
	e.attach.Close()

	if e.config.ReapOnTimeout {
		if err := e.cli.ContainerRemove(ctx, e.containerID, container.RemoveOptions{Force: true}); err != nil {
			e.logger.Error("failed to remove container",
				slog.String("id", e.containerID), slog.String("error", err.Error()))
		} else {
			e.removed.Store(true)
		}
	}
}

// Close releases the container and the attached stream. Safe to call after
// a timeout already reaped the container.
func (e *Engine) Close(ctx context.Context) error {
	e.broken.Store(true)
	e.attach.Close()

	if e.removed.Load() {
		return nil
	}
	if err := e.cli.ContainerRemove(ctx, e.containerID, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("removing container: %w", err)
	}
	e.removed.Store(true)
	return nil
}
