// Package docker spawns peer gateways inside Docker containers.
//
// The container runs the execgate binary, bind-mounted from the host, as a stdio peer.
// The initiator talks to it over the container's attached stdin and stdout.
// This supports standard environment variables for configuring the Docker client (DOCKER_HOST etc.).
package docker

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/guseggert/execgate/gateway"
	"github.com/guseggert/execgate/internal/files"
	"github.com/guseggert/execgate/transport"
	"go.uber.org/zap"
)

const (
	// BinaryName is the file FindBinary looks for.
	BinaryName = "execgate"
	binaryPath = "/execgate"
	chars      = "abcefghijklmnopqrstuvwxyz0123456789"
)

func randString(n int) string {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	b := make([]byte, n)
	for i := range b {
		b[i] = chars[r.Intn(len(chars))]
	}
	return string(b)
}

// Spawner is a gateway spawner that runs each peer in a new container.
type Spawner struct {
	Log          *zap.SugaredLogger
	DockerClient *client.Client
	// Image is the container image, which must be able to run the bind-mounted binary.
	Image string
	// Binary is the host path of the execgate binary.
	Binary string
	// Dir is the container's working directory.
	Dir string
	Env map[string]string
	// Stderr receives the peer's stderr.
	Stderr io.Writer
	// KeepContainers leaves containers in place after their gateway exits.
	KeepContainers bool

	prefix  string
	counter int

	mut         sync.Mutex
	imagePulled bool
}

type Option func(s *Spawner)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Spawner) {
		s.Log = l.Named("docker")
	}
}

func WithImage(img string) Option {
	return func(s *Spawner) {
		s.Image = img
	}
}

func WithBinary(p string) Option {
	return func(s *Spawner) {
		s.Binary = p
	}
}

func WithDir(dir string) Option {
	return func(s *Spawner) {
		s.Dir = dir
	}
}

func WithEnv(k, v string) Option {
	return func(s *Spawner) {
		if s.Env == nil {
			s.Env = map[string]string{}
		}
		s.Env[k] = v
	}
}

func WithClient(c *client.Client) Option {
	return func(s *Spawner) {
		s.DockerClient = c
	}
}

// FindBinary searches up from the working directory for the execgate binary.
func FindBinary() (string, error) {
	p, err := files.FindUpFromWD(BinaryName)
	if err != nil {
		return "", err
	}
	if p == "" {
		return "", fmt.Errorf("no %q binary found above the working directory", BinaryName)
	}
	return p, nil
}

// NewSpawner creates a Docker spawner.
// By default it runs the "fedora" image and looks for the binary with FindBinary.
func NewSpawner(opts ...Option) (*Spawner, error) {
	log, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("instantiating default logger: %w", err)
	}
	s := &Spawner{
		Image:  "fedora",
		Stderr: os.Stderr,
		prefix: randString(6),
	}
	WithLogger(log.Sugar())(s)
	for _, o := range opts {
		o(s)
	}
	if s.DockerClient == nil {
		dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return nil, fmt.Errorf("building Docker client: %w", err)
		}
		s.DockerClient = dockerClient
	}
	if s.Binary == "" {
		bin, err := FindBinary()
		if err != nil {
			return nil, fmt.Errorf("finding execgate binary: %w", err)
		}
		s.Binary = bin
	}
	return s, nil
}

func (s *Spawner) ensureImagePulled(ctx context.Context) error {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.imagePulled {
		return nil
	}
	out, err := s.DockerClient.ImagePull(ctx, s.Image, types.ImagePullOptions{})
	if err != nil {
		if out != nil {
			out.Close()
		}
		return err
	}
	defer out.Close()
	_, err = io.Copy(io.Discard, out)
	if err != nil {
		return fmt.Errorf("reading Docker pull response: %w", err)
	}
	s.imagePulled = true
	return nil
}

func (s *Spawner) nextName() string {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.counter++
	return fmt.Sprintf("execgate-%s-%d", s.prefix, s.counter)
}

func (s *Spawner) containerConfig() (*container.Config, *container.HostConfig) {
	var env []string
	keys := make([]string, 0, len(s.Env))
	for k := range s.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, fmt.Sprintf("%s=%s", k, s.Env[k]))
	}
	return &container.Config{
			Image:        s.Image,
			Entrypoint:   []string{binaryPath, "serve"},
			Env:          env,
			WorkingDir:   s.Dir,
			AttachStdin:  true,
			AttachStdout: true,
			AttachStderr: true,
			OpenStdin:    true,
			StdinOnce:    true,
		}, &container.HostConfig{
			Binds: []string{fmt.Sprintf("%s:%s:ro", s.Binary, binaryPath)},
		}
}

// Open creates and starts a container and attaches to its stdio.
func (s *Spawner) Open(ctx context.Context) (transport.Transport, error) {
	if err := s.ensureImagePulled(ctx); err != nil {
		return nil, fmt.Errorf("pulling image: %w", err)
	}

	name := s.nextName()
	config, hostConfig := s.containerConfig()
	createResp, err := s.DockerClient.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("creating Docker container: %w", err)
	}
	t := &containerTransport{
		log:    s.Log.With("Container", name),
		client: s.DockerClient,
		id:     createResp.ID,
		name:   name,
		keep:   s.KeepContainers,
	}

	// attach before starting so no output is lost
	resp, err := s.DockerClient.ContainerAttach(ctx, t.id, types.ContainerAttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		t.remove()
		return nil, fmt.Errorf("attaching to container %q: %w", name, err)
	}
	t.resp = resp

	stderr := s.Stderr
	if stderr == nil {
		stderr = io.Discard
	}
	pr, pw := io.Pipe()
	t.stdout = pr
	go func() {
		_, err := stdcopy.StdCopy(pw, stderr, resp.Reader)
		pw.CloseWithError(err)
	}()

	err = s.DockerClient.ContainerStart(ctx, t.id, types.ContainerStartOptions{})
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("starting container %q: %w", name, err)
	}
	t.log.Debugw("started container", "ID", t.id)
	return t, nil
}

// Preamble detaches the peer's stdio so that unit output goes to /dev/null rather than the stream.
func (s *Spawner) Preamble() []string {
	return []string{gateway.StdioSetNull()}
}

func (s *Spawner) String() string {
	return "docker " + s.Image
}

// containerTransport is a Transport over a container's attached stdio.
// Closing it removes the container.
type containerTransport struct {
	log    *zap.SugaredLogger
	client *client.Client
	id     string
	name   string
	keep   bool
	resp   types.HijackedResponse
	stdout *io.PipeReader

	closeOnce sync.Once
	closeErr  error
}

func (t *containerTransport) Read(b []byte) (int, error) {
	return t.stdout.Read(b)
}

func (t *containerTransport) Write(b []byte) (int, error) {
	return t.resp.Conn.Write(b)
}

func (t *containerTransport) Close() error {
	t.closeOnce.Do(func() {
		t.resp.Close()
		t.stdout.Close()
		t.closeErr = t.remove()
	})
	return t.closeErr
}

func (t *containerTransport) remove() error {
	if t.keep {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := t.client.ContainerRemove(ctx, t.id, types.ContainerRemoveOptions{
		RemoveVolumes: true,
		Force:         true,
	})
	if err != nil {
		return fmt.Errorf("removing container %q: %w", t.name, err)
	}
	return nil
}

func (t *containerTransport) String() string {
	return "docker " + t.name
}
