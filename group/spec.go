package group

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/guseggert/execgate/agent"
	"github.com/guseggert/execgate/docker"
	"github.com/guseggert/execgate/gateway"
	"go.uber.org/zap"
)

// Spec kinds.
const (
	KindPopen  = "popen"
	KindSSH    = "ssh"
	KindSocket = "socket"
	KindWS     = "ws"
	KindDocker = "docker"
)

var kinds = map[string]bool{
	KindPopen:  false,
	KindSSH:    true,
	KindSocket: true,
	KindWS:     true,
	KindDocker: false,
}

const envPrefix = "env:"

var ErrInvalidSpec = errors.New("invalid gateway spec")

// Spec describes how to open a gateway. Its string form is
//
//	kind[=address][//key=value...]
//
// for example "popen//chdir=/tmp//env:LANG=C", "ssh=user@host//identity=~/.ssh/id" or "socket=10.0.0.2:8888".
// Keys prefixed with "env:" set environment variables in the peer.
//
// Recognized keys are id, chdir and cmd for every kind that runs a command, identity and ssh_config for ssh,
// certs for ws (a directory written by agent.Certs.WriteFiles), and image and binary for docker.
type Spec struct {
	Kind    string
	Address string
	ID      string
	Options map[string]string
	Env     map[string]string
}

func ParseSpec(s string) (Spec, error) {
	parts := strings.Split(s, "//")
	spec := Spec{Options: map[string]string{}, Env: map[string]string{}}
	spec.Kind, spec.Address, _ = strings.Cut(parts[0], "=")
	needsAddr, ok := kinds[spec.Kind]
	if !ok {
		return Spec{}, fmt.Errorf("%w %q: unknown kind %q", ErrInvalidSpec, s, spec.Kind)
	}
	if needsAddr && spec.Address == "" {
		return Spec{}, fmt.Errorf("%w %q: %s needs an address", ErrInvalidSpec, s, spec.Kind)
	}
	for _, p := range parts[1:] {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return Spec{}, fmt.Errorf("%w %q: option %q is not key=value", ErrInvalidSpec, s, p)
		}
		if name, isEnv := strings.CutPrefix(k, envPrefix); isEnv {
			spec.Env[name] = v
			continue
		}
		if k == "id" {
			spec.ID = v
			continue
		}
		if _, dup := spec.Options[k]; dup {
			return Spec{}, fmt.Errorf("%w %q: duplicate option %q", ErrInvalidSpec, s, k)
		}
		spec.Options[k] = v
	}
	return spec, nil
}

func (s Spec) String() string {
	var b strings.Builder
	b.WriteString(s.Kind)
	if s.Address != "" {
		b.WriteString("=" + s.Address)
	}
	if s.ID != "" {
		b.WriteString("//id=" + s.ID)
	}
	for _, k := range sortedKeys(s.Options) {
		fmt.Fprintf(&b, "//%s=%s", k, s.Options[k])
	}
	for _, k := range sortedKeys(s.Env) {
		fmt.Fprintf(&b, "//%s%s=%s", envPrefix, k, s.Env[k])
	}
	return b.String()
}

// Spawner builds the spawner that opens the gateway described by s.
func (s Spec) Spawner(log *zap.SugaredLogger) (gateway.Spawner, error) {
	switch s.Kind {
	case KindPopen:
		p := &gateway.Popen{Dir: s.Options["chdir"], Env: s.Env, Log: log}
		if cmd := s.Options["cmd"]; cmd != "" {
			p.Command = strings.Fields(cmd)
		}
		return p, nil
	case KindSSH:
		return &preambleSpawner{
			Spawner: &gateway.SSH{
				Addr:          s.Address,
				RemoteCommand: s.Options["cmd"],
				Identity:      s.Options["identity"],
				Config:        s.Options["ssh_config"],
				Log:           log,
			},
			extra: s.preamble(),
		}, nil
	case KindSocket:
		return &preambleSpawner{Spawner: &gateway.Socket{Addr: s.Address}, extra: s.preamble()}, nil
	case KindWS:
		return s.agentSpawner(log)
	case KindDocker:
		opts := []docker.Option{docker.WithLogger(log), docker.WithDir(s.Options["chdir"])}
		if img := s.Options["image"]; img != "" {
			opts = append(opts, docker.WithImage(img))
		} else if s.Address != "" {
			opts = append(opts, docker.WithImage(s.Address))
		}
		if bin := s.Options["binary"]; bin != "" {
			opts = append(opts, docker.WithBinary(bin))
		}
		for k, v := range s.Env {
			opts = append(opts, docker.WithEnv(k, v))
		}
		return docker.NewSpawner(opts...)
	}
	return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidSpec, s.Kind)
}

func (s Spec) agentSpawner(log *zap.SugaredLogger) (gateway.Spawner, error) {
	dir := s.Options["certs"]
	if dir == "" {
		return nil, fmt.Errorf("%w %s: ws needs a certs directory", ErrInvalidSpec, s)
	}
	certs, err := agent.LoadCerts(dir)
	if err != nil {
		return nil, err
	}
	host, portStr, err := net.SplitHostPort(s.Address)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrInvalidSpec, s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("%w %s: port: %w", ErrInvalidSpec, s, err)
	}
	client, err := agent.NewClient(log, certs, host, port)
	if err != nil {
		return nil, err
	}
	return &preambleSpawner{Spawner: client, extra: s.preamble()}, nil
}

// preamble is the chdir and environment setup for kinds whose spawner does not handle them itself.
func (s Spec) preamble() []string {
	var stmts []string
	if dir := s.Options["chdir"]; dir != "" {
		stmts = append(stmts, gateway.Chdir(dir))
	}
	for _, k := range sortedKeys(s.Env) {
		stmts = append(stmts, gateway.SetEnv(k, s.Env[k]))
	}
	return stmts
}

type preambleSpawner struct {
	gateway.Spawner
	extra []string
}

func (p *preambleSpawner) Preamble() []string {
	return append(p.Spawner.Preamble(), p.extra...)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
