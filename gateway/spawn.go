package gateway

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/guseggert/execgate/transport"
	"go.uber.org/zap"
)

// Popen spawns a local peer process and talks to it over its stdin and stdout.
type Popen struct {
	// Command is the peer command line. It defaults to this executable's "serve" subcommand.
	Command []string
	// Dir is the working directory the peer changes into after bootstrapping.
	Dir string
	// Env is set in the peer's environment after bootstrapping.
	Env map[string]string
	// Stderr receives the peer's stderr, defaulting to this process's.
	Stderr *os.File
	Log    *zap.SugaredLogger
}

func (p *Popen) command() ([]string, error) {
	if len(p.Command) > 0 {
		return p.Command, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("finding own executable: %w", err)
	}
	return []string{exe, "serve"}, nil
}

func (p *Popen) Open(ctx context.Context) (transport.Transport, error) {
	args, err := p.command()
	if err != nil {
		return nil, err
	}
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stderr = os.Stderr
	if p.Stderr != nil {
		cmd.Stderr = p.Stderr
	}
	return transport.StartPipe(logOrDefault(p.Log), cmd)
}

func (p *Popen) Preamble() []string {
	stmts := []string{StdioSetNull()}
	if p.Dir != "" {
		stmts = append(stmts, Chdir(p.Dir))
	}
	for _, k := range sortedKeys(p.Env) {
		stmts = append(stmts, SetEnv(k, p.Env[k]))
	}
	return stmts
}

func (p *Popen) String() string {
	args, err := p.command()
	if err != nil {
		return "popen"
	}
	return "popen " + strings.Join(args, " ")
}

// SSH spawns a peer on a remote host through the ssh binary and talks to it over the ssh session's stdio.
type SSH struct {
	// Addr is the ssh destination, for example "user@host".
	Addr string
	// RemoteCommand is run on the remote host, defaulting to "execgate serve".
	RemoteCommand string
	// Identity is an optional private key file passed with -i.
	Identity string
	// Config is an optional ssh_config file passed with -F.
	Config string
	Stderr *os.File
	Log    *zap.SugaredLogger
}

func (s *SSH) args() []string {
	args := []string{"-C"}
	if s.Identity != "" {
		args = append(args, "-i", s.Identity)
	}
	if s.Config != "" {
		args = append(args, "-F", s.Config)
	}
	remote := s.RemoteCommand
	if remote == "" {
		remote = "execgate serve"
	}
	return append(args, s.Addr, remote)
}

func (s *SSH) Open(ctx context.Context) (transport.Transport, error) {
	cmd := exec.Command("ssh", s.args()...)
	cmd.Stderr = os.Stderr
	if s.Stderr != nil {
		cmd.Stderr = s.Stderr
	}
	return transport.StartPipe(logOrDefault(s.Log), cmd)
}

func (s *SSH) Preamble() []string {
	return []string{StdioSetNull()}
}

func (s *SSH) String() string {
	return "ssh " + s.Addr
}

// Socket connects to a socket gateway server, such as one started by NewRemoteSocket or the agent.
type Socket struct {
	Addr string
}

func (s *Socket) Open(ctx context.Context) (transport.Transport, error) {
	return transport.DialSocket(ctx, s.Addr)
}

func (s *Socket) Preamble() []string { return nil }

func (s *Socket) String() string { return s.Addr }

func logOrDefault(l *zap.SugaredLogger) *zap.SugaredLogger {
	if l != nil {
		return l
	}
	return defaultLogger()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
