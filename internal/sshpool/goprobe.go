package sshpool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// GoProber is the pure-Go connectivity check used when the system ssh
// binary isn't on PATH. It cannot share an OS-level ControlMaster socket
// with other ssh/scp/rsync subprocesses the way CommandProber does, so it
// never backs the pool's transport for Exec/sftp — only the probe itself,
// so AcquireConnection still reports accurate health in environments with
// no ssh binary installed (e.g. a minimal container image).
type GoProber struct {
	// KnownHostsPath defaults to ~/.mux/known_hosts when empty.
	KnownHostsPath string

	knownHostsOnce sync.Once
	knownHostsErr  error
}

var _ Prober = (*GoProber)(nil)

// FallbackProber tries Primary first and, only if the ssh binary is
// missing from PATH entirely, falls back to Secondary. A missing binary is
// a configuration fact that doesn't change between probes, so the PATH
// lookup happens once per call rather than being cached.
type FallbackProber struct {
	Primary   *CommandProber
	Secondary *GoProber
}

var _ Prober = (*FallbackProber)(nil)

func (p *FallbackProber) Probe(ctx context.Context, target Target) error {
	if _, err := exec.LookPath("ssh"); err != nil {
		return p.Secondary.Probe(ctx, target)
	}
	return p.Primary.Probe(ctx, target)
}

func (p *FallbackProber) CommandArgs(target Target) []string { return p.Primary.CommandArgs(target) }

// Probe dials target directly with golang.org/x/crypto/ssh and runs a
// non-interactive "echo ok", mirroring CommandProber.Probe's contract
// without touching ControlMaster state.
func (p *GoProber) Probe(ctx context.Context, target Target) error {
	client, err := p.dial(ctx, target)
	if err != nil {
		return err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("open ssh session to %s: %w", target.Host, err)
	}
	defer session.Close()

	if err := session.Run("echo ok"); err != nil {
		return fmt.Errorf("go-ssh probe to %s failed: %w", target.Host, err)
	}
	return nil
}

func (p *GoProber) dial(ctx context.Context, target Target) (*ssh.Client, error) {
	config, err := p.clientConfig(target)
	if err != nil {
		return nil, err
	}

	host := target.Host
	if idx := strings.IndexByte(host, '@'); idx >= 0 {
		host = host[idx+1:]
	}
	port := target.normalizedPort()
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	dialer := net.Dialer{Timeout: ProbeTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	clientConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	return ssh.NewClient(clientConn, chans, reqs), nil
}

func (p *GoProber) clientConfig(target Target) (*ssh.ClientConfig, error) {
	username := localUser()
	if idx := strings.IndexByte(target.Host, '@'); idx >= 0 {
		username = target.Host[:idx]
	}

	methods, err := p.authMethods(target)
	if err != nil {
		return nil, err
	}

	hostKeyCallback, err := p.hostKeyCallback()
	if err != nil {
		return nil, err
	}

	return &ssh.ClientConfig{
		User:            username,
		Auth:            methods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         ProbeTimeout,
	}, nil
}

func (p *GoProber) authMethods(target Target) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if target.IdentityFile != "" {
		raw, err := os.ReadFile(target.IdentityFile)
		if err != nil {
			return nil, fmt.Errorf("read identity file %s: %w", target.IdentityFile, err)
		}
		signer, err := ssh.ParsePrivateKey(raw)
		if err != nil {
			return nil, fmt.Errorf("parse identity file %s: %w", target.IdentityFile, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if sock := strings.TrimSpace(os.Getenv("SSH_AUTH_SOCK")); sock != "" {
		methods = append(methods, ssh.PublicKeysCallback(func() ([]ssh.Signer, error) {
			return agentSigners(sock)
		}))
	}

	if len(methods) == 0 {
		return nil, errors.New("no ssh auth methods available: set an identity file or SSH_AUTH_SOCK")
	}
	return methods, nil
}

func agentSigners(sock string) ([]ssh.Signer, error) {
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, fmt.Errorf("dial ssh-agent at %s: %w", sock, err)
	}
	defer conn.Close()
	return agent.NewClient(conn).Signers()
}

// hostKeyCallback loads (creating if absent) a known_hosts file and
// trust-on-first-use appends any host key not already recorded, matching
// OpenSSH's "accept-new" StrictHostKeyChecking mode the CommandProber uses.
func (p *GoProber) hostKeyCallback() (ssh.HostKeyCallback, error) {
	p.knownHostsOnce.Do(func() {
		p.knownHostsErr = p.ensureKnownHostsFile()
	})
	if p.knownHostsErr != nil {
		return nil, p.knownHostsErr
	}

	path := p.knownHostsPath()
	validator, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts %s: %w", path, err)
	}

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := validator(hostname, remote, key)
		if err == nil {
			return nil
		}
		var keyErr *knownhosts.KeyError
		if errors.As(err, &keyErr) && len(keyErr.Want) == 0 {
			return appendKnownHost(path, hostname, key)
		}
		return err
	}, nil
}

func (p *GoProber) knownHostsPath() string {
	if p.KnownHostsPath != "" {
		return p.KnownHostsPath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".mux", "known_hosts")
	}
	return filepath.Join(home, ".mux", "known_hosts")
}

func (p *GoProber) ensureKnownHostsFile() error {
	path := p.knownHostsPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create known_hosts directory for %s: %w", path, err)
	}
	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		if err := os.WriteFile(path, nil, 0o600); err != nil {
			return fmt.Errorf("create known_hosts file %s: %w", path, err)
		}
	}
	return nil
}

var knownHostsWriteMu sync.Mutex

func appendKnownHost(path, hostname string, key ssh.PublicKey) error {
	normalized := knownhosts.Normalize(hostname)
	line := knownhosts.Line([]string{normalized}, key)

	knownHostsWriteMu.Lock()
	defer knownHostsWriteMu.Unlock()

	existing, err := os.ReadFile(path)
	if err == nil {
		for _, row := range strings.Split(string(existing), "\n") {
			if strings.TrimSpace(row) == strings.TrimSpace(line) {
				return nil
			}
		}
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("append known_hosts %s: %w", path, err)
	}
	defer file.Close()
	_, err = file.WriteString(line + "\n")
	return err
}
