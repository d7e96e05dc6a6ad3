package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/fgeck/gorsnapshot/internal/models"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

const defaultTimeout = 30 * time.Second

// Service defines the interface for SSH operations.
type Service interface {
	Run(ctx context.Context, target models.SSHTarget, cmd string) (*models.SSHResult, error)
	TestConnection(ctx context.Context, target models.SSHTarget) (*models.SSHResult, error)
}

// SSHClient wraps ssh.Client for mocking.
type SSHClient interface {
	NewSession() (SSHSession, error)
	Close() error
}

// SSHSession wraps ssh.Session for mocking.
type SSHSession interface {
	CombinedOutput(cmd string) ([]byte, error)
	Close() error
}

// ClientFactory creates SSH clients.
type ClientFactory interface {
	NewClient(network, addr string, config *ssh.ClientConfig) (SSHClient, error)
}

// DefaultClientFactory is the default SSH client factory.
type DefaultClientFactory struct{}

// NewClient creates a new SSH client.
func (f *DefaultClientFactory) NewClient(network, addr string, config *ssh.ClientConfig) (SSHClient, error) {
	client, err := ssh.Dial(network, addr, config)
	if err != nil {
		return nil, err
	}
	return &defaultSSHClient{client: client}, nil
}

type defaultSSHClient struct {
	client *ssh.Client
}

func (c *defaultSSHClient) NewSession() (SSHSession, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, err
	}
	return &defaultSSHSession{session: session}, nil
}

func (c *defaultSSHClient) Close() error {
	return c.client.Close()
}

type defaultSSHSession struct {
	session *ssh.Session
}

func (s *defaultSSHSession) CombinedOutput(cmd string) ([]byte, error) {
	return s.session.CombinedOutput(cmd)
}

func (s *defaultSSHSession) Close() error {
	return s.session.Close()
}

// exitStatuser is satisfied by *ssh.ExitError.
type exitStatuser interface {
	ExitStatus() int
}

// Impl implements the SSH Service interface.
type Impl struct {
	clientFactory ClientFactory
	logger        zerolog.Logger
}

// New creates a new SSH service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		clientFactory: &DefaultClientFactory{},
		logger:        logger,
	}
}

// NewWithClientFactory creates a new SSH service with a custom client factory (for testing).
func NewWithClientFactory(logger zerolog.Logger, factory ClientFactory) *Impl {
	return &Impl{
		clientFactory: factory,
		logger:        logger,
	}
}

func (s *Impl) buildConfig(target models.SSHTarget) (*ssh.ClientConfig, error) {
	var key []byte
	var err error

	if len(target.PrivateKey) > 0 {
		key = target.PrivateKey
	} else if target.KeyPath != "" {
		key, err = os.ReadFile(target.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key from %s: %w", target.KeyPath, err)
		}
	} else {
		return nil, fmt.Errorf("no private key provided")
	}

	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	timeout := target.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	return &ssh.ClientConfig{
		User: target.Username,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(signer),
		},
		// Backup sources are enrolled by address; rsnapshot itself runs ssh with StrictHostKeyChecking=no.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec
		Timeout:         timeout,
	}, nil
}

// connect dials the target, giving up when ctx is done.
func (s *Impl) connect(ctx context.Context, target models.SSHTarget) (SSHClient, error) {
	sshConfig, err := s.buildConfig(target)
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(target.Host, strconv.Itoa(target.Port))

	clientChan := make(chan struct {
		client SSHClient
		err    error
	}, 1)

	go func() {
		client, err := s.clientFactory.NewClient("tcp", addr, sshConfig)
		clientChan <- struct {
			client SSHClient
			err    error
		}{client, err}
	}()

	select {
	case <-ctx.Done():
		// A dial still in flight may succeed later; close what it returns.
		go func() {
			if res := <-clientChan; res.client != nil {
				_ = res.client.Close()
			}
		}()
		return nil, ctx.Err()
	case res := <-clientChan:
		if res.err != nil {
			return nil, fmt.Errorf("failed to connect: %w", res.err)
		}
		return res.client, nil
	}
}

// Run executes cmd on the target and captures its combined output.
// A non-zero remote exit status is reported in the result, not as the returned error.
func (s *Impl) Run(ctx context.Context, target models.SSHTarget, cmd string) (*models.SSHResult, error) {
	result := &models.SSHResult{ExitStatus: -1}

	s.logger.Debug().
		Str("host", target.Host).
		Int("port", target.Port).
		Str("user", target.Username).
		Msg("running remote command")

	client, err := s.connect(ctx, target)
	if err != nil {
		result.Error = err
		return result, nil
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		result.Error = fmt.Errorf("failed to create session: %w", err)
		return result, nil
	}
	defer session.Close()

	type outcome struct {
		output []byte
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		output, err := session.CombinedOutput(cmd)
		done <- outcome{output, err}
	}()

	var res outcome
	select {
	case <-ctx.Done():
		// Closing the session unblocks CombinedOutput.
		_ = session.Close()
		<-done
		result.Error = ctx.Err()
		return result, nil
	case res = <-done:
	}

	result.Output = string(res.output)
	result.CommandRun = true

	if res.err == nil {
		result.ExitStatus = 0
		return result, nil
	}

	var exitErr exitStatuser
	if errors.As(res.err, &exitErr) {
		result.ExitStatus = exitErr.ExitStatus()
		result.Error = fmt.Errorf("remote command exited with status %d", result.ExitStatus)
	} else {
		result.Error = fmt.Errorf("remote command failed: %w", res.err)
	}

	s.logger.Debug().
		Err(result.Error).
		Str("host", target.Host).
		Str("output", result.Output).
		Msg("remote command failed")

	return result, nil
}

// TestConnection verifies non-interactive SSH connectivity.
func (s *Impl) TestConnection(ctx context.Context, target models.SSHTarget) (*models.SSHResult, error) {
	s.logger.Debug().
		Str("host", target.Host).
		Int("port", target.Port).
		Msg("testing SSH connection")

	result, err := s.Run(ctx, target, "echo OK")
	if err != nil {
		return nil, err
	}
	if result.Error != nil {
		result.Error = fmt.Errorf("test command failed: %w", result.Error)
	}
	return result, nil
}
