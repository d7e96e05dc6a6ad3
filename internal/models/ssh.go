package models

import "time"

// SSHTarget identifies a remote account reachable over SSH.
type SSHTarget struct {
	Host       string
	Port       int
	Username   string
	PrivateKey []byte // takes precedence over KeyPath
	KeyPath    string // path to key file
	Timeout    time.Duration
}

// SSHResult holds the result of an SSH operation.
type SSHResult struct {
	CommandRun bool
	Output     string
	ExitStatus int // -1 if the remote side did not report one
	Error      error
}

// SSHTarget returns the SSH endpoint for an item whose connect fields have
// been derived.
func (i BackupItem) SSHTarget(s SSHSettings) SSHTarget {
	return SSHTarget{
		Host:     i.ConnectHost,
		Port:     i.ConnectPort,
		Username: i.ConnectUser,
		KeyPath:  s.IdentityFile,
		Timeout:  s.Timeout,
	}
}
