package runtime

import (
	"context"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/sftp"

	"github.com/mux-run/mux/internal/muxerr"
)

// sftpSession is one sftp subsystem channel opened over the pooled ssh
// connection's multiplexed socket. ReadFile/WriteFile/Stat each open their
// own session rather than sharing one across the runtime, since the
// underlying *sftp.Client is not meant to be used concurrently from
// unrelated callers and sessions are cheap to negotiate over an already
// warm ControlMaster socket.
type sftpSession struct {
	cmd    *runningCommand
	client *sftp.Client
}

func (r *SSHRuntime) openSFTP(ctx context.Context) (*sftpSession, error) {
	if err := r.acquire(ctx); err != nil {
		return nil, err
	}
	// "-s" must precede the destination: ssh's argument parser treats
	// everything after the destination as the remote command to run, and
	// "sftp" here is that command (the subsystem name), not a flag value.
	args := r.sshArgs("-s", r.target.Host, "sftp")
	cmd, err := execCommand(ctx, "ssh", args)
	if err != nil {
		return nil, muxerr.Wrap(muxerr.KindNetwork, "start sftp subsystem", err)
	}
	client, err := sftp.NewClientPipe(cmd.stdout, cmd.stdin)
	if err != nil {
		cmd.kill()
		return nil, muxerr.Wrap(muxerr.KindNetwork, "negotiate sftp session", err)
	}
	return &sftpSession{cmd: cmd, client: client}, nil
}

func (s *sftpSession) Close() {
	_ = s.client.Close()
	_ = s.cmd.wait()
}

// resolveSFTPPath expands a leading "~" via the server's REALPATH handler
// (OpenSSH's sftp-server resolves it against the login user's home
// directory); any other path is passed through unresolved.
func resolveSFTPPath(client *sftp.Client, path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	resolved, err := client.RealPath(path)
	if err != nil {
		return "", muxerr.Wrap(muxerr.KindFileIO, "resolve "+path+" over sftp", err)
	}
	return resolved, nil
}

func (r *SSHRuntime) ReadFile(ctx context.Context, path string) (io.ReadCloser, error) {
	sess, err := r.openSFTP(ctx)
	if err != nil {
		return nil, err
	}
	remote, err := resolveSFTPPath(sess.client, path)
	if err != nil {
		sess.Close()
		return nil, err
	}
	f, err := sess.client.Open(remote)
	if err != nil {
		sess.Close()
		return nil, muxerr.Wrap(muxerr.KindFileIO, "open "+path+" over sftp", err)
	}
	return &sftpReadCloser{session: sess, file: f}, nil
}

type sftpReadCloser struct {
	session *sftpSession
	file    *sftp.File
}

func (rc *sftpReadCloser) Read(p []byte) (int, error) { return rc.file.Read(p) }
func (rc *sftpReadCloser) Close() error {
	err := rc.file.Close()
	rc.session.Close()
	return err
}

// WriteFile writes to a temp path alongside the target, then posix-renames
// over it on Close, matching the atomic swap the local/container runtimes
// get for free from os.Rename.
func (r *SSHRuntime) WriteFile(ctx context.Context, path string) (io.WriteCloser, error) {
	sess, err := r.openSFTP(ctx)
	if err != nil {
		return nil, err
	}
	remote, err := resolveSFTPPath(sess.client, path)
	if err != nil {
		sess.Close()
		return nil, err
	}

	dir := filepath.Dir(remote)
	if err := sess.client.MkdirAll(dir); err != nil {
		sess.Close()
		return nil, muxerr.Wrap(muxerr.KindFileIO, "mkdir "+dir+" over sftp", err)
	}

	tmp := remote + ".tmp." + strconv.FormatInt(time.Now().UnixNano(), 10)
	f, err := sess.client.Create(tmp)
	if err != nil {
		sess.Close()
		return nil, muxerr.Wrap(muxerr.KindFileIO, "create "+tmp+" over sftp", err)
	}
	return &sftpWriteCloser{session: sess, file: f, tmpPath: tmp, finalPath: remote}, nil
}

type sftpWriteCloser struct {
	session            *sftpSession
	file               *sftp.File
	tmpPath, finalPath string
}

func (wc *sftpWriteCloser) Write(p []byte) (int, error) { return wc.file.Write(p) }
func (wc *sftpWriteCloser) Close() error {
	defer wc.session.Close()
	if err := wc.file.Close(); err != nil {
		return muxerr.Wrap(muxerr.KindFileIO, "close "+wc.tmpPath+" over sftp", err)
	}
	if err := wc.session.client.PosixRename(wc.tmpPath, wc.finalPath); err != nil {
		return muxerr.Wrap(muxerr.KindFileIO, "rename "+wc.tmpPath+" to "+wc.finalPath+" over sftp", err)
	}
	return nil
}

func (r *SSHRuntime) Stat(ctx context.Context, path string) (*FileStat, error) {
	sess, err := r.openSFTP(ctx)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	remote, err := resolveSFTPPath(sess.client, path)
	if err != nil {
		return nil, err
	}
	info, err := sess.client.Stat(remote)
	if err != nil {
		return nil, muxerr.Wrap(muxerr.KindFileIO, "stat "+path+" over sftp", err)
	}
	return &FileStat{Size: info.Size(), ModifiedTime: info.ModTime(), IsDirectory: info.IsDir()}, nil
}
