package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/pkg/sftp"
)

func (c *Client) sftpClient(op string) (*sftp.Client, error) {
	client, err := c.sshClient(op)
	if err != nil {
		return nil, err
	}
	sc, err := sftp.NewClient(client)
	if err != nil {
		return nil, transportError(op, fmt.Errorf("failed to start sftp: %w", err), true)
	}
	return sc, nil
}

// WriteFile writes data to a remote file, creating parent directories.
func (c *Client) WriteFile(ctx context.Context, remotePath string, data []byte, mode os.FileMode) error {
	if err := ctx.Err(); err != nil {
		return transportError("write", err, true)
	}

	sc, err := c.sftpClient("write")
	if err != nil {
		return err
	}
	defer sc.Close()

	if err := sc.MkdirAll(path.Dir(remotePath)); err != nil {
		return transportError("write", fmt.Errorf("failed to create remote directory: %w", err), false)
	}

	f, err := sc.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return transportError("write", fmt.Errorf("failed to create remote file: %w", err), false)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return transportError("write", fmt.Errorf("failed to write remote file: %w", err), true)
	}
	if err := f.Close(); err != nil {
		return transportError("write", err, true)
	}
	if err := sc.Chmod(remotePath, mode); err != nil {
		return transportError("write", fmt.Errorf("failed to set permissions: %w", err), false)
	}

	c.logger.Debug().Str("path", remotePath).Int("bytes", len(data)).Msg("Wrote remote file")
	return nil
}

// ReadFile reads a remote file.
func (c *Client) ReadFile(ctx context.Context, remotePath string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, transportError("read", err, true)
	}

	sc, err := c.sftpClient("read")
	if err != nil {
		return nil, err
	}
	defer sc.Close()

	f, err := sc.Open(remotePath)
	if err != nil {
		return nil, transportError("read", err, false)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, transportError("read", err, true)
	}
	return data, nil
}

// Remove deletes a remote file. A missing file is not an error.
func (c *Client) Remove(ctx context.Context, remotePath string) error {
	if err := ctx.Err(); err != nil {
		return transportError("remove", err, true)
	}

	sc, err := c.sftpClient("remove")
	if err != nil {
		return err
	}
	defer sc.Close()

	if err := sc.Remove(remotePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return transportError("remove", err, false)
	}
	return nil
}
