package client

import (
	"io"
	"os"
	"path/filepath"

	errors "github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
)

// moveIntoLocalRoot moves the file into the shared broker storage,
// falling back to a plain copy when the rename fails, e.g. across
// filesystems.
func (c *Client) moveIntoLocalRoot(path, dataID string) error {
	dest := filepath.Join(c.localRoot, dataID)

	if err := os.Rename(path, dest); err != nil {
		c.logger.Debug("local move failed, copying instead",
			zap.String("path", path), zap.Error(err))
		if err := copyFile(path, dest); err != nil {
			return NewError(ErrCodeTransportError, err.Error())
		}
	}

	return nil
}

// linkFromLocalRoot makes dataID visible at destPath through a symbolic
// link, falling back to a copy. Returns os.ErrNotExist when the blob is
// not present under the shared path.
func (c *Client) linkFromLocalRoot(dataID, destPath string) error {
	src := filepath.Join(c.localRoot, dataID)
	if _, err := os.Stat(src); err != nil {
		return errors.WithStack(err)
	}

	if err := os.Symlink(src, destPath); err != nil {
		c.logger.Debug("symlink failed, copying instead",
			zap.String("src", src), zap.Error(err))
		if err := copyFile(src, destPath); err != nil {
			return NewError(ErrCodeTransportError, err.Error())
		}
	}

	return nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrapf(err, "open %s", src)
	}
	defer func() {
		_ = in.Close()
	}()

	out, err := os.Create(dest)
	if err != nil {
		return errors.Wrapf(err, "create %s", dest)
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return errors.Wrapf(err, "copy %s", src)
	}

	return errors.Wrapf(out.Close(), "close %s", dest)
}
