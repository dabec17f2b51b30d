// Package atomicfile replaces files so that readers observe either the old
// content or the complete new content, never a partial write.
package atomicfile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/support-and-care-labs/mail-mcp/model"
)

const (
	chunkSize = 1 << 20
	filePerm  = 0o644
	dirPerm   = 0o755
)

// Write atomically replaces path with data.
func Write(ctx context.Context, path string, data []byte) error {
	return WriteFrom(ctx, path, bytes.NewReader(data))
}

// WriteFrom atomically replaces path with everything read from r.
//
// The content is staged in a temporary file in the same directory, synced and
// renamed over path. On any failure the temporary file is removed and path is
// left as it was. Errors wrap model.ErrIOFailure.
func WriteFrom(ctx context.Context, path string, r io.Reader) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return ioFailure("create directory", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return ioFailure("create temp file", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if err := copyContext(ctx, tmp, r); err != nil {
		return ioFailure("write temp file", err)
	}
	if err := tmp.Sync(); err != nil {
		return ioFailure("sync temp file", err)
	}
	if err := tmp.Close(); err != nil {
		return ioFailure("close temp file", err)
	}
	if err := os.Chmod(tmpName, filePerm); err != nil {
		return ioFailure("chmod temp file", err)
	}
	if err := ctx.Err(); err != nil {
		return ioFailure("rename", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return ioFailure("rename", err)
	}

	syncDir(dir)
	return nil
}

func copyContext(ctx context.Context, dst io.Writer, src io.Reader) error {
	buf := make([]byte, chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return nil
			}
			return rerr
		}
	}
}

// syncDir makes the rename durable where the platform allows opening
// directories; failures are ignored since the rename already happened.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

func ioFailure(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", model.ErrIOFailure, op, err)
}
