// Package ingest reads uploads incrementally: it spools the raw stream to
// disk while fingerprinting it, then yields fixed-size batches of records.
package ingest

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// Spool is an upload copied to a temp file. Fingerprint is the hex BLAKE2b-256
// digest of the exact bytes received.
type Spool struct {
	Path        string
	Fingerprint string
	Size        int64
}

// SpoolUpload copies r into dir (os.TempDir when empty) and fingerprints it in
// the same pass. maxBytes <= 0 means unlimited.
func SpoolUpload(ctx context.Context, r io.Reader, dir string, maxBytes int64) (*Spool, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	f, err := os.CreateTemp(dir, "upload-"+uuid.NewString()+"-*.spool")
	if err != nil {
		return nil, fmt.Errorf("create spool file failed: %w", err)
	}
	path := f.Name()

	hash, _ := blake2b.New256(nil)
	src := io.Reader(&ctxReader{ctx: ctx, r: r})
	if maxBytes > 0 {
		src = io.LimitReader(src, maxBytes+1)
	}
	n, err := io.Copy(io.MultiWriter(f, hash), src)
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && maxBytes > 0 && n > maxBytes {
		err = fmt.Errorf("upload exceeds %d bytes", maxBytes)
	}
	if err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("spool upload failed: %w", err)
	}

	return &Spool{
		Path:        path,
		Fingerprint: hex.EncodeToString(hash.Sum(nil)),
		Size:        n,
	}, nil
}

func (s *Spool) Open() (*os.File, error) {
	return os.Open(s.Path)
}

func (s *Spool) Remove() error {
	if err := os.Remove(s.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
