package api

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"import-orchestrator/internal/orchestrator"
)

const (
	uploadDir     = "uploads"
	maxFieldBytes = 64 << 10
)

// spoolMultipart streams the file part into the drop directory and points the
// request at it as a file:// source, so the upload is never held in memory.
// The returned func removes the spooled file once admission fails.
func (s *Server) spoolMultipart(r *http.Request) (orchestrator.EnqueueRequest, func(), error) {
	noop := func() {}
	mr, err := r.MultipartReader()
	if err != nil {
		return orchestrator.EnqueueRequest{}, noop, fmt.Errorf("parse multipart form: %w", err)
	}
	root, err := os.OpenRoot(s.cfg.DropDir)
	if err != nil {
		return orchestrator.EnqueueRequest{}, noop, fmt.Errorf("open drop dir: %w", err)
	}
	defer root.Close()
	if err := root.Mkdir(uploadDir, 0o750); err != nil && !errors.Is(err, fs.ErrExist) {
		return orchestrator.EnqueueRequest{}, noop, fmt.Errorf("create upload dir: %w", err)
	}

	var (
		fields      = url.Values{}
		name        string
		filename    string
		contentType string
		discard     = noop
	)
	fail := func(err error) (orchestrator.EnqueueRequest, func(), error) {
		discard()
		return orchestrator.EnqueueRequest{}, noop, err
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fail(fmt.Errorf("parse multipart form: %w", err))
		}

		if part.FormName() == "file" && part.FileName() != "" {
			if name != "" {
				part.Close()
				return fail(errors.New("file field: more than one file"))
			}
			filename = part.FileName()
			contentType = part.Header.Get("Content-Type")
			name = path.Join(uploadDir, uuid.NewString()+strings.ToLower(filepath.Ext(filename)))
			discard = func() { s.removeSpooled(name) }
			n, err := writeSpooled(root, name, part)
			part.Close()
			if err != nil {
				return fail(err)
			}
			if n == 0 {
				return fail(errors.New("file field: empty upload"))
			}
			continue
		}

		val, err := io.ReadAll(io.LimitReader(part, maxFieldBytes+1))
		part.Close()
		if err != nil {
			return fail(fmt.Errorf("read field %s: %w", part.FormName(), err))
		}
		if len(val) > maxFieldBytes {
			return fail(fmt.Errorf("field %s exceeds %d bytes", part.FormName(), maxFieldBytes))
		}
		fields.Add(part.FormName(), string(val))
	}
	if name == "" {
		return fail(errors.New("file field: missing"))
	}

	req, err := formRequest(fields.Get, filename, contentType)
	if err != nil {
		return fail(err)
	}
	req.Location = "file://" + name
	s.logger.Debug("upload spooled", zap.String("location", req.Location), zap.String("filename", filename))
	return req, discard, nil
}

func writeSpooled(root *os.Root, name string, src io.Reader) (int64, error) {
	f, err := root.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return 0, fmt.Errorf("create spool file: %w", err)
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("write upload: %w", err)
	}
	return n, nil
}

func (s *Server) removeSpooled(name string) {
	root, err := os.OpenRoot(s.cfg.DropDir)
	if err != nil {
		s.logger.Warn("remove spooled upload", zap.String("name", name), zap.Error(err))
		return
	}
	defer root.Close()
	if err := root.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("remove spooled upload", zap.String("name", name), zap.Error(err))
	}
}
