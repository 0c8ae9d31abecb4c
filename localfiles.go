package monetdriver

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Ready-made transfer handlers backed by a local directory. Everything
// outside the directory is refused, so a malicious or confused server
// cannot name arbitrary client files.

// DirectoryUploadHandler serves upload requests from files under Dir.
type DirectoryUploadHandler struct {
	Dir string
}

func (h *DirectoryUploadHandler) HandleUpload(up *Upload, name string, text bool, skipLines int) error {
	path, ok := h.resolve(name)
	if !ok {
		return up.Refuse("forbidden path " + name)
	}
	f, err := os.Open(path)
	if err != nil {
		return up.Refuse(err.Error())
	}
	defer f.Close()

	if !text {
		_, err := io.Copy(up.Writer(), f)
		return err
	}

	r := bufio.NewReader(f)
	for skipLines > 0 {
		if _, err := r.ReadString('\n'); err != nil {
			if err == io.EOF {
				return nil // fewer lines than the server already has
			}
			return err
		}
		skipLines--
	}
	_, err = io.Copy(up.TextWriter(), r)
	return err
}

func (h *DirectoryUploadHandler) resolve(name string) (string, bool) {
	if filepath.IsAbs(name) || strings.Contains(name, "..") {
		return "", false
	}
	return filepath.Join(h.Dir, filepath.FromSlash(name)), true
}

// DirectoryDownloadHandler stores download requests as files under Dir.
// Existing files are never overwritten.
type DirectoryDownloadHandler struct {
	Dir string
}

func (h *DirectoryDownloadHandler) HandleDownload(dl *Download, name string, text bool) error {
	if filepath.IsAbs(name) || strings.Contains(name, "..") {
		return dl.Refuse("forbidden path " + name)
	}
	path := filepath.Join(h.Dir, filepath.FromSlash(name))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return dl.Refuse(err.Error())
	}

	src := dl.Reader()
	if text {
		src = dl.TextReader()
	}
	_, err = io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}
