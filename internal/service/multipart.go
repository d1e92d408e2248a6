package service

import (
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
)

type formFile struct {
	field string
	path  string
	name  string
}

// newMultipartRequest streams fields and files as a multipart body without
// buffering the files in memory.
func newMultipartRequest(ctx context.Context, url string, fields map[string]string, files []formFile) (*http.Request, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, pr)
	if err != nil {
		pr.Close()
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	go func() {
		for k, v := range fields {
			if err := mw.WriteField(k, v); err != nil {
				pw.CloseWithError(err)
				return
			}
		}
		for _, ff := range files {
			if err := copyFormFile(mw, ff); err != nil {
				pw.CloseWithError(err)
				return
			}
		}
		pw.CloseWithError(mw.Close())
	}()
	return req, nil
}

func copyFormFile(mw *multipart.Writer, ff formFile) error {
	f, err := os.Open(ff.path)
	if err != nil {
		return err
	}
	defer f.Close()

	name := ff.name
	if name == "" {
		name = filepath.Base(ff.path)
	}
	part, err := mw.CreateFormFile(ff.field, name)
	if err != nil {
		return err
	}
	_, err = io.Copy(part, f)
	return err
}
