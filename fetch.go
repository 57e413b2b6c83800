package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"path/filepath"

	"pewalk/pkg/imagemap"
)

// maxFetchSize bounds how much of an HTTP response is read.
const maxFetchSize = 1 << 30

// fetch reads an image from a local path or an http(s) URL and returns it
// with the module name it should be listed under.
func fetch(ctx context.Context, src string) ([]byte, string, error) {
	u, err := url.Parse(src)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		raw, err := imagemap.ReadFile(src)
		return raw, filepath.Base(src), err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetching %s: %s", src, resp.Status)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchSize))
	if err != nil {
		return nil, "", err
	}
	return raw, path.Base(u.Path), nil
}
