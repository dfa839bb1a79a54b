package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/crane-dl/crane/internal/analyzer"
	"github.com/crane-dl/crane/internal/diskspace"
	"github.com/crane-dl/crane/internal/model"
)

// client is a thin HTTP client over the command surface exposed by
// `cranectl serve`, mirroring the teacher's use of encoding/json for its
// own CLI-facing (de)serialization (internal/cli/ls.go's --json output).
type client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func newClient(baseURL, apiKey string) *client {
	return &client{baseURL: baseURL, apiKey: apiKey, http: &http.Client{Timeout: 30 * time.Second}}
}

type apiError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return e.Message
}

func (c *client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w (is `cranectl serve` running?)", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var envelope struct {
			Error apiError `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err == nil && envelope.Error.Message != "" {
			return &envelope.Error
		}
		return fmt.Errorf("server returned %s", resp.Status)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *client) AnalyzeURL(ctx context.Context, url string, headers map[string]string) (analyzer.Result, error) {
	var res analyzer.Result
	err := c.do(ctx, http.MethodPost, "/analyze_url", map[string]any{"url": url, "headers": headers}, &res)
	return res, err
}

// addOptions mirrors command.addDownloadOptions; kept separate since that
// type is unexported.
type addOptions struct {
	SaveDir      string            `json:"saveDir,omitempty"`
	Connections  int               `json:"connections,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Referrer     string            `json:"referrer,omitempty"`
	Cookies      string            `json:"cookies,omitempty"`
	UserAgent    string            `json:"userAgent,omitempty"`
	ExpectedHash string            `json:"expectedHash,omitempty"`
}

func (c *client) AddDownload(ctx context.Context, url string, opts addOptions) (string, error) {
	var res struct {
		ID string `json:"id"`
	}
	err := c.do(ctx, http.MethodPost, "/add_download", map[string]any{"url": url, "options": opts}, &res)
	return res.ID, err
}

func (c *client) byID(ctx context.Context, path, id string) error {
	return c.do(ctx, http.MethodPost, path, map[string]string{"id": id}, nil)
}

func (c *client) Pause(ctx context.Context, id string) error  { return c.byID(ctx, "/pause_download", id) }
func (c *client) Resume(ctx context.Context, id string) error { return c.byID(ctx, "/resume_download", id) }
func (c *client) Cancel(ctx context.Context, id string) error { return c.byID(ctx, "/cancel_download", id) }
func (c *client) Retry(ctx context.Context, id string) error  { return c.byID(ctx, "/retry_download", id) }

func (c *client) Delete(ctx context.Context, id string, deleteFile bool) error {
	return c.do(ctx, http.MethodPost, "/delete_download", map[string]any{"id": id, "deleteFile": deleteFile}, nil)
}

func (c *client) GetDownloads(ctx context.Context) ([]*model.Download, error) {
	var rows []*model.Download
	err := c.do(ctx, http.MethodGet, "/get_downloads", nil, &rows)
	return rows, err
}

func (c *client) GetDownload(ctx context.Context, id string) (*model.Download, error) {
	var d model.Download
	err := c.do(ctx, http.MethodGet, "/get_download?id="+id, nil, &d)
	return &d, err
}

func (c *client) PauseAll(ctx context.Context) error  { return c.do(ctx, http.MethodPost, "/pause_all", nil, nil) }
func (c *client) ResumeAll(ctx context.Context) error { return c.do(ctx, http.MethodPost, "/resume_all", nil, nil) }

func (c *client) DeleteCompleted(ctx context.Context) (int, error) {
	var res struct {
		Count int `json:"count"`
	}
	err := c.do(ctx, http.MethodPost, "/delete_completed", nil, &res)
	return res.Count, err
}

func (c *client) DiskSpace(ctx context.Context, path string) (diskspace.Info, error) {
	var info diskspace.Info
	q := ""
	if path != "" {
		q = "?path=" + path
	}
	err := c.do(ctx, http.MethodGet, "/get_disk_space"+q, nil, &info)
	return info, err
}

// progressURL returns the SSE subscription endpoint for a download, used
// by the watch subcommand.
func (c *client) progressURL(id string) string {
	return c.baseURL + "/subscribe_progress?id=" + id
}
