// Package analyzer implements spec.md §4.5: probing a URL for filename,
// size, resumability and content category before it's handed to the
// planner and engine.
package analyzer

import (
	"context"
	"mime"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/crane-dl/crane/internal/craneerr"
	"github.com/crane-dl/crane/internal/model"
	"github.com/crane-dl/crane/internal/protocol"
)

// Result is the UrlAnalysis value from spec.md §4.5.
type Result struct {
	Filename   string
	TotalSize  int64 // -1 when unknown
	MIME       string
	Resumable  bool
	Category   model.Category
	Server     string
}

// Analyzer probes URLs using the HTTP(S) and FTP protocol clients.
type Analyzer struct {
	HTTP *protocol.HTTPClient
}

// New builds an Analyzer over an existing HTTP client.
func New(http *protocol.HTTPClient) *Analyzer {
	return &Analyzer{HTTP: http}
}

// Analyze probes url and classifies it, per spec.md §4.5. HTTP(S) URLs are
// probed with HEAD. FTP URLs are not contacted at all: the result is built
// from the URL path alone, with an unknown size and resumability assumed
// rather than checked against the server. The derived filename/category
// logic is shared.
func (a *Analyzer) Analyze(ctx context.Context, rawURL string, headers map[string]string) (Result, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Result{}, craneerr.Wrap(craneerr.Malformed, "parsing URL", err)
	}

	switch u.Scheme {
	case "http", "https":
		return a.analyzeHTTP(ctx, rawURL, u, headers)
	case "ftp":
		return a.analyzeFTP(u)
	default:
		return Result{}, craneerr.New(craneerr.Malformed, "unsupported scheme: "+u.Scheme)
	}
}

func (a *Analyzer) analyzeHTTP(ctx context.Context, rawURL string, u *url.URL, headers map[string]string) (Result, error) {
	info, err := a.HTTP.Head(ctx, rawURL, headers)
	if err != nil {
		return Result{}, err
	}

	filename := deriveFilename(info.ContentDisposition, u.Path)
	category := classify(info.ContentType, filename)

	total := info.ContentLength
	if total < 0 {
		total = -1
	}

	return Result{
		Filename:  filename,
		TotalSize: total,
		MIME:      info.ContentType,
		Resumable: info.AcceptRanges && total > 0,
		Category:  category,
		Server:    "http",
	}, nil
}

func (a *Analyzer) analyzeFTP(u *url.URL) (Result, error) {
	filename := deriveFilename("", u.Path)
	category := classify("", filename)
	return Result{
		Filename:  filename,
		TotalSize: -1,
		Resumable: true, // REST support is assumed, not probed; a rejected offset fails the chunk
		Category:  category,
		Server:    "ftp",
	}, nil
}

// deriveFilename implements spec.md §4.5's fallback chain:
// Content-Disposition -> URL path -> "download".
func deriveFilename(contentDisposition, urlPath string) string {
	if contentDisposition != "" {
		if _, params, err := mime.ParseMediaType(contentDisposition); err == nil {
			if fn, ok := params["filename"]; ok && fn != "" {
				return path.Base(fn)
			}
		}
	}
	base := path.Base(urlPath)
	if base == "" || base == "." || base == "/" {
		return "download"
	}
	return base
}

// categoryByExt maps file extensions to spec.md §4.5's fixed category set.
var categoryByExt = map[string]model.Category{
	".pdf": model.CategoryDocuments, ".doc": model.CategoryDocuments, ".docx": model.CategoryDocuments,
	".txt": model.CategoryDocuments, ".odt": model.CategoryDocuments, ".epub": model.CategoryDocuments,
	".mp4": model.CategoryVideo, ".mkv": model.CategoryVideo, ".avi": model.CategoryVideo, ".mov": model.CategoryVideo, ".webm": model.CategoryVideo,
	".mp3": model.CategoryAudio, ".flac": model.CategoryAudio, ".wav": model.CategoryAudio, ".ogg": model.CategoryAudio, ".m4a": model.CategoryAudio,
	".jpg": model.CategoryImages, ".jpeg": model.CategoryImages, ".png": model.CategoryImages, ".gif": model.CategoryImages, ".webp": model.CategoryImages, ".svg": model.CategoryImages,
	".zip": model.CategoryArchives, ".tar": model.CategoryArchives, ".gz": model.CategoryArchives, ".7z": model.CategoryArchives, ".rar": model.CategoryArchives, ".xz": model.CategoryArchives,
	".exe": model.CategorySoftware, ".msi": model.CategorySoftware, ".dmg": model.CategorySoftware, ".deb": model.CategorySoftware, ".rpm": model.CategorySoftware, ".appimage": model.CategorySoftware,
}

// classify derives a category from MIME type (when known) and falls back
// to the file extension, per spec.md §4.5.
func classify(mimeType, filename string) model.Category {
	if mimeType != "" {
		switch {
		case strings.HasPrefix(mimeType, "video/"):
			return model.CategoryVideo
		case strings.HasPrefix(mimeType, "audio/"):
			return model.CategoryAudio
		case strings.HasPrefix(mimeType, "image/"):
			return model.CategoryImages
		}
	}
	ext := strings.ToLower(path.Ext(filename))
	if cat, ok := categoryByExt[ext]; ok {
		return cat
	}
	return model.CategoryOther
}

// ClassifyBytes sniffs a short byte prefix with gabriel-vasile/mimetype,
// used by the engine once the first chunk bytes are available to refine a
// category guess made from extension alone.
func ClassifyBytes(prefix []byte, filename string) (model.Category, string) {
	mt := mimetype.Detect(prefix)
	return classify(mt.String(), filename), mt.String()
}

// ParseContentLength parses a Content-Length header value, returning -1 on
// any parse failure (treated as "unknown total", per spec.md §3).
func ParseContentLength(s string) int64 {
	if s == "" {
		return -1
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return -1
	}
	return n
}
