package builtin

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/net/html"

	"github.com/ashureev/agentstream/internal/tool"
)

const (
	defaultFetchMaxBytes = 512 * 1024
	defaultFetchCacheTTL = 5 * time.Minute
	defaultFetchTimeout  = 15 * time.Second
	// maxTextChars caps the text handed back to the model.
	maxTextChars = 20000
)

// FetchConfig configures the fetch_url tool.
type FetchConfig struct {
	MaxBytes int64
	CacheTTL time.Duration
	Timeout  time.Duration
	Client   *http.Client
	Logger   *slog.Logger
}

// FetchResult is returned to the model.
type FetchResult struct {
	URL         string `json:"url"`
	Status      int    `json:"status"`
	ContentType string `json:"contentType"`
	Text        string `json:"text"`
	Truncated   bool   `json:"truncated"`
	Cached      bool   `json:"cached,omitempty"`
}

// FetchURL downloads a web page and returns its readable text.
type FetchURL struct {
	client   *http.Client
	maxBytes int64
	cache    *cache.Cache
	logger   *slog.Logger
}

// NewFetchURL creates the fetch_url tool.
func NewFetchURL(cfg FetchConfig) *FetchURL {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultFetchMaxBytes
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultFetchCacheTTL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultFetchTimeout
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &FetchURL{
		client:   cfg.Client,
		maxBytes: cfg.MaxBytes,
		cache:    cache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
		logger:   cfg.Logger,
	}
}

func (f *FetchURL) Name() string { return "fetch_url" }

func (f *FetchURL) Description() string {
	return "Fetch a web page over HTTP(S) and return its text content."
}

func (f *FetchURL) Schema() *tool.Schema {
	return &tool.Schema{
		Type: "object",
		Properties: map[string]tool.Property{
			"url": {Type: "string", Description: "Absolute http or https URL"},
		},
		Required: []string{"url"},
	}
}

func (f *FetchURL) Execute(ctx context.Context, input map[string]any) (any, error) {
	raw, _ := input["url"].(string)
	target, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, fmt.Errorf("unsupported url scheme %q", target.Scheme)
	}
	if target.Host == "" {
		return nil, fmt.Errorf("url has no host")
	}

	key := target.String()
	if cached, ok := f.cache.Get(key); ok {
		res := cached.(FetchResult)
		res.Cached = true
		return res, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, key, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "agentstream-fetch/1.0")
	req.Header.Set("Accept", "text/html,text/plain;q=0.9,*/*;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", key, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	truncated := int64(len(body)) > f.maxBytes
	if truncated {
		body = body[:f.maxBytes]
	}

	contentType := resp.Header.Get("Content-Type")
	mediaType, _, _ := mime.ParseMediaType(contentType)

	var text string
	switch {
	case mediaType == "text/html" || mediaType == "application/xhtml+xml":
		text = ExtractText(string(body))
	case strings.HasPrefix(mediaType, "text/") || mediaType == "application/json" || mediaType == "":
		text = string(body)
	default:
		return nil, fmt.Errorf("unsupported content type %q", contentType)
	}
	if len(text) > maxTextChars {
		text = text[:maxTextChars]
		truncated = true
	}

	res := FetchResult{
		URL:         key,
		Status:      resp.StatusCode,
		ContentType: contentType,
		Text:        text,
		Truncated:   truncated,
	}
	if resp.StatusCode < 400 {
		f.cache.SetDefault(key, res)
	}
	f.logger.Debug("Fetched url", "url", key, "status", resp.StatusCode, "bytes", len(body))
	return res, nil
}

// ExtractText returns the visible text of an HTML document, one block per line.
func ExtractText(doc string) string {
	z := html.NewTokenizer(strings.NewReader(doc))
	var (
		b    strings.Builder
		skip int
	)
	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.TrimSpace(collapseBlankLines(b.String()))
		case html.StartTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style", "noscript", "template", "svg":
				skip++
			case "br", "p", "div", "li", "tr", "h1", "h2", "h3", "h4", "h5", "h6", "section", "article":
				b.WriteByte('\n')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style", "noscript", "template", "svg":
				if skip > 0 {
					skip--
				}
			case "p", "div", "li", "tr", "h1", "h2", "h3", "h4", "h5", "h6", "section", "article":
				b.WriteByte('\n')
			}
		case html.TextToken:
			if skip > 0 {
				continue
			}
			if text := strings.Join(strings.Fields(string(z.Text())), " "); text != "" {
				if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
					b.WriteByte(' ')
				}
				b.WriteString(text)
			}
		}
	}
}

func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
