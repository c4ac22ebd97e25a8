package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"gigatile/internal/render"
	"gigatile/internal/tile"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultUserAgent = "gigatile/1.0"
	maxTileBytes     = 16 << 20
)

type Config struct {
	// URL contains {z}, {x} and {y} placeholders.
	URL       string
	UserAgent string
	Referer   string
	Timeout   time.Duration
}

// Provider fetches tiles one at a time from an upstream tile server.
type Provider struct {
	template   string
	userAgent  string
	referer    string
	httpClient *http.Client
	logger     *zap.Logger
}

func New(cfg Config, log *zap.Logger) (*Provider, error) {
	for _, p := range []string{"{z}", "{x}", "{y}"} {
		if !strings.Contains(cfg.URL, p) {
			return nil, fmt.Errorf("upstream url %q is missing %s", cfg.URL, p)
		}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	return &Provider{
		template:  cfg.URL,
		userAgent: ua,
		referer:   cfg.Referer,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: log,
	}, nil
}

func (p *Provider) url(c tile.Coordinate) string {
	return strings.NewReplacer(
		"{z}", strconv.Itoa(c.Zoom),
		"{x}", strconv.Itoa(c.Column),
		"{y}", strconv.Itoa(c.Row),
	).Replace(p.template)
}

func (p *Provider) RenderTile(ctx context.Context, _, _ int, _ string, coord tile.Coordinate) (render.Outcome, error) {
	upstreamURL := p.url(coord)
	p.logger.Debug("Fetching from upstream", zap.String("url", upstreamURL))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, upstreamURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", p.userAgent)
	if p.referer != "" {
		req.Header.Set("Referer", p.referer)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch tile from upstream: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNoContent:
		return render.NotFound(), nil
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("upstream returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxTileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read tile data: %w", err)
	}
	if len(data) > maxTileBytes {
		return nil, errors.New("upstream tile exceeds size limit")
	}

	return render.Cacheable{Image: render.Encoded{
		Data:   data,
		Format: p.formatOf(resp.Header.Get("Content-Type")),
	}}, nil
}

// formatOf prefers the response media type and falls back to the URL
// extension.
func (p *Provider) formatOf(contentType string) string {
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		if sub, ok := strings.CutPrefix(mt, "image/"); ok {
			return render.NormalizeFormat(sub)
		}
	}
	return render.NormalizeFormat(path.Ext(strings.SplitN(p.template, "?", 2)[0]))
}
