package manifest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	defaultRequestTimeout = 30 * time.Second
	maxManifestSize       = 16 << 20
)

type (
	// RequestDecorator is applied to every outbound manifest request, and
	// is typically used to attach cookies or headers for the source domain.
	RequestDecorator func(*http.Request)

	// Parser fetches manifests over HTTP and parses them. The zero value
	// is not usable; construct with NewParser.
	Parser struct {
		client   *http.Client
		timeout  time.Duration
		decorate RequestDecorator
	}
)

// NewParser constructs a Parser using the client provided. If client is nil,
// a client is created which applies the request timeout given.
func NewParser(client *http.Client, timeout time.Duration, decorate RequestDecorator) *Parser {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	return &Parser{client: client, timeout: timeout, decorate: decorate}
}

// Parse fetches the manifest at the URL provided and parses it.
func (p *Parser) Parse(ctx context.Context, manifestURL string) (*ParsedManifest, error) {
	content, finalURL, err := p.fetch(ctx, manifestURL)
	if err != nil {
		return nil, err
	}

	return ParseManifest(content, finalURL)
}

// ResolveMedia returns a manifest describing the segments which must be fetched
// in order to acquire the quality provided. For HLS master playlists this involves
// fetching the variant's media playlist (and the audio rendition playlist, if the
// variant sources audio from a separate group).
func (p *Parser) ResolveMedia(ctx context.Context, manifestURL string, quality StreamQuality) (*ParsedManifest, error) {
	content, finalURL, err := p.fetch(ctx, manifestURL)
	if err != nil {
		return nil, err
	}

	root, err := ParseManifestForQuality(content, finalURL, quality)
	if err != nil {
		return nil, err
	}
	if root.Format == FormatDASH || !root.IsMaster {
		return root, nil
	}

	variant, ok := matchVariant(root.Qualities, quality)
	if !ok {
		return nil, newParseError(UnsupportedFeature, fmt.Errorf("quality %s (%s) is not offered by %s", quality.Label(), quality.URL, manifestURL))
	}

	media, err := p.Parse(ctx, variant.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve variant playlist %s: %w", variant.URL, err)
	}
	if media.IsMaster {
		return nil, newParseError(MalformedManifest, fmt.Errorf("variant playlist %s is itself a master playlist", variant.URL))
	}

	media.Qualities = []StreamQuality{variant}
	media.AudioTracks = root.AudioTracks
	media.HasSubtitles = media.HasSubtitles || root.HasSubtitles
	if audioURL := audioRenditionURL(root.AudioTracks, variant.AudioGroup); audioURL != "" {
		audio, err := p.Parse(ctx, audioURL)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve audio rendition %s: %w", audioURL, err)
		}
		if audio.IsMaster {
			return nil, newParseError(MalformedManifest, fmt.Errorf("audio rendition %s is a master playlist", audioURL))
		}

		media.IsDRMProtected = media.IsDRMProtected || audio.IsDRMProtected
		media.IsLive = media.IsLive || audio.IsLive
		track := audio.VideoTrack()
		media.Audio = &track
	}

	return media, nil
}

func (p *Parser) fetch(ctx context.Context, manifestURL string) ([]byte, string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, manifestURL, nil)
	if err != nil {
		return nil, "", newParseError(MalformedManifest, fmt.Errorf("invalid manifest URL %q: %w", manifestURL, err))
	}
	if p.decorate != nil {
		p.decorate(req)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, "", newParseError(NetworkError, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", newParseError(NetworkError, fmt.Errorf("unexpected response %s fetching %s", resp.Status, manifestURL))
	}

	content, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestSize+1))
	if err != nil {
		return nil, "", newParseError(NetworkError, fmt.Errorf("failed to read manifest body: %w", err))
	}
	if len(content) > maxManifestSize {
		return nil, "", newParseError(UnsupportedFeature, errors.New("manifest exceeds maximum supported size"))
	}

	// Relative references resolve against the final URL after redirects
	finalURL := manifestURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	return content, finalURL, nil
}

// matchVariant finds the quality in the list that matches the wanted quality,
// preferring an exact URL match before falling back to bandwidth + resolution.
func matchVariant(qualities []StreamQuality, wanted StreamQuality) (StreamQuality, bool) {
	for _, q := range qualities {
		if q.URL == wanted.URL {
			return q, true
		}
	}
	for _, q := range qualities {
		if q.Bandwidth == wanted.Bandwidth && q.Resolution == wanted.Resolution {
			return q, true
		}
	}
	if wanted.URL == "" && wanted.Bandwidth == 0 && len(qualities) > 0 {
		return qualities[0], true
	}

	return StreamQuality{}, false
}

// audioRenditionURL returns the playlist URL of the audio rendition in the
// group given, preferring the DEFAULT rendition.
func audioRenditionURL(tracks []AudioTrack, group string) string {
	if group == "" {
		return ""
	}

	var candidate string
	for _, t := range tracks {
		if t.GroupID != group || t.URL == "" {
			continue
		}
		if t.Default {
			return t.URL
		}
		if candidate == "" {
			candidate = t.URL
		}
	}

	return candidate
}
