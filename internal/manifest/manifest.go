// Package manifest normalises the two adaptive-streaming manifest grammars
// Siphon understands (HLS playlists and DASH MPDs) in to a single
// ParsedManifest shape which the rest of the pipeline depends on.
package manifest

import (
	"bytes"
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"

	"github.com/hbomb79/Siphon/pkg/logger"
)

var log = logger.Get("Manifest")

type (
	Format int

	// StreamQuality is one bitrate/resolution option offered by a manifest.
	StreamQuality struct {
		// ID is the DASH representation ID. Empty for HLS variants.
		ID         string `json:"id,omitempty"`
		Resolution string `json:"resolution,omitempty"`
		Width      int    `json:"width,omitempty"`
		Height     int    `json:"height,omitempty"`
		Bandwidth  int64  `json:"bandwidth"`
		URL        string `json:"url"`
		Codecs     string `json:"codecs,omitempty"`
		// AudioGroup is the HLS EXT-X-MEDIA group this variant renders
		// its audio from (if any).
		AudioGroup string `json:"audio_group,omitempty"`
	}

	// Segment is a single chunk of media. Index is the authoritative
	// ordering of the segment within its track.
	Segment struct {
		URL      string  `json:"url"`
		Duration float64 `json:"duration"`
		Index    int     `json:"index"`
	}

	AudioTrack struct {
		ID        string `json:"id,omitempty"`
		GroupID   string `json:"group_id,omitempty"`
		Language  string `json:"language,omitempty"`
		Label     string `json:"label,omitempty"`
		Codecs    string `json:"codecs,omitempty"`
		Bandwidth int64  `json:"bandwidth,omitempty"`
		URL       string `json:"url,omitempty"`
		Default   bool   `json:"default,omitempty"`
	}

	// Track is the downloadable description of one elementary rendition: the
	// ordered segments, along with the initialisation segment and symmetric key
	// information required to make sense of them.
	Track struct {
		InitSegmentURL   string    `json:"init_segment_url,omitempty"`
		Segments         []Segment `json:"segments"`
		EncryptionKeyURL string    `json:"encryption_key_url,omitempty"`
		EncryptionIV     string    `json:"encryption_iv,omitempty"`
		MediaSequence    uint64    `json:"media_sequence"`
		IsFragmentedMP4  bool      `json:"fragmented_mp4"`
	}

	// ParsedManifest is the normalised result of parsing either an HLS
	// or a DASH manifest. Format discriminates which grammar produced it;
	// fields which only make sense for one of the formats are left zeroed
	// for the other.
	ParsedManifest struct {
		Format    Format          `json:"format"`
		IsMaster  bool            `json:"is_master"`
		Qualities []StreamQuality `json:"qualities"`
		Segments  []Segment       `json:"segments"`

		IsLive         bool     `json:"is_live"`
		IsDRMProtected bool     `json:"is_drm_protected"`
		HasSubtitles   bool     `json:"has_subtitles"`
		TotalDuration  *float64 `json:"total_duration,omitempty"`

		EncryptionKeyURL string `json:"encryption_key_url,omitempty"`
		EncryptionIV     string `json:"encryption_iv,omitempty"`
		MediaSequence    uint64 `json:"media_sequence"`

		InitSegmentURL  string       `json:"init_segment_url,omitempty"`
		IsFragmentedMP4 bool         `json:"fragmented_mp4"`
		AudioTracks     []AudioTrack `json:"audio_tracks,omitempty"`

		// Audio is populated only once a quality has been resolved and
		// that quality renders its audio from a separate rendition.
		Audio *Track `json:"audio,omitempty"`
	}
)

const (
	FormatHLS Format = iota
	FormatDASH
)

func (f Format) String() string {
	switch f {
	case FormatHLS:
		return fmt.Sprintf("HLS[%d]", f)
	case FormatDASH:
		return fmt.Sprintf("DASH[%d]", f)
	}

	return fmt.Sprintf("UNKNOWN[%d]", f)
}

// Label returns a short human readable label for the quality, such
// as '1080p' or '2400kbps' if no resolution is known.
func (q StreamQuality) Label() string {
	if q.Height > 0 {
		return fmt.Sprintf("%dp", q.Height)
	}
	if q.Bandwidth > 0 {
		return fmt.Sprintf("%dkbps", q.Bandwidth/1000)
	}

	return "source"
}

// VideoTrack returns the primary (video, or muxed audio+video) track
// described by this manifest.
func (m *ParsedManifest) VideoTrack() Track {
	return Track{
		InitSegmentURL:   m.InitSegmentURL,
		Segments:         m.Segments,
		EncryptionKeyURL: m.EncryptionKeyURL,
		EncryptionIV:     m.EncryptionIV,
		MediaSequence:    m.MediaSequence,
		IsFragmentedMP4:  m.IsFragmentedMP4,
	}
}

// TotalSegments returns the number of segments across every track
// that must be fetched to acquire this manifest.
func (m *ParsedManifest) TotalSegments() int {
	total := len(m.Segments)
	if m.Audio != nil {
		total += len(m.Audio.Segments)
	}

	return total
}

// ParseManifest parses the manifest content provided, resolving any relative
// URIs against the baseURL. The grammar is detected from the content itself.
func ParseManifest(content []byte, baseURL string) (*ParsedManifest, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, newParseError(MalformedManifest, fmt.Errorf("base URL %q is invalid: %w", baseURL, err))
	}

	switch detectFormat(content) {
	case FormatHLS:
		return parseHLS(content, base)
	case FormatDASH:
		return parseDASH(content, base, "")
	default:
		return nil, newParseError(UnsupportedFeature, fmt.Errorf("content of %s is not a recognised manifest", baseURL))
	}
}

// ParseManifestForQuality behaves like ParseManifest, however the segment
// information of the returned manifest describes the quality provided rather
// than the default (highest bandwidth) quality. This is only meaningful for
// DASH manifests, where every representation shares the same document.
func ParseManifestForQuality(content []byte, baseURL string, quality StreamQuality) (*ParsedManifest, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, newParseError(MalformedManifest, fmt.Errorf("base URL %q is invalid: %w", baseURL, err))
	}

	switch detectFormat(content) {
	case FormatHLS:
		return parseHLS(content, base)
	case FormatDASH:
		return parseDASH(content, base, quality.ID)
	default:
		return nil, newParseError(UnsupportedFeature, fmt.Errorf("content of %s is not a recognised manifest", baseURL))
	}
}

const formatUnknown Format = -1

func detectFormat(content []byte) Format {
	trimmed := bytes.TrimSpace(bytes.TrimPrefix(content, []byte("\xef\xbb\xbf")))
	if bytes.HasPrefix(trimmed, []byte("#EXTM3U")) {
		return FormatHLS
	}

	if bytes.HasPrefix(trimmed, []byte("<")) && bytes.Contains(trimmed, []byte("<MPD")) {
		return FormatDASH
	}

	return formatUnknown
}

// resolveReference resolves the (possibly relative) reference
// against the base URL provided.
func resolveReference(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return base.String()
	}

	parsed, err := url.Parse(ref)
	if err != nil {
		log.Warnf("Unable to parse manifest reference %q, using verbatim\n", ref)
		return ref
	}

	return base.ResolveReference(parsed).String()
}

// sortAndDedupeQualities removes duplicate qualities (matched on URL, ID and
// bandwidth) and sorts the remainder by descending bandwidth. Ties retain
// manifest order.
func sortAndDedupeQualities(qualities []StreamQuality) []StreamQuality {
	type key struct {
		url, id   string
		bandwidth int64
	}

	seen := make(map[key]bool, len(qualities))
	out := make([]StreamQuality, 0, len(qualities))
	for _, q := range qualities {
		k := key{q.URL, q.ID, q.Bandwidth}
		if seen[k] {
			continue
		}

		seen[k] = true
		out = append(out, q)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Bandwidth > out[j].Bandwidth })
	return out
}

// isFragmentedExtension reports whether the URI looks like a fragmented
// MP4 (CMAF) media segment.
func isFragmentedExtension(uri string) bool {
	if u, err := url.Parse(uri); err == nil {
		uri = u.Path
	}

	switch strings.ToLower(path.Ext(uri)) {
	case ".m4s", ".mp4", ".m4v", ".m4a", ".cmfv", ".cmfa":
		return true
	}

	return false
}
