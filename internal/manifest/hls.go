package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/grafov/m3u8"
)

const (
	keyMethodNone      = "NONE"
	keyMethodAES128    = "AES-128"
	keyMethodSampleAES = "SAMPLE-AES"

	mediaTypeAudio     = "AUDIO"
	mediaTypeSubtitles = "SUBTITLES"
)

// parseHLS decodes the HLS playlist provided. Unknown tags are ignored
// by the decoder (non-strict mode).
func parseHLS(content []byte, base *url.URL) (*ParsedManifest, error) {
	playlist, _, err := m3u8.DecodeFrom(bytes.NewReader(content), false)
	if err != nil {
		return nil, newParseError(MalformedManifest, fmt.Errorf("failed to decode HLS playlist: %w", err))
	}

	switch p := playlist.(type) {
	case *m3u8.MasterPlaylist:
		return parseHLSMaster(p, base)
	case *m3u8.MediaPlaylist:
		return parseHLSMedia(p, base)
	default:
		return nil, newParseError(MalformedManifest, errors.New("HLS playlist is neither a master nor a media playlist"))
	}
}

func parseHLSMaster(playlist *m3u8.MasterPlaylist, base *url.URL) (*ParsedManifest, error) {
	result := &ParsedManifest{Format: FormatHLS, IsMaster: true}

	qualities := make([]StreamQuality, 0, len(playlist.Variants))
	seenAudio := make(map[string]bool)
	for _, variant := range playlist.Variants {
		if variant == nil || variant.Iframe || strings.TrimSpace(variant.URI) == "" {
			continue
		}

		width, height := parseResolution(variant.Resolution)
		qualities = append(qualities, StreamQuality{
			Resolution: variant.Resolution,
			Width:      width,
			Height:     height,
			Bandwidth:  int64(variant.Bandwidth),
			URL:        resolveReference(base, variant.URI),
			Codecs:     variant.Codecs,
			AudioGroup: variant.Audio,
		})

		if variant.Subtitles != "" {
			result.HasSubtitles = true
		}

		for _, alt := range variant.Alternatives {
			if alt == nil {
				continue
			}

			switch strings.ToUpper(alt.Type) {
			case mediaTypeSubtitles:
				result.HasSubtitles = true
			case mediaTypeAudio:
				key := alt.GroupId + "/" + alt.Name + "/" + alt.Language
				if seenAudio[key] {
					continue
				}

				seenAudio[key] = true
				track := AudioTrack{GroupID: alt.GroupId, Language: alt.Language, Label: alt.Name, Default: alt.Default}
				if alt.URI != "" {
					track.URL = resolveReference(base, alt.URI)
				}
				result.AudioTracks = append(result.AudioTracks, track)
			}
		}
	}

	if len(qualities) == 0 {
		return nil, newParseError(MalformedManifest, errors.New("HLS master playlist contains no usable variant streams"))
	}

	result.Qualities = sortAndDedupeQualities(qualities)
	return result, nil
}

func parseHLSMedia(playlist *m3u8.MediaPlaylist, base *url.URL) (*ParsedManifest, error) {
	result := &ParsedManifest{
		Format:        FormatHLS,
		IsLive:        !playlist.Closed,
		MediaSequence: playlist.SeqNo,
	}

	applyKey := func(key *m3u8.Key) {
		if key == nil {
			return
		}

		method := strings.ToUpper(strings.TrimSpace(key.Method))
		switch {
		case method == "" || method == keyMethodNone:
		case method == keyMethodAES128:
			if result.EncryptionKeyURL == "" && key.URI != "" {
				result.EncryptionKeyURL = resolveReference(base, key.URI)
				result.EncryptionIV = key.IV
			}
		case strings.HasPrefix(method, keyMethodSampleAES):
			result.IsDRMProtected = true
		default:
			log.Warnf("Unrecognised HLS key method %q, treating stream as DRM protected\n", key.Method)
			result.IsDRMProtected = true
		}
	}
	applyMap := func(m *m3u8.Map) {
		if m == nil || m.URI == "" || result.InitSegmentURL != "" {
			return
		}

		result.InitSegmentURL = resolveReference(base, m.URI)
		result.IsFragmentedMP4 = true
	}

	applyKey(playlist.Key)
	applyMap(playlist.Map)

	var total float64
	count := int(playlist.Count())
	segments := make([]Segment, 0, count)
	for i := 0; i < count && i < len(playlist.Segments); i++ {
		seg := playlist.Segments[i]
		if seg == nil {
			break
		}

		applyKey(seg.Key)
		applyMap(seg.Map)
		if strings.TrimSpace(seg.URI) == "" {
			continue
		}

		if isFragmentedExtension(seg.URI) {
			result.IsFragmentedMP4 = true
		}

		segments = append(segments, Segment{
			URL:      resolveReference(base, seg.URI),
			Duration: seg.Duration,
			Index:    len(segments),
		})
		total += seg.Duration
	}

	if len(segments) == 0 {
		return nil, newParseError(MalformedManifest, errors.New("HLS media playlist contains no segments"))
	}

	result.Segments = segments
	result.TotalDuration = &total
	result.Qualities = []StreamQuality{{URL: base.String()}}
	return result, nil
}

// parseResolution splits an HLS RESOLUTION attribute (e.g. 1920x1080)
// in to its width and height. Invalid input yields zeros.
func parseResolution(resolution string) (int, int) {
	w, h, ok := strings.Cut(strings.ToLower(resolution), "x")
	if !ok {
		return 0, 0
	}

	width, errW := strconv.Atoi(strings.TrimSpace(w))
	height, errH := strconv.Atoi(strings.TrimSpace(h))
	if errW != nil || errH != nil {
		return 0, 0
	}

	return width, height
}
