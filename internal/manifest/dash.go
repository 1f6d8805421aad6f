package manifest

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

type (
	mpdDocument struct {
		XMLName                   xml.Name    `xml:"MPD"`
		Type                      string      `xml:"type,attr"`
		MediaPresentationDuration string      `xml:"mediaPresentationDuration,attr"`
		BaseURLs                  []string    `xml:"BaseURL"`
		Periods                   []mpdPeriod `xml:"Period"`
	}

	mpdPeriod struct {
		ID             string             `xml:"id,attr"`
		Start          string             `xml:"start,attr"`
		Duration       string             `xml:"duration,attr"`
		BaseURLs       []string           `xml:"BaseURL"`
		AdaptationSets []mpdAdaptationSet `xml:"AdaptationSet"`
	}

	mpdAdaptationSet struct {
		ContentType       string              `xml:"contentType,attr"`
		MimeType          string              `xml:"mimeType,attr"`
		Codecs            string              `xml:"codecs,attr"`
		Lang              string              `xml:"lang,attr"`
		LabelAttr         string              `xml:"label,attr"`
		Labels            []string            `xml:"Label"`
		Width             int                 `xml:"width,attr"`
		Height            int                 `xml:"height,attr"`
		BaseURLs          []string            `xml:"BaseURL"`
		ContentProtection []mpdDescriptor     `xml:"ContentProtection"`
		Roles             []mpdDescriptor     `xml:"Role"`
		SegmentTemplate   *mpdSegmentTemplate `xml:"SegmentTemplate"`
		SegmentList       *mpdSegmentList     `xml:"SegmentList"`
		Representations   []mpdRepresentation `xml:"Representation"`
	}

	mpdRepresentation struct {
		ID                string              `xml:"id,attr"`
		Bandwidth         int64               `xml:"bandwidth,attr"`
		Width             int                 `xml:"width,attr"`
		Height            int                 `xml:"height,attr"`
		Codecs            string              `xml:"codecs,attr"`
		MimeType          string              `xml:"mimeType,attr"`
		BaseURLs          []string            `xml:"BaseURL"`
		ContentProtection []mpdDescriptor     `xml:"ContentProtection"`
		SegmentTemplate   *mpdSegmentTemplate `xml:"SegmentTemplate"`
		SegmentList       *mpdSegmentList     `xml:"SegmentList"`
	}

	mpdDescriptor struct {
		SchemeIDURI string `xml:"schemeIdUri,attr"`
		Value       string `xml:"value,attr"`
	}

	mpdSegmentTemplate struct {
		Media          string              `xml:"media,attr"`
		Initialization string              `xml:"initialization,attr"`
		StartNumber    *int64              `xml:"startNumber,attr"`
		Timescale      *int64              `xml:"timescale,attr"`
		Duration       *int64              `xml:"duration,attr"`
		Timeline       *mpdSegmentTimeline `xml:"SegmentTimeline"`
	}

	mpdSegmentTimeline struct {
		Entries []mpdTimelineEntry `xml:"S"`
	}

	mpdTimelineEntry struct {
		T *int64 `xml:"t,attr"`
		D int64  `xml:"d,attr"`
		R int64  `xml:"r,attr"`
	}

	mpdSegmentList struct {
		Timescale      *int64          `xml:"timescale,attr"`
		Duration       *int64          `xml:"duration,attr"`
		Initialization *mpdURL         `xml:"Initialization"`
		SegmentURLs    []mpdSegmentURL `xml:"SegmentURL"`
	}

	mpdURL struct {
		SourceURL string `xml:"sourceURL,attr"`
	}

	mpdSegmentURL struct {
		Media string `xml:"media,attr"`
	}

	contentKind int

	// dashRepresentation is a representation flattened with the context
	// (base URL and addressing) it inherits from its parents.
	dashRepresentation struct {
		kind     contentKind
		rep      mpdRepresentation
		set      *mpdAdaptationSet
		base     *url.URL
		duration float64
	}
)

const (
	contentUnknown contentKind = iota
	contentVideo
	contentAudio
	contentText
)

const mpdTypeDynamic = "dynamic"

var templateIdentifier = regexp.MustCompile(`\$(RepresentationID|Number|Bandwidth|Time)(%0(\d+)d)?\$`)

// parseDASH decodes the MPD provided. The segments of the returned manifest
// describe the video representation whose ID matches qualityID, or the
// highest-bandwidth video representation if qualityID is empty or unknown.
func parseDASH(content []byte, base *url.URL, qualityID string) (*ParsedManifest, error) {
	var doc mpdDocument
	decoder := xml.NewDecoder(bytes.NewReader(content))
	decoder.Strict = true
	if err := decoder.Decode(&doc); err != nil {
		return nil, newParseError(MalformedManifest, fmt.Errorf("failed to decode DASH manifest: %w", err))
	}

	result := &ParsedManifest{
		Format: FormatDASH,
		IsLive: strings.EqualFold(doc.Type, mpdTypeDynamic),
	}

	var presentationDuration float64
	if doc.MediaPresentationDuration != "" {
		d, err := ParseISODuration(doc.MediaPresentationDuration)
		if err != nil {
			return nil, newParseError(MalformedManifest, err)
		}

		presentationDuration = d
		result.TotalDuration = &d
	}

	docBase := resolveBaseURLs(base, doc.BaseURLs)
	durations := periodDurations(doc.Periods, presentationDuration)

	// Representations grouped by period, omitting periods which have none
	var videoPeriods, audioPeriods [][]dashRepresentation
	for p, period := range doc.Periods {
		periodBase := resolveBaseURLs(docBase, period.BaseURLs)

		var videos, audios []dashRepresentation
		for i := range period.AdaptationSets {
			set := &period.AdaptationSets[i]
			setBase := resolveBaseURLs(periodBase, set.BaseURLs)
			if len(set.ContentProtection) > 0 {
				result.IsDRMProtected = true
			}

			for _, rep := range set.Representations {
				if len(rep.ContentProtection) > 0 {
					result.IsDRMProtected = true
				}

				flat := dashRepresentation{
					kind:     classifyContent(set, &rep),
					rep:      rep,
					set:      set,
					base:     resolveBaseURLs(setBase, rep.BaseURLs),
					duration: durations[p],
				}

				switch flat.kind {
				case contentVideo:
					videos = append(videos, flat)
				case contentAudio:
					audios = append(audios, flat)
				case contentText:
					result.HasSubtitles = true
				default:
					log.Debugf("Skipping DASH representation %q with unrecognised content type\n", rep.ID)
				}
			}

			// Text sets may carry no representations at all (e.g. sidecar subtitles)
			if len(set.Representations) == 0 && classifyContent(set, &mpdRepresentation{}) == contentText {
				result.HasSubtitles = true
			}
		}

		if len(videos) > 0 {
			videoPeriods = append(videoPeriods, videos)
		}
		if len(audios) > 0 {
			audioPeriods = append(audioPeriods, audios)
		}
	}

	if len(videoPeriods) == 0 {
		return nil, newParseError(MalformedManifest, errors.New("DASH manifest contains no video representations"))
	}

	// A representation recurring in later periods is reported as it first appears
	var qualities []StreamQuality
	reported := make(map[string]bool)
	for _, videos := range videoPeriods {
		for _, v := range videos {
			if v.rep.ID != "" && reported[v.rep.ID] {
				continue
			}

			reported[v.rep.ID] = true
			qualities = append(qualities, v.quality())
		}
	}
	result.Qualities = sortAndDedupeQualities(qualities)

	// The audio renditions on offer are those of the first period carrying audio
	if len(audioPeriods) > 0 {
		for _, a := range audioPeriods[0] {
			result.AudioTracks = append(result.AudioTracks, a.audioTrack())
		}
	}

	selected := selectRepresentation(flattenPeriods(videoPeriods), qualityID)
	track, err := joinPeriods(videoPeriods, selected.rep.ID)
	if err != nil {
		return nil, err
	}

	if len(track.Segments) == 0 && !result.IsLive {
		return nil, newParseError(MalformedManifest, fmt.Errorf("DASH representation %q has no addressable segments", selected.rep.ID))
	}

	result.Segments = track.Segments
	result.InitSegmentURL = track.InitSegmentURL
	result.IsFragmentedMP4 = track.IsFragmentedMP4
	if result.TotalDuration == nil && len(track.Segments) > 0 {
		var total float64
		for _, s := range track.Segments {
			total += s.Duration
		}
		result.TotalDuration = &total
	}

	if len(audioPeriods) > 0 {
		audio := selectRepresentation(audioPeriods[0], "")
		if audioTrack, err := joinPeriods(audioPeriods, audio.rep.ID); err == nil && len(audioTrack.Segments) > 0 {
			result.Audio = &audioTrack
		} else if err != nil {
			log.Warnf("Ignoring DASH audio representation %q: %v\n", audio.rep.ID, err)
		}
	}

	return result, nil
}

// periodDurations returns the duration of each period. An explicit duration
// takes precedence, otherwise it is derived from the start of the following
// period (or the end of the presentation for the final period).
func periodDurations(periods []mpdPeriod, presentationDuration float64) []float64 {
	parse := func(value, attr string) (float64, bool) {
		if value == "" {
			return 0, false
		}

		d, err := ParseISODuration(value)
		if err != nil {
			log.Warnf("Ignoring invalid DASH period %s %q: %v\n", attr, value, err)
			return 0, false
		}

		return d, true
	}

	durations := make([]float64, len(periods))
	for i, period := range periods {
		durations[i] = presentationDuration
		if d, ok := parse(period.Duration, "duration"); ok {
			durations[i] = d
			continue
		}

		start, ok := parse(period.Start, "start")
		if !ok {
			continue
		}

		end := presentationDuration
		if i+1 < len(periods) {
			if next, ok := parse(periods[i+1].Start, "start"); ok {
				end = next
			}
		}
		if end > start {
			durations[i] = end - start
		}
	}

	return durations
}

// joinPeriods concatenates the segments of the representation with the given
// ID across every period. Periods lacking that representation contribute their
// highest-bandwidth one instead. Segment indices are assigned ordinally over
// the joined list.
func joinPeriods(periods [][]dashRepresentation, id string) (Track, error) {
	var joined Track
	for p, reps := range periods {
		rep := selectRepresentation(reps, id)
		track, err := rep.track()
		if err != nil {
			return joined, err
		}

		if p == 0 {
			joined.InitSegmentURL = track.InitSegmentURL
			joined.IsFragmentedMP4 = track.IsFragmentedMP4
		} else if track.InitSegmentURL != joined.InitSegmentURL {
			log.Warnf("DASH period %d of representation %q declares a different initialisation segment, the first is used\n", p, rep.rep.ID)
		}

		for _, segment := range track.Segments {
			segment.Index = len(joined.Segments)
			joined.Segments = append(joined.Segments, segment)
		}
	}

	return joined, nil
}

func flattenPeriods(periods [][]dashRepresentation) []dashRepresentation {
	var out []dashRepresentation
	for _, reps := range periods {
		out = append(out, reps...)
	}

	return out
}

// selectRepresentation returns the representation with the given ID, falling
// back to the highest-bandwidth representation.
func selectRepresentation(reps []dashRepresentation, id string) dashRepresentation {
	best := 0
	for i, r := range reps {
		if id != "" && r.rep.ID == id {
			return r
		}
		if r.rep.Bandwidth > reps[best].rep.Bandwidth {
			best = i
		}
	}

	return reps[best]
}

func classifyContent(set *mpdAdaptationSet, rep *mpdRepresentation) contentKind {
	kindOf := func(value string) contentKind {
		value = strings.ToLower(value)
		switch {
		case value == "video" || strings.HasPrefix(value, "video/"):
			return contentVideo
		case value == "audio" || strings.HasPrefix(value, "audio/"):
			return contentAudio
		case value == "text" || strings.HasPrefix(value, "text/") || value == "application/ttml+xml":
			return contentText
		}

		return contentUnknown
	}

	for _, candidate := range []string{set.ContentType, set.MimeType, rep.MimeType} {
		if k := kindOf(candidate); k != contentUnknown {
			return k
		}
	}

	// application/mp4 carries subtitles when the codec is a text codec
	codecs := strings.ToLower(rep.Codecs + "," + set.Codecs)
	if strings.Contains(codecs, "stpp") || strings.Contains(codecs, "wvtt") {
		return contentText
	}

	for _, role := range set.Roles {
		if role.Value == "subtitle" || role.Value == "caption" {
			return contentText
		}
	}

	return contentUnknown
}

func (r dashRepresentation) quality() StreamQuality {
	width, height := r.rep.Width, r.rep.Height
	if width == 0 && height == 0 {
		width, height = r.set.Width, r.set.Height
	}

	resolution := ""
	if width > 0 && height > 0 {
		resolution = fmt.Sprintf("%dx%d", width, height)
	}

	return StreamQuality{
		ID:         r.rep.ID,
		Resolution: resolution,
		Width:      width,
		Height:     height,
		Bandwidth:  r.rep.Bandwidth,
		URL:        r.base.String(),
		Codecs:     firstNonEmpty(r.rep.Codecs, r.set.Codecs),
	}
}

func (r dashRepresentation) audioTrack() AudioTrack {
	label := r.set.LabelAttr
	if label == "" && len(r.set.Labels) > 0 {
		label = strings.TrimSpace(r.set.Labels[0])
	}

	return AudioTrack{
		ID:        r.rep.ID,
		Language:  r.set.Lang,
		Label:     label,
		Codecs:    firstNonEmpty(r.rep.Codecs, r.set.Codecs),
		Bandwidth: r.rep.Bandwidth,
		URL:       r.base.String(),
	}
}

// track builds the segment list for this representation using whichever
// addressing scheme it (or its adaptation set) declares. A representation with
// no addressing is a single-segment representation located at its BaseURL.
func (r dashRepresentation) track() (Track, error) {
	template := mergeTemplate(r.set.SegmentTemplate, r.rep.SegmentTemplate)
	list := mergeList(r.set.SegmentList, r.rep.SegmentList)

	switch {
	case template != nil:
		return r.templateTrack(template)
	case list != nil:
		return r.listTrack(list), nil
	default:
		return Track{
			Segments:        []Segment{{URL: r.base.String(), Duration: r.duration, Index: 0}},
			IsFragmentedMP4: isFragmentedExtension(r.base.Path),
		}, nil
	}
}

// mergeTemplate returns the representation's SegmentTemplate with any
// attribute it omits inherited from the adaptation set's template.
func mergeTemplate(parent, child *mpdSegmentTemplate) *mpdSegmentTemplate {
	if child == nil {
		return parent
	}
	if parent == nil {
		return child
	}

	merged := *child
	merged.Media = firstNonEmpty(merged.Media, parent.Media)
	merged.Initialization = firstNonEmpty(merged.Initialization, parent.Initialization)
	if merged.StartNumber == nil {
		merged.StartNumber = parent.StartNumber
	}
	if merged.Timescale == nil {
		merged.Timescale = parent.Timescale
	}
	if merged.Duration == nil {
		merged.Duration = parent.Duration
	}
	if merged.Timeline == nil {
		merged.Timeline = parent.Timeline
	}

	return &merged
}

// mergeList is the SegmentList equivalent of mergeTemplate.
func mergeList(parent, child *mpdSegmentList) *mpdSegmentList {
	if child == nil {
		return parent
	}
	if parent == nil {
		return child
	}

	merged := *child
	if merged.Timescale == nil {
		merged.Timescale = parent.Timescale
	}
	if merged.Duration == nil {
		merged.Duration = parent.Duration
	}
	if merged.Initialization == nil {
		merged.Initialization = parent.Initialization
	}
	if len(merged.SegmentURLs) == 0 {
		merged.SegmentURLs = parent.SegmentURLs
	}

	return &merged
}

func (r dashRepresentation) templateTrack(template *mpdSegmentTemplate) (Track, error) {
	timescale := int64(1)
	if template.Timescale != nil && *template.Timescale > 0 {
		timescale = *template.Timescale
	}
	number := int64(1)
	if template.StartNumber != nil {
		number = *template.StartNumber
	}

	track := Track{IsFragmentedMP4: true}
	if template.Initialization != "" {
		track.InitSegmentURL = resolveReference(r.base, r.expandTemplate(template.Initialization, 0, 0))
	}
	if template.Media == "" {
		return track, newParseError(MalformedManifest, fmt.Errorf("DASH representation %q declares a SegmentTemplate without a media attribute", r.rep.ID))
	}

	appendSegment := func(time, duration int64) {
		track.Segments = append(track.Segments, Segment{
			URL:      resolveReference(r.base, r.expandTemplate(template.Media, number, time)),
			Duration: float64(duration) / float64(timescale),
			Index:    len(track.Segments),
		})
		number++
	}

	if template.Timeline != nil {
		var cursor int64
		periodEnd := int64(math.Round(r.duration * float64(timescale)))
		for i, entry := range template.Timeline.Entries {
			if entry.T != nil {
				cursor = *entry.T
			}
			if entry.D <= 0 {
				return track, newParseError(MalformedManifest, fmt.Errorf("DASH segment timeline entry %d has no duration", i))
			}

			repeat := entry.R
			if repeat < 0 {
				// Repeat until the next entry's start, or the end of the period
				end := periodEnd
				if i+1 < len(template.Timeline.Entries) && template.Timeline.Entries[i+1].T != nil {
					end = *template.Timeline.Entries[i+1].T
				}
				repeat = 0
				if end > cursor {
					repeat = int64(math.Ceil(float64(end-cursor)/float64(entry.D))) - 1
				}
			}

			for n := int64(0); n <= repeat; n++ {
				appendSegment(cursor, entry.D)
				cursor += entry.D
			}
		}

		return track, nil
	}

	if template.Duration == nil || *template.Duration <= 0 {
		return track, newParseError(MalformedManifest, fmt.Errorf("DASH representation %q SegmentTemplate has neither a duration nor a timeline", r.rep.ID))
	}

	segmentDuration := *template.Duration
	total := int64(math.Round(r.duration * float64(timescale)))
	count := int64(math.Ceil(float64(total) / float64(segmentDuration)))
	for i := int64(0); i < count; i++ {
		d := segmentDuration
		if remaining := total - i*segmentDuration; remaining < d {
			d = remaining
		}
		appendSegment(i*segmentDuration, d)
	}

	return track, nil
}

func (r dashRepresentation) listTrack(list *mpdSegmentList) Track {
	timescale := int64(1)
	if list.Timescale != nil && *list.Timescale > 0 {
		timescale = *list.Timescale
	}

	var duration float64
	if list.Duration != nil {
		duration = float64(*list.Duration) / float64(timescale)
	} else if len(list.SegmentURLs) > 0 {
		duration = r.duration / float64(len(list.SegmentURLs))
	}

	track := Track{}
	if list.Initialization != nil && list.Initialization.SourceURL != "" {
		track.InitSegmentURL = resolveReference(r.base, list.Initialization.SourceURL)
		track.IsFragmentedMP4 = true
	}

	for _, s := range list.SegmentURLs {
		if s.Media == "" {
			continue
		}

		if isFragmentedExtension(s.Media) {
			track.IsFragmentedMP4 = true
		}
		track.Segments = append(track.Segments, Segment{
			URL:      resolveReference(r.base, s.Media),
			Duration: duration,
			Index:    len(track.Segments),
		})
	}

	return track
}

// expandTemplate substitutes the DASH template identifiers in the
// value provided, honouring printf-style width formatting.
func (r dashRepresentation) expandTemplate(value string, number, time int64) string {
	expanded := templateIdentifier.ReplaceAllStringFunc(value, func(match string) string {
		groups := templateIdentifier.FindStringSubmatch(match)
		var v string
		switch groups[1] {
		case "RepresentationID":
			return r.rep.ID
		case "Number":
			v = strconv.FormatInt(number, 10)
		case "Bandwidth":
			v = strconv.FormatInt(r.rep.Bandwidth, 10)
		case "Time":
			v = strconv.FormatInt(time, 10)
		}

		if groups[3] != "" {
			if width, err := strconv.Atoi(groups[3]); err == nil && len(v) < width {
				v = strings.Repeat("0", width-len(v)) + v
			}
		}

		return v
	})

	return strings.ReplaceAll(expanded, "$$", "$")
}

// resolveBaseURLs applies the first BaseURL element (if any)
// to the parent base URL.
func resolveBaseURLs(parent *url.URL, baseURLs []string) *url.URL {
	for _, b := range baseURLs {
		b = strings.TrimSpace(b)
		if b == "" {
			continue
		}

		ref, err := url.Parse(b)
		if err != nil {
			log.Warnf("Ignoring invalid DASH BaseURL %q: %v\n", b, err)
			continue
		}

		return parent.ResolveReference(ref)
	}

	return parent
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}

	return ""
}
