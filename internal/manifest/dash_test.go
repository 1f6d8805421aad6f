package manifest_test

import (
	"testing"

	"github.com/hbomb79/Siphon/internal/manifest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const vodMPD = `<?xml version="1.0" encoding="UTF-8"?>
<MPD xmlns="urn:mpeg:dash:schema:mpd:2011" type="static" mediaPresentationDuration="PT2H15M30.5S" minBufferTime="PT2S" profiles="urn:mpeg:dash:profile:isoff-live:2011">
  <Period id="0">
    <AdaptationSet contentType="video" mimeType="video/mp4" segmentAlignment="true">
      <SegmentTemplate timescale="1000" duration="4000" startNumber="1" initialization="$RepresentationID$/init.mp4" media="$RepresentationID$/seg_$Number%05d$.m4s"/>
      <Representation id="v720" bandwidth="2500000" width="1280" height="720" codecs="avc1.64001f"/>
      <Representation id="v1080" bandwidth="5000000" width="1920" height="1080" codecs="avc1.640028"/>
      <Representation id="v360" bandwidth="800000" width="640" height="360" codecs="avc1.4d401e"/>
    </AdaptationSet>
    <AdaptationSet contentType="audio" mimeType="audio/mp4" lang="en">
      <Label>English</Label>
      <SegmentTemplate timescale="1000" duration="4000" initialization="audio/init.mp4" media="audio/$Number$.m4s"/>
      <Representation id="a128" bandwidth="128000" codecs="mp4a.40.2"/>
    </AdaptationSet>
    <AdaptationSet contentType="text" mimeType="text/vtt" lang="en">
      <Representation id="subs-en" bandwidth="256">
        <BaseURL>subs_en.vtt</BaseURL>
      </Representation>
    </AdaptationSet>
  </Period>
</MPD>`

func Test_DASH_VOD(t *testing.T) {
	m, err := manifest.ParseManifest([]byte(vodMPD), "https://cdn.example.com/vod/manifest.mpd")
	require.NoError(t, err)

	assert.Equal(t, manifest.FormatDASH, m.Format)
	assert.False(t, m.IsLive)
	assert.False(t, m.IsDRMProtected)
	assert.True(t, m.HasSubtitles)
	assert.True(t, m.IsFragmentedMP4)

	require.NotNil(t, m.TotalDuration)
	assert.InDelta(t, 8130.5, *m.TotalDuration, 0.0001)

	require.Len(t, m.Qualities, 3)
	assert.Equal(t, "v1080", m.Qualities[0].ID)
	assert.Equal(t, "1920x1080", m.Qualities[0].Resolution)
	assert.Equal(t, "avc1.640028", m.Qualities[0].Codecs)
	assert.Equal(t, "v720", m.Qualities[1].ID)
	assert.Equal(t, "v360", m.Qualities[2].ID)

	require.Len(t, m.AudioTracks, 1)
	assert.Equal(t, "en", m.AudioTracks[0].Language)
	assert.Equal(t, "English", m.AudioTracks[0].Label)
	assert.Equal(t, int64(128000), m.AudioTracks[0].Bandwidth)
	assert.Equal(t, "mp4a.40.2", m.AudioTracks[0].Codecs)

	// Segments default to the highest bandwidth representation
	assert.Equal(t, "https://cdn.example.com/vod/v1080/init.mp4", m.InitSegmentURL)
	require.Len(t, m.Segments, 2033)
	assert.Equal(t, "https://cdn.example.com/vod/v1080/seg_00001.m4s", m.Segments[0].URL)
	assert.Equal(t, "https://cdn.example.com/vod/v1080/seg_02033.m4s", m.Segments[2032].URL)
	assert.InDelta(t, 4.0, m.Segments[0].Duration, 0.0001)
	assert.InDelta(t, 2.5, m.Segments[2032].Duration, 0.0001)

	require.NotNil(t, m.Audio)
	assert.Equal(t, "https://cdn.example.com/vod/audio/init.mp4", m.Audio.InitSegmentURL)
	assert.Equal(t, "https://cdn.example.com/vod/audio/1.m4s", m.Audio.Segments[0].URL)
}

func Test_DASH_ParseForQuality(t *testing.T) {
	m, err := manifest.ParseManifestForQuality([]byte(vodMPD), "https://cdn.example.com/vod/manifest.mpd", manifest.StreamQuality{ID: "v360"})
	require.NoError(t, err)

	assert.Equal(t, "https://cdn.example.com/vod/v360/init.mp4", m.InitSegmentURL)
	assert.Equal(t, "https://cdn.example.com/vod/v360/seg_00001.m4s", m.Segments[0].URL)
	assert.Len(t, m.Qualities, 3, "all qualities should still be reported")
}

func Test_DASH_SegmentTimeline(t *testing.T) {
	content := `<MPD xmlns="urn:mpeg:dash:schema:mpd:2011" type="static">
  <BaseURL>https://media.example.com/content/</BaseURL>
  <Period>
    <AdaptationSet mimeType="video/mp4">
      <Representation id="video1" bandwidth="3000000" width="1280" height="720">
        <SegmentTemplate timescale="90000" initialization="init-$RepresentationID$.mp4" media="chunk-$RepresentationID$-$Time$.m4s">
          <SegmentTimeline>
            <S t="0" d="180000" r="2"/>
            <S d="90000"/>
          </SegmentTimeline>
        </SegmentTemplate>
      </Representation>
    </AdaptationSet>
  </Period>
</MPD>`

	m, err := manifest.ParseManifest([]byte(content), "https://origin.example.com/manifest.mpd")
	require.NoError(t, err)

	require.Len(t, m.Segments, 4)
	assert.Equal(t, "https://media.example.com/content/init-video1.mp4", m.InitSegmentURL)
	assert.Equal(t, "https://media.example.com/content/chunk-video1-0.m4s", m.Segments[0].URL)
	assert.Equal(t, "https://media.example.com/content/chunk-video1-180000.m4s", m.Segments[1].URL)
	assert.Equal(t, "https://media.example.com/content/chunk-video1-540000.m4s", m.Segments[3].URL)
	assert.InDelta(t, 1.0, m.Segments[3].Duration, 0.0001)

	require.NotNil(t, m.TotalDuration, "duration should be derived from the segments when the MPD omits it")
	assert.InDelta(t, 7.0, *m.TotalDuration, 0.0001)
	assert.Nil(t, m.Audio)
}

func Test_DASH_SegmentList(t *testing.T) {
	content := `<MPD type="static" mediaPresentationDuration="PT30S">
  <Period>
    <AdaptationSet contentType="video">
      <Representation id="1" bandwidth="1000000" width="854" height="480">
        <BaseURL>video/</BaseURL>
        <SegmentList timescale="1" duration="10">
          <Initialization sourceURL="init.mp4"/>
          <SegmentURL media="s1.m4s"/>
          <SegmentURL media="s2.m4s"/>
          <SegmentURL media="s3.m4s"/>
        </SegmentList>
      </Representation>
    </AdaptationSet>
  </Period>
</MPD>`

	m, err := manifest.ParseManifest([]byte(content), "https://cdn.example.com/a/b.mpd")
	require.NoError(t, err)

	require.Len(t, m.Segments, 3)
	assert.Equal(t, "https://cdn.example.com/a/video/init.mp4", m.InitSegmentURL)
	assert.Equal(t, "https://cdn.example.com/a/video/s2.m4s", m.Segments[1].URL)
	assert.Equal(t, 1, m.Segments[1].Index)
	assert.InDelta(t, 10.0, m.Segments[1].Duration, 0.0001)
}

func Test_DASH_MultiplePeriods(t *testing.T) {
	content := `<MPD xmlns="urn:mpeg:dash:schema:mpd:2011" type="static" mediaPresentationDuration="PT20S">
  <Period id="p0" duration="PT10S">
    <BaseURL>p0/</BaseURL>
    <AdaptationSet contentType="video" mimeType="video/mp4">
      <SegmentTemplate timescale="1" duration="2" initialization="$RepresentationID$/init.mp4" media="$RepresentationID$/$Number$.m4s"/>
      <Representation id="hd" bandwidth="4000000" width="1920" height="1080"/>
      <Representation id="sd" bandwidth="1000000" width="640" height="360"/>
    </AdaptationSet>
    <AdaptationSet contentType="audio" mimeType="audio/mp4">
      <SegmentTemplate timescale="1" duration="2" media="audio/$Number$.m4s"/>
      <Representation id="aac" bandwidth="128000"/>
    </AdaptationSet>
  </Period>
  <Period id="p1" duration="PT10S">
    <BaseURL>p1/</BaseURL>
    <AdaptationSet contentType="video" mimeType="video/mp4">
      <SegmentTemplate timescale="1" duration="2" initialization="$RepresentationID$/init.mp4" media="$RepresentationID$/$Number$.m4s"/>
      <Representation id="hd" bandwidth="4000000" width="1920" height="1080"/>
      <Representation id="sd" bandwidth="1000000" width="640" height="360"/>
    </AdaptationSet>
    <AdaptationSet contentType="audio" mimeType="audio/mp4">
      <SegmentTemplate timescale="1" duration="2" media="audio/$Number$.m4s"/>
      <Representation id="aac" bandwidth="128000"/>
    </AdaptationSet>
  </Period>
</MPD>`

	m, err := manifest.ParseManifestForQuality([]byte(content), "https://cdn.example.com/show/manifest.mpd", manifest.StreamQuality{ID: "sd"})
	require.NoError(t, err)

	require.Len(t, m.Qualities, 2, "representations repeated across periods are reported once")
	require.Len(t, m.Segments, 10, "segments of every period must be included")
	for i, segment := range m.Segments {
		assert.Equal(t, i, segment.Index)
		assert.InDelta(t, 2.0, segment.Duration, 0.0001)
	}
	assert.Equal(t, "https://cdn.example.com/show/p0/sd/1.m4s", m.Segments[0].URL)
	assert.Equal(t, "https://cdn.example.com/show/p0/sd/5.m4s", m.Segments[4].URL)
	assert.Equal(t, "https://cdn.example.com/show/p1/sd/1.m4s", m.Segments[5].URL)
	assert.Equal(t, "https://cdn.example.com/show/p1/sd/5.m4s", m.Segments[9].URL)
	assert.Equal(t, "https://cdn.example.com/show/p0/sd/init.mp4", m.InitSegmentURL)

	require.NotNil(t, m.Audio)
	require.Len(t, m.Audio.Segments, 10)
	assert.Equal(t, "https://cdn.example.com/show/p1/audio/1.m4s", m.Audio.Segments[5].URL)
	assert.Equal(t, 9, m.Audio.Segments[9].Index)

	t.Run("DurationFromPeriodStart", func(t *testing.T) {
		content := `<MPD type="static" mediaPresentationDuration="PT12S">
  <Period start="PT0S">
    <AdaptationSet contentType="video">
      <SegmentTemplate timescale="1" duration="2" media="a_$Number$.m4s"/>
      <Representation id="v" bandwidth="1"/>
    </AdaptationSet>
  </Period>
  <Period start="PT8S">
    <AdaptationSet contentType="video">
      <SegmentTemplate timescale="1" duration="2" media="b_$Number$.m4s"/>
      <Representation id="v" bandwidth="1"/>
    </AdaptationSet>
  </Period>
</MPD>`

		m, err := manifest.ParseManifest([]byte(content), "https://cdn.example.com/x.mpd")
		require.NoError(t, err)
		require.Len(t, m.Segments, 6)
		assert.Equal(t, "https://cdn.example.com/a_4.m4s", m.Segments[3].URL)
		assert.Equal(t, "https://cdn.example.com/b_1.m4s", m.Segments[4].URL)
	})
}

func Test_DASH_InheritedAddressing(t *testing.T) {
	t.Run("Template", func(t *testing.T) {
		content := `<MPD type="static">
  <Period>
    <AdaptationSet contentType="video">
      <SegmentTemplate timescale="1000" startNumber="10" initialization="$RepresentationID$/init.mp4" media="$RepresentationID$/$Number$.m4s"/>
      <Representation id="v1" bandwidth="1000000">
        <SegmentTemplate>
          <SegmentTimeline>
            <S t="0" d="4000" r="1"/>
          </SegmentTimeline>
        </SegmentTemplate>
      </Representation>
    </AdaptationSet>
  </Period>
</MPD>`

		m, err := manifest.ParseManifest([]byte(content), "https://cdn.example.com/x.mpd")
		require.NoError(t, err, "attributes missing from the representation's template are inherited")

		require.Len(t, m.Segments, 2)
		assert.Equal(t, "https://cdn.example.com/v1/init.mp4", m.InitSegmentURL)
		assert.Equal(t, "https://cdn.example.com/v1/10.m4s", m.Segments[0].URL)
		assert.Equal(t, "https://cdn.example.com/v1/11.m4s", m.Segments[1].URL)
		assert.InDelta(t, 4.0, m.Segments[1].Duration, 0.0001)
	})

	t.Run("List", func(t *testing.T) {
		content := `<MPD type="static" mediaPresentationDuration="PT8S">
  <Period>
    <AdaptationSet contentType="video">
      <SegmentList timescale="1" duration="4">
        <Initialization sourceURL="init.mp4"/>
      </SegmentList>
      <Representation id="v1" bandwidth="1000000">
        <SegmentList>
          <SegmentURL media="one.m4s"/>
          <SegmentURL media="two.m4s"/>
        </SegmentList>
      </Representation>
    </AdaptationSet>
  </Period>
</MPD>`

		m, err := manifest.ParseManifest([]byte(content), "https://cdn.example.com/x.mpd")
		require.NoError(t, err)

		require.Len(t, m.Segments, 2)
		assert.Equal(t, "https://cdn.example.com/init.mp4", m.InitSegmentURL)
		assert.Equal(t, "https://cdn.example.com/two.m4s", m.Segments[1].URL)
		assert.InDelta(t, 4.0, m.Segments[1].Duration, 0.0001)
	})
}

func Test_DASH_DynamicAndProtected(t *testing.T) {
	content := `<MPD xmlns="urn:mpeg:dash:schema:mpd:2011" xmlns:cenc="urn:mpeg:cenc:2013" type="dynamic" availabilityStartTime="2024-01-01T00:00:00Z">
  <Period id="live">
    <AdaptationSet contentType="video" mimeType="video/mp4">
      <ContentProtection schemeIdUri="urn:mpeg:dash:mp4protection:2011" value="cenc" cenc:default_KID="10000000-1000-1000-1000-100000000001"/>
      <ContentProtection schemeIdUri="urn:uuid:edef8ba9-79d6-4ace-a3c8-27dcd51d21ed"/>
      <SegmentTemplate timescale="1" duration="2" media="live_$Number$.m4s" initialization="live_init.mp4"/>
      <Representation id="hd" bandwidth="4000000" width="1920" height="1080"/>
    </AdaptationSet>
  </Period>
</MPD>`

	m, err := manifest.ParseManifest([]byte(content), "https://live.example.com/stream.mpd")
	require.NoError(t, err, "live and DRM manifests must parse successfully")

	assert.True(t, m.IsLive)
	assert.True(t, m.IsDRMProtected)
	assert.Nil(t, m.TotalDuration)
	require.Len(t, m.Qualities, 1)
}

func Test_DASH_Malformed(t *testing.T) {
	t.Run("BrokenXML", func(t *testing.T) {
		_, err := manifest.ParseManifest([]byte(`<MPD type="static"><Period><AdaptationSet></Period></MPD>`), "https://cdn.example.com/x.mpd")
		require.Error(t, err)
		assert.ErrorIs(t, err, manifest.ErrMalformed)
	})

	t.Run("NoVideo", func(t *testing.T) {
		content := `<MPD type="static" mediaPresentationDuration="PT10S"><Period><AdaptationSet contentType="audio"><Representation id="a" bandwidth="1"/></AdaptationSet></Period></MPD>`
		_, err := manifest.ParseManifest([]byte(content), "https://cdn.example.com/x.mpd")
		require.Error(t, err)
		assert.ErrorIs(t, err, manifest.ErrMalformed)
	})

	t.Run("BadDuration", func(t *testing.T) {
		content := `<MPD type="static" mediaPresentationDuration="two hours"><Period/></MPD>`
		_, err := manifest.ParseManifest([]byte(content), "https://cdn.example.com/x.mpd")
		require.Error(t, err)
		assert.ErrorIs(t, err, manifest.ErrMalformed)
	})
}

func Test_ParseISODuration(t *testing.T) {
	tests := []struct {
		input    string
		expected float64
	}{
		{"PT2H15M30.5S", 8130.5},
		{"PT0S", 0},
		{"PT10M", 600},
		{"PT1.25S", 1.25},
		{"P1DT1H", 90000},
		{"PT1H0M0.000S", 3600},
	}

	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			d, err := manifest.ParseISODuration(test.input)
			require.NoError(t, err)
			assert.InDelta(t, test.expected, d, 0.0001)
		})
	}

	for _, invalid := range []string{"", "P", "PT", "2H15M", "PT2X", "PTS"} {
		t.Run("Invalid/"+invalid, func(t *testing.T) {
			_, err := manifest.ParseISODuration(invalid)
			assert.Error(t, err)
		})
	}
}
