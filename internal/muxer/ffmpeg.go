package muxer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/floostack/transcoder/ffmpeg"
	"github.com/hbomb79/Siphon/pkg/logger"
)

type (
	// RemuxJob describes a single stream-copy remux. InputPath is either an
	// ffconcat list or a single media file. AudioPath, if set, is added as a
	// second input from which ffmpeg selects the audio stream.
	RemuxJob struct {
		InputPath  string
		AudioPath  string
		OutputPath string
		// RepairAAC applies the ADTS to ASC bitstream filter, required
		// when moving AAC audio from MPEG-TS in to an MP4 container.
		RepairAAC bool
	}

	Remuxer interface {
		Remux(ctx context.Context, job RemuxJob) error
	}

	// Metadata is the subset of ffprobe output the pipeline is interested in.
	Metadata struct {
		DurationSeconds float64
		SizeBytes       int64
	}

	ffmpegRemuxer struct {
		config Config
	}
)

var ffmpegMessagePattern = regexp.MustCompile(`(?s)message: ({.*})`)

// NewFfmpegRemuxer returns a Remuxer which performs the remux
// using the ffmpeg binary configured.
func NewFfmpegRemuxer(config Config) Remuxer {
	return &ffmpegRemuxer{config: config}
}

func (r *ffmpegRemuxer) Remux(ctx context.Context, job RemuxJob) error {
	transcoder := ffmpeg.
		New(&ffmpeg.Config{
			ProgressEnabled: true,
			FfmpegBinPath:   r.config.FfmpegBinPath,
			FfprobeBinPath:  r.config.FfprobeBinPath,
		}).
		Input(job.InputPath).
		Output(job.OutputPath).
		WithContext(&ctx)

	// Options given to Start follow the primary input, while those given via
	// WithOptions are placed after every input (immediately before the output).
	// Each option set holds at most one extra argument so the argument order
	// is stable.
	inputOpts := ffmpeg.Options{}
	if job.AudioPath != "" {
		inputOpts.ExtraArgs = map[string]interface{}{"-i": job.AudioPath}
		transcoder.
			WithOptions(ffmpeg.Options{ExtraArgs: map[string]interface{}{"-map": "0:v"}}).
			WithAdditionalOptions(ffmpeg.Options{ExtraArgs: map[string]interface{}{"-map": "1:a"}}).
			WithAdditionalOptions(outputOptions(job))
	} else {
		transcoder.WithOptions(outputOptions(job))
	}

	progressChannel, err := transcoder.Start(inputOpts)
	if err != nil {
		return parseFfmpegError(err)
	}

	for prog := range progressChannel {
		log.Emit(logger.VERBOSE, "Remux of %s progress: %.1f%% (speed %s)\n", job.OutputPath, prog.GetProgress(), prog.GetSpeed())
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	// The progress channel is closed only once the process has been waited on
	cmd := transcoder.GetRunningCmdInstance()
	if cmd == nil || cmd.ProcessState == nil {
		return errors.New("ffmpeg process state unavailable after remux")
	}
	if !cmd.ProcessState.Success() {
		return fmt.Errorf("ffmpeg exited unsuccessfully (%s)", cmd.ProcessState)
	}

	return nil
}

// outputOptions returns the stream-copy options applied to the remux output.
func outputOptions(job RemuxJob) ffmpeg.Options {
	outputFormat := "mp4"
	videoCodec := "copy"
	audioCodec := "copy"
	movFlags := "+faststart"
	overwrite := true

	opts := ffmpeg.Options{
		VideoCodec:   &videoCodec,
		AudioCodec:   &audioCodec,
		MovFlags:     &movFlags,
		OutputFormat: &outputFormat,
		Overwrite:    &overwrite,
	}
	if job.RepairAAC {
		opts.ExtraArgs = map[string]interface{}{"-bsf:a": "aac_adtstoasc"}
	}

	return opts
}

// Probe uses ffprobe to read the duration and size of the media file provided.
func Probe(config Config, path string) (*Metadata, error) {
	metadata, err := ffmpeg.
		New(&ffmpeg.Config{FfmpegBinPath: config.FfmpegBinPath, FfprobeBinPath: config.FfprobeBinPath}).
		Input(path).
		GetMetadata()
	if err != nil {
		return nil, fmt.Errorf("failed to extract file metadata information using ffprobe: %w", err)
	}

	format := metadata.GetFormat()
	out := &Metadata{}
	if d, err := strconv.ParseFloat(format.GetDuration(), 64); err == nil {
		out.DurationSeconds = d
	}
	if s, err := strconv.ParseInt(format.GetSize(), 10, 64); err == nil {
		out.SizeBytes = s
	}

	return out, nil
}

// parseFfmpegError picks the relevant message out of the (very large)
// error output returned by the transcoder.
func parseFfmpegError(err error) error {
	groups := ffmpegMessagePattern.FindStringSubmatch(err.Error())
	if len(groups) == 0 {
		return err
	}

	var out map[string]interface{}
	if jsonErr := json.Unmarshal([]byte(groups[1]), &out); jsonErr != nil {
		return errors.New(groups[1])
	}

	if exception, ok := out["error"].(map[string]interface{}); ok {
		if msg, ok := exception["string"].(string); ok {
			return errors.New(msg)
		}
	}

	return errors.New(groups[1])
}
