// Package muxer assembles a directory of downloaded segments in to a single
// playable file. The primary path is a stream-copy remux in to MP4 using
// ffmpeg; if that is unavailable (or fails) the segments are concatenated
// byte-wise instead.
package muxer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"github.com/hbomb79/Siphon/pkg/logger"
)

var log = logger.Get("Muxer")

type (
	Container int

	Config struct {
		FfmpegBinPath  string `yaml:"ffmpeg_binary" env:"FFMPEG_BINARY_PATH" env-default:"/usr/bin/ffmpeg"`
		FfprobeBinPath string `yaml:"ffprobe_binary" env:"FFPROBE_BINARY_PATH" env-default:"/usr/bin/ffprobe"`
		// DisableRemux skips ffmpeg entirely, always taking the
		// concatenation path.
		DisableRemux bool `yaml:"disable_remux" env:"MUXER_DISABLE_REMUX" env-default:"false"`
	}

	// Input describes one segment set to be muxed. AudioDir is only set when
	// the audio was delivered as a separate rendition.
	Input struct {
		SegmentDir      string
		AudioDir        string
		Fragmented      bool
		AudioFragmented bool
		Key             *DecryptionKey
		AudioKey        *DecryptionKey

		// OutputDir is the directory the final file is exported to. If empty,
		// the output is left in the working directory (the parent of SegmentDir).
		OutputDir  string
		OutputName string
	}

	Output struct {
		Path      string
		Container Container
		Size      int64
	}

	Muxer struct {
		config  Config
		remuxer Remuxer
	}
)

const (
	MP4 Container = iota
	MPEGTS
)

const (
	decryptedDirName = ".decrypted"
	joinedVideoName  = ".video-joined"
	joinedAudioName  = ".audio-joined"
)

func (c Container) Extension() string {
	if c == MPEGTS {
		return ".ts"
	}

	return ".mp4"
}

func (c Container) String() string {
	switch c {
	case MP4:
		return fmt.Sprintf("MP4[%d]", c)
	case MPEGTS:
		return fmt.Sprintf("MPEGTS[%d]", c)
	}

	return fmt.Sprintf("UNKNOWN[%d]", c)
}

// New constructs a Muxer which remuxes using ffmpeg.
func New(config Config) *Muxer {
	return NewWithRemuxer(config, NewFfmpegRemuxer(config))
}

// NewWithRemuxer constructs a Muxer using the remuxer provided. A nil
// remuxer disables the remux path.
func NewWithRemuxer(config Config, remuxer Remuxer) *Muxer {
	if config.DisableRemux {
		remuxer = nil
	}

	return &Muxer{config: config, remuxer: remuxer}
}

// Config returns the configuration this muxer was constructed with.
func (m *Muxer) Config() Config { return m.config }

// Mux assembles the segments described by the input in to a single file. All
// intermediate files (concat lists, decrypted and joined segments) are removed
// before returning, regardless of outcome. The segment files themselves are
// never modified.
func (m *Muxer) Mux(ctx context.Context, input Input) (*Output, error) {
	workDir := filepath.Dir(filepath.Clean(input.SegmentDir))
	name := input.OutputName
	if name == "" {
		name = "output"
	}

	var intermediates []string
	defer func() {
		for _, p := range intermediates {
			if err := os.RemoveAll(p); err != nil {
				log.Warnf("Failed to remove intermediate mux file %s: %v\n", p, err)
			}
		}
	}()

	video, err := m.prepareTrack(input.SegmentDir, input.Key, input.Fragmented, joinedVideoName, &intermediates)
	if err != nil {
		return nil, err
	}

	var audio *preparedTrack
	if input.AudioDir != "" {
		audio, err = m.prepareTrack(input.AudioDir, input.AudioKey, input.AudioFragmented, joinedAudioName, &intermediates)
		if err != nil {
			return nil, fmt.Errorf("audio rendition: %w", err)
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	output, err := m.assemble(ctx, workDir, name, video, audio, &intermediates)
	if err != nil {
		return nil, err
	}

	if input.OutputDir == "" {
		return output, nil
	}

	return export(output, input.OutputDir)
}

// preparedTrack is a segment set which is ready for the remuxer: the
// ffconcat list (for MPEG-TS) or joined fragmented stream (for fMP4)
// along with the ordered segment files.
type preparedTrack struct {
	remuxInput string
	segments   []segmentFile
	fragmented bool
}

func (m *Muxer) prepareTrack(dir string, key *DecryptionKey, fragmented bool, joinedName string, intermediates *[]string) (*preparedTrack, error) {
	segments, err := collectSegments(dir)
	if err != nil {
		return nil, err
	}

	if key != nil {
		decryptedDir := filepath.Join(dir, decryptedDirName)
		*intermediates = append(*intermediates, decryptedDir)
		if segments, err = decryptSegments(key, segments, decryptedDir); err != nil {
			return nil, muxingFailed("failed to decrypt segments", err)
		}
	}

	track := &preparedTrack{segments: segments, fragmented: fragmented}
	if fragmented {
		// Fragments are only decodable with the initialisation segment
		// in front of them, so join them in to one fragmented stream.
		paths := segmentPaths(segments)
		if initPath := filepath.Join(dir, InitSegmentName); fileExists(initPath) {
			paths = append([]string{initPath}, paths...)
		}

		joined := filepath.Join(filepath.Dir(filepath.Clean(dir)), joinedName+".mp4")
		*intermediates = append(*intermediates, joined)
		if err := concatenateFiles(joined, paths...); err != nil {
			return nil, muxingFailed("failed to join fragmented segments", err)
		}

		track.remuxInput = joined
		return track, nil
	}

	// The list lives alongside the segments it references
	listDir := filepath.Dir(segments[0].path)
	listPath := filepath.Join(listDir, listFileName)
	*intermediates = append(*intermediates, listPath)
	if err := writeConcatList(listPath, segments); err != nil {
		return nil, muxingFailed("failed to write segment list", err)
	}

	track.remuxInput = listPath
	return track, nil
}

func (m *Muxer) assemble(ctx context.Context, workDir, name string, video, audio *preparedTrack, intermediates *[]string) (*Output, error) {
	mp4Path := filepath.Join(workDir, name+MP4.Extension())
	if m.remuxer != nil {
		job := RemuxJob{InputPath: video.remuxInput, OutputPath: mp4Path, RepairAAC: !video.fragmented}
		if audio != nil {
			job.AudioPath = audio.remuxInput
			if !audio.fragmented {
				// ffmpeg cannot take two ffconcat inputs in a single invocation
				// with our option set, so flatten the audio list first.
				flat := filepath.Join(workDir, joinedAudioName+".ts")
				*intermediates = append(*intermediates, flat)
				if err := concatenateFiles(flat, segmentPaths(audio.segments)...); err != nil {
					return nil, muxingFailed("failed to join audio segments", err)
				}
				job.AudioPath = flat
				job.RepairAAC = true
			}
		}

		log.Emit(logger.DEBUG, "Remuxing %s -> %s\n", job.InputPath, job.OutputPath)
		err := m.remuxer.Remux(ctx, job)
		if err == nil {
			info, statErr := os.Stat(mp4Path)
			if statErr != nil || info.Size() == 0 {
				os.Remove(mp4Path)
				return nil, ErrOutputNotCreated
			}

			return &Output{Path: mp4Path, Container: MP4, Size: info.Size()}, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			os.Remove(mp4Path)
			return nil, ctxErr
		}

		log.Warnf("Remux of %s failed (%v), falling back to concatenation\n", job.OutputPath, err)
		os.Remove(mp4Path)
	}

	return m.fallback(workDir, name, video, audio)
}

// fallback produces an output without ffmpeg. MPEG-TS segments are
// self-delimiting, so concatenation alone yields a playable stream. A
// joined fragmented stream is already a valid (fragmented) MP4.
func (m *Muxer) fallback(workDir, name string, video, audio *preparedTrack) (*Output, error) {
	if audio != nil {
		return nil, muxingFailed("remux unavailable and the audio is delivered as a separate rendition", nil)
	}

	if video.fragmented {
		outputPath := filepath.Join(workDir, name+MP4.Extension())
		if err := copyFile(video.remuxInput, outputPath); err != nil {
			return nil, muxingFailed("failed to write fragmented output", err)
		}

		return statOutput(outputPath, MP4)
	}

	outputPath := filepath.Join(workDir, name+MPEGTS.Extension())
	if err := concatenateFiles(outputPath, segmentPaths(video.segments)...); err != nil {
		return nil, muxingFailed("failed to concatenate segments", err)
	}

	return statOutput(outputPath, MPEGTS)
}

func statOutput(path string, container Container) (*Output, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, ErrOutputNotCreated
	}

	return &Output{Path: path, Container: container, Size: info.Size()}, nil
}

// export moves the output in to the directory provided, falling
// back to a copy when the rename crosses devices.
func export(output *Output, outputDir string) (*Output, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, exportFailed("failed to create output directory", err)
	}

	dest := filepath.Join(outputDir, filepath.Base(output.Path))
	if err := os.Rename(output.Path, dest); err != nil {
		if !errors.Is(err, syscall.EXDEV) {
			return nil, exportFailed("failed to move output", err)
		}

		if err := copyFile(output.Path, dest); err != nil {
			os.Remove(dest)
			return nil, exportFailed("failed to copy output across devices", err)
		}
		os.Remove(output.Path)
	}

	return &Output{Path: dest, Container: output.Container, Size: output.Size}, nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}

	return out.Close()
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
