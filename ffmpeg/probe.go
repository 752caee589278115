package ffmpeg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"ffqueue/config"
	"ffqueue/task"
)

// Stream describes a single stream in the media container.
type Stream struct {
	Index     int    `json:"index"`
	CodecName string `json:"codec_name"`
	CodecType string `json:"codec_type"`
	Duration  string `json:"duration"`
}

// Format captures container-level metadata extracted by ffprobe.
type Format struct {
	Filename   string `json:"filename"`
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
}

// ProbeResult is the parsed output of ffprobe.
type ProbeResult struct {
	Streams []Stream `json:"streams"`
	Format  Format   `json:"format"`
}

// DurationSeconds returns the container duration, falling back to the
// longest stream when the container does not report one.
func (r ProbeResult) DurationSeconds() float64 {
	if d := parseFloat(r.Format.Duration); d > 0 {
		return d
	}
	longest := 0.0
	for _, s := range r.Streams {
		longest = max(longest, parseFloat(s.Duration))
	}
	return longest
}

// MediaStreamCount counts audio and video streams.
func (r ProbeResult) MediaStreamCount() int {
	n := 0
	for _, s := range r.Streams {
		switch strings.ToLower(s.CodecType) {
		case "audio", "video":
			n++
		}
	}
	return n
}

func parseFloat(v string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0
	}
	return f
}

// Prober implements task.Prober with ffprobe.
type Prober struct {
	bin          string
	maxInputSize int64
}

func NewProber(cfg *config.Config) (*Prober, error) {
	bin := strings.TrimSpace(cfg.FFProbeBin)
	if bin == "" {
		bin = "ffprobe"
	}
	if _, err := exec.LookPath(bin); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBinaryNotFound, bin)
	}
	return &Prober{bin: bin, maxInputSize: cfg.MaxInputSize}, nil
}

// Probe checks that path is a readable media file and returns its duration.
func (p *Prober) Probe(ctx context.Context, path string) (task.MediaInfo, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return task.MediaInfo{}, fmt.Errorf("ffprobe: %w", ErrEmptyPath)
	}

	info, err := os.Stat(path)
	if err != nil {
		return task.MediaInfo{}, fmt.Errorf("ffprobe: %w", err)
	}
	if !info.Mode().IsRegular() {
		return task.MediaInfo{}, fmt.Errorf("ffprobe: %s: %w", path, ErrNotAFile)
	}
	if p.maxInputSize > 0 && info.Size() > p.maxInputSize {
		return task.MediaInfo{}, fmt.Errorf("ffprobe: %w: %d exceeds limit of %d bytes", ErrInputTooLarge, info.Size(), p.maxInputSize)
	}

	cmd := exec.CommandContext(ctx, p.bin, "-v", "error", "-hide_banner", "-show_format", "-show_streams", "-of", "json", "--", path)
	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return task.MediaInfo{}, fmt.Errorf("ffprobe failed: %w: %s", err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return task.MediaInfo{}, fmt.Errorf("ffprobe failed: %w", err)
	}

	result, err := parseProbeOutput(output)
	if err != nil {
		return task.MediaInfo{}, err
	}
	return task.MediaInfo{Duration: task.DurationFromSeconds(result.DurationSeconds())}, nil
}

func parseProbeOutput(data []byte) (ProbeResult, error) {
	var result ProbeResult
	if err := json.Unmarshal(data, &result); err != nil {
		return ProbeResult{}, fmt.Errorf("ffprobe parse: %w", err)
	}
	if result.MediaStreamCount() == 0 {
		return ProbeResult{}, fmt.Errorf("ffprobe: %w", ErrNoMediaStreams)
	}
	if result.DurationSeconds() <= 0 {
		return ProbeResult{}, fmt.Errorf("ffprobe: %w", ErrUnknownDuration)
	}
	return result, nil
}
