// Package intake turns raw source paths into conversion parameters and feeds
// them to the queue.
package intake

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"ffqueue/config"
	"ffqueue/ffmpeg"
	"ffqueue/task"
)

// Builder derives destinations and encoder options for new tasks.
type Builder struct {
	OutputDir string
	OutputExt string
	Options   []string
}

func NewBuilder(cfg *config.Config) (*Builder, error) {
	opts, err := parseOptions(cfg.DefaultOptions)
	if err != nil {
		return nil, err
	}
	return &Builder{OutputDir: cfg.OutputDir, OutputExt: cfg.OutputExt, Options: opts}, nil
}

func parseOptions(options string) ([]string, error) {
	args, err := ffmpeg.SplitOptions(options)
	if err != nil {
		return nil, err
	}
	if err := ffmpeg.SanitizeOptions(args); err != nil {
		return nil, err
	}
	return args, nil
}

// Override returns a copy of b with the non-empty arguments replacing its settings.
func (b *Builder) Override(outputDir, outputExt, options string) (*Builder, error) {
	out := *b
	if outputDir != "" {
		out.OutputDir = outputDir
	}
	if outputExt != "" {
		out.OutputExt = outputExt
	}
	if strings.TrimSpace(options) != "" {
		opts, err := parseOptions(options)
		if err != nil {
			return nil, err
		}
		out.Options = opts
	}
	return &out, nil
}

// Build returns parameters for every usable path. Paths that cannot be used
// are reported together in the returned error; duplicates are skipped.
func (b *Builder) Build(paths []string) ([]task.Parameters, error) {
	if len(paths) == 0 {
		return nil, ErrNoPaths
	}

	var (
		params []task.Parameters
		errs   []error
		seen   = map[string]bool{}
		dests  = map[string]bool{}
	)
	for _, raw := range paths {
		source := strings.TrimSpace(raw)
		if source == "" {
			continue
		}
		abs, err := filepath.Abs(source)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", source, err))
			continue
		}
		if seen[abs] {
			continue
		}
		seen[abs] = true

		p, err := b.build(abs, dests)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", source, err))
			continue
		}
		dests[p.Destination] = true
		params = append(params, p)
	}
	return params, errors.Join(errs...)
}

func (b *Builder) build(source string, taken map[string]bool) (task.Parameters, error) {
	info, err := os.Stat(source)
	if err != nil {
		return task.Parameters{}, err
	}
	if info.IsDir() {
		return task.Parameters{}, ErrIsDirectory
	}
	ext := strings.TrimPrefix(strings.TrimSpace(b.OutputExt), ".")
	if ext == "" {
		return task.Parameters{}, ErrNoExtension
	}

	dir := b.OutputDir
	if dir == "" {
		dir = filepath.Dir(source)
	}
	stem := strings.TrimSuffix(filepath.Base(source), filepath.Ext(source))

	dest := filepath.Join(dir, stem+"."+ext)
	for n := 2; dest == source || taken[dest]; n++ {
		dest = filepath.Join(dir, fmt.Sprintf("%s_%d.%s", stem, n, ext))
	}
	return task.NewParameters(source, dest, b.Options), nil
}
