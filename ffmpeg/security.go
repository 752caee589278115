package ffmpeg

import (
	"fmt"
	"strings"

	"github.com/google/shlex"
)

// Options that would change which files ffmpeg reads or writes, or how it
// reports progress, are set by the converter only.
var reservedOptions = map[string]bool{
	"-i":        true,
	"-y":        true,
	"-n":        true,
	"-progress": true,
	"-stats":    true,
	"-nostats":  true,
	"-nostdin":  true,
}

// SplitOptions splits an encoder option string into arguments without a shell.
func SplitOptions(options string) ([]string, error) {
	args, err := shlex.Split(options)
	if err != nil {
		return nil, fmt.Errorf("invalid option syntax: %w", err)
	}
	return args, nil
}

// SanitizeOptions rejects arguments that carry shell metacharacters or
// reserved options.
func SanitizeOptions(args []string) error {
	for _, arg := range args {
		if reservedOptions[arg] {
			return fmt.Errorf("option %s is managed by the converter", arg)
		}
		// exec.Command never runs a shell, but these have no business in encoder options.
		if strings.ContainsAny(arg, "|&;`$()<>") {
			return fmt.Errorf("disallowed character found in argument: %s", arg)
		}
	}
	return nil
}
