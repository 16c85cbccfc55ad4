package store

import (
	"fmt"
	"strings"

	"github.com/bedrocklinux/bedrock-core/pkg/errors"
	"github.com/bedrocklinux/bedrock-core/pkg/types"
)

// ParseBacking splits a wire-form "<stratum>:<stratum-path>" backing
// location, requiring the stratum-path half to begin with "/" and the
// stratum half to not contain one.
func ParseBacking(s string) (types.BackingLocation, error) {
	idx := strings.IndexByte(s, ':')
	if idx < 0 {
		return types.BackingLocation{}, errors.NewError(errors.ErrCodeMalformedCommand,
			fmt.Sprintf("backing location %q missing ':'", s)).
			WithComponent("store").WithOperation("parse")
	}
	stratum, path := s[:idx], s[idx+1:]
	if stratum == "" || strings.Contains(stratum, "/") {
		return types.BackingLocation{}, errors.NewError(errors.ErrCodeMalformedCommand,
			fmt.Sprintf("invalid stratum name %q", stratum)).
			WithComponent("store").WithOperation("parse")
	}
	if !strings.HasPrefix(path, "/") {
		return types.BackingLocation{}, errors.NewError(errors.ErrCodeMalformedCommand,
			fmt.Sprintf("backing path %q must start with '/'", path)).
			WithComponent("store").WithOperation("parse")
	}
	return types.BackingLocation{Stratum: stratum, Path: path}, nil
}

// ApplyCrossCommand parses and applies one crossfs control-file record
// (without its trailing newline) to s. Parsing is strict: malformed
// records return an error and leave the store unmodified.
func ApplyCrossCommand(s *CrossStore, record string) error {
	fields := strings.Fields(record)
	if len(fields) == 0 {
		return errors.NewError(errors.ErrCodeMalformedCommand, "empty command").
			WithComponent("store").WithOperation("apply")
	}

	switch fields[0] {
	case "clear":
		if len(fields) != 1 {
			return malformed("clear takes no arguments")
		}
		s.Clear()
		return nil

	case "add", "rm":
		if len(fields) != 4 {
			return malformed(fmt.Sprintf("%s requires <filter> <virtual-path> <stratum>:<path>", fields[0]))
		}
		filter := types.FilterKind(fields[1])
		if !filter.Valid() {
			return errors.NewError(errors.ErrCodeUnknownFilter, fmt.Sprintf("unknown filter %q", fields[1])).
				WithComponent("store").WithOperation("apply")
		}
		virtualPath := fields[2]
		if !strings.HasPrefix(virtualPath, "/") {
			return malformed(fmt.Sprintf("virtual path %q must start with '/'", virtualPath))
		}
		backing, err := ParseBacking(fields[3])
		if err != nil {
			return err
		}
		if fields[0] == "add" {
			return s.Add(filter, virtualPath, backing)
		}
		return s.Remove(filter, virtualPath, backing)

	default:
		return malformed(fmt.Sprintf("unknown command %q", fields[0]))
	}
}

// ApplyEtcCommand parses and applies one etcfs control-file record.
// etcfs recognizes add_global/rm_global/add_override/rm_override;
// crossfs's add/rm/clear commands are rejected as unknown here.
func ApplyEtcCommand(s *EtcStore, record string) error {
	fields := strings.Fields(record)
	if len(fields) == 0 {
		return errors.NewError(errors.ErrCodeMalformedCommand, "empty command").
			WithComponent("store").WithOperation("apply")
	}

	switch fields[0] {
	case "add_global", "rm_global":
		if len(fields) != 2 {
			return malformed(fmt.Sprintf("%s requires <path>", fields[0]))
		}
		if !strings.HasPrefix(fields[1], "/") {
			return malformed(fmt.Sprintf("path %q must start with '/'", fields[1]))
		}
		if fields[0] == "add_global" {
			s.AddGlobal(fields[1])
		} else {
			s.RemoveGlobal(fields[1])
		}
		return nil

	case "add_override":
		// Only the first three fields (command, kind, path) are
		// delimited by single spaces; everything after the third space
		// is the literal content (symlink target or injection bytes),
		// taken verbatim -- strings.Fields would collapse any run of
		// internal whitespace in it, silently mangling what was
		// actually written to the control file (spec.md §4.2: "no
		// shell quoting").
		parts := strings.SplitN(record, " ", 4)
		if len(parts) < 4 {
			return malformed("add_override requires <kind> <path> <content>")
		}
		kind := types.OverrideKind(parts[1])
		if !kind.Valid() {
			return errors.NewError(errors.ErrCodeUnknownOverride, fmt.Sprintf("unknown override kind %q", parts[1])).
				WithComponent("store").WithOperation("apply")
		}
		path := parts[2]
		if !strings.HasPrefix(path, "/") {
			return malformed(fmt.Sprintf("path %q must start with '/'", path))
		}
		content := parts[3]
		s.AddOverride(kind, path, content)
		return nil

	case "rm_override":
		if len(fields) != 2 {
			return malformed("rm_override requires <path>")
		}
		s.RemoveOverride(fields[1])
		return nil

	default:
		return malformed(fmt.Sprintf("unknown command %q", fields[0]))
	}
}

// SplitRecord extracts the command record from a control-file write
// payload. Per the wire protocol each write is exactly one record
// terminated by exactly one newline; SplitRecord enforces that and
// returns the single record with its newline stripped.
func SplitRecord(payload []byte) (string, error) {
	s := string(payload)
	if strings.Count(s, "\n") != 1 || !strings.HasSuffix(s, "\n") {
		return "", errors.NewError(errors.ErrCodeMalformedCommand,
			"write must be exactly one record terminated by exactly one newline").
			WithComponent("store").WithOperation("parse")
	}
	return strings.TrimSuffix(s, "\n"), nil
}

func malformed(msg string) error {
	return errors.NewError(errors.ErrCodeMalformedCommand, msg).
		WithComponent("store").WithOperation("apply")
}
