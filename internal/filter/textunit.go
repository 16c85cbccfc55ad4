package filter

import (
	"bytes"
	"strings"

	"github.com/bedrocklinux/bedrock-core/pkg/errors"
	"github.com/bedrocklinux/bedrock-core/pkg/types"
)

// execPrefixes are the unit-file directives whose command value gets
// the strat-invocation substring inserted (spec.md §4.4, Inject-strat).
var execPrefixes = []string{
	"Exec=", "ExecReload=", "ExecStart=", "ExecStartPost=",
	"ExecStartPre=", "ExecStop=", "ExecStopPost=",
}

// expandPrefixes are the directives whose absolute-path value gets the
// strata-root prefix inserted (spec.md §4.4, Expand-path).
var expandPrefixes = []string{"Icon=/", "Path=/", "TryExec=/"}

// stratPath is the path to the strat(1) utility used to re-enter a
// stratum's context before running an Exec= command from a different
// stratum's unit file.
const stratPath = "/bedrock/bin/strat"

// transformUnit applies Inject-strat and Expand-path to one line of an
// ini/service-filtered file.
func transformUnit(line, stratumName, strataRoot string) string {
	for _, prefix := range execPrefixes {
		if strings.HasPrefix(line, prefix) {
			return prefix + stratPath + " " + stratumName + " " + line[len(prefix):]
		}
	}
	for _, prefix := range expandPrefixes {
		if strings.HasPrefix(line, prefix) {
			key := prefix[:len(prefix)-1] // drop the trailing '/'
			rest := line[len(key)+1:]     // everything after "Key="
			return key + "=" + strataRoot + "/" + stratumName + rest
		}
	}
	return line
}

// renderUnit applies transformUnit to every line of data, preserving
// the original line terminators (a trailing line with no newline is
// preserved without one).
func renderUnit(data []byte, stratumName, strataRoot string) []byte {
	if len(data) == 0 {
		return nil
	}
	trailingNewline := data[len(data)-1] == '\n'
	lines := bytes.Split(data, []byte("\n"))
	if trailingNewline {
		lines = lines[:len(lines)-1]
	}

	var out bytes.Buffer
	for i, line := range lines {
		out.WriteString(transformUnit(string(line), stratumName, strataRoot))
		if i < len(lines)-1 || trailingNewline {
			out.WriteByte('\n')
		}
	}
	return out.Bytes()
}

func iniVariant() *Variant {
	return &Variant{
		Kind: types.FilterINI,
		Attrs: func(ctx Context) (Attrs, error) {
			b := ctx.Backings[0]
			out := renderUnit(b.Data, b.Stratum, ctx.StrataRoot)
			return Attrs{Size: int64(len(out)), Mode: b.Mode}, nil
		},
		StreamBytes: func(ctx Context, offset, length int64) ([]byte, error) {
			b := ctx.Backings[0]
			out := renderUnit(b.Data, b.Stratum, ctx.StrataRoot)
			return clip(out, offset, length), nil
		},
	}
}

// serviceVariant behaves like ini but additionally supports
// translating a unit file between init-system flavors when the host's
// init type differs from what the backing file was authored for. Per
// spec.md's redesign note, the translation mapping in the original
// implementation is populated in only one direction; this restricts
// translation to that documented subset (systemd unit -> sysvinit
// init script). A unit already matching the host's flavor passes
// through untouched; any other unmapped pairing fails closed with an
// unsupported-operation error rather than guessing at a translation.
func serviceVariant() *Variant {
	return &Variant{
		Kind: types.FilterService,
		Attrs: func(ctx Context) (Attrs, error) {
			out, err := renderService(ctx)
			if err != nil {
				return Attrs{}, err
			}
			return Attrs{Size: int64(len(out)), Mode: ctx.Backings[0].Mode}, nil
		},
		StreamBytes: func(ctx Context, offset, length int64) ([]byte, error) {
			out, err := renderService(ctx)
			if err != nil {
				return nil, err
			}
			return clip(out, offset, length), nil
		},
	}
}

func renderService(ctx Context) ([]byte, error) {
	b := ctx.Backings[0]
	transformed := renderUnit(b.Data, b.Stratum, ctx.StrataRoot)

	backingType := detectUnitType(b.Data)
	if ctx.HostInitType == "" || backingType == "" || ctx.HostInitType == backingType {
		return transformed, nil
	}
	if backingType == "systemd" && ctx.HostInitType == "sysvinit" {
		return translateSystemdToSysvinit(transformed), nil
	}
	// Reverse direction (sysvinit -> systemd, or any other pairing) is
	// not documented in the source this filter was derived from;
	// fail closed with an error rather than guessing at a translation.
	return nil, errors.NewError(errors.ErrCodeUnsupportedOp,
		"no translation from "+backingType+" to "+ctx.HostInitType+" unit format").
		WithComponent("filter").WithOperation("render_service")
}

func detectUnitType(data []byte) string {
	switch {
	case bytes.Contains(data, []byte("[Unit]")), bytes.Contains(data, []byte("[Service]")):
		return "systemd"
	case bytes.HasPrefix(bytes.TrimSpace(data), []byte("#!/bin/sh")),
		bytes.Contains(data, []byte("### BEGIN INIT INFO")):
		return "sysvinit"
	default:
		return ""
	}
}

// translateSystemdToSysvinit synthesizes a minimal LSB-style init
// script wrapping the unit's ExecStart command, for the documented
// systemd->sysvinit subset only.
func translateSystemdToSysvinit(unit []byte) []byte {
	var execStart string
	for _, line := range bytes.Split(unit, []byte("\n")) {
		if bytes.HasPrefix(line, []byte("ExecStart=")) {
			execStart = string(bytes.TrimPrefix(line, []byte("ExecStart=")))
			break
		}
	}
	var out bytes.Buffer
	out.WriteString("#!/bin/sh\n### BEGIN INIT INFO\n### END INIT INFO\n")
	out.WriteString("case \"$1\" in\n  start)\n    " + execStart + "\n    ;;\n")
	out.WriteString("  *)\n    echo \"Usage: $0 start\"\n    exit 1\n    ;;\nesac\n")
	return out.Bytes()
}
