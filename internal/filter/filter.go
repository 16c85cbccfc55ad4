// Package filter implements crossfs's five content transforms: a
// matched routing entry's backing bytes pass through exactly one of
// bin, bin-restrict, ini, font, service, or pass before being handed
// back to the FUSE front-end. Per spec.md §4.4, filters are dispatched
// as a small closed variant rather than a plug-in interface: each
// Variant bundles a compute-size function and a stream-bytes function,
// both of which must report results consistent with each other (size
// equals the length a full sequential read would produce).
package filter

import (
	"github.com/bedrocklinux/bedrock-core/pkg/errors"
	"github.com/bedrocklinux/bedrock-core/pkg/types"
)

// ResolvedBacking is one backing candidate's content and stat info, in
// candidate-probe order. Every kind's Context carries one entry per
// existing backing. Filters that act on only the first existing
// backing (bin, bin-restrict, ini, service, pass) read index 0; font
// is the only kind that reads past it, since it merges
// fonts.dir/fonts.alias across every existing backing instead of
// stopping at the first.
type ResolvedBacking struct {
	Stratum string
	Path    string
	Data    []byte
	Mode    uint32
}

// Context carries a resolved request's backing data plus whatever
// ambient information a filter kind needs beyond it.
type Context struct {
	Backings []ResolvedBacking

	// StrataRoot is the strata root directory, used by ini/service's
	// Expand-path transform to build "<strata-root>/<stratum>" prefixes.
	StrataRoot string

	// HostInitType is the daemon host's init flavor ("systemd" or
	// "sysvinit"), consulted by the service filter to decide whether a
	// unit needs translating before being exposed.
	HostInitType string
}

// Attrs is the metadata a filter reports through getattr, layered on
// top of the host stat() of the resolved backing candidate.
type Attrs struct {
	Size int64
	Mode uint32
}

// Variant bundles one filter kind's compute-size and stream-bytes
// functions. StreamBytes must return exactly the bytes of the
// transformed output in [offset, offset+length), clipped to the
// transform's total size.
type Variant struct {
	Kind        types.FilterKind
	Attrs       func(Context) (Attrs, error)
	StreamBytes func(ctx Context, offset, length int64) ([]byte, error)
}

// Registry resolves a filter kind to its Variant. The bin/bin-restrict
// variants close over a Bouncer loaded once at daemon startup.
type Registry struct {
	bouncer *Bouncer
}

// NewRegistry creates a Registry. bouncer may be nil only if no
// routing entry ever uses bin or bin-restrict.
func NewRegistry(bouncer *Bouncer) *Registry {
	return &Registry{bouncer: bouncer}
}

// Get returns the Variant for kind.
func (r *Registry) Get(kind types.FilterKind) (*Variant, error) {
	switch kind {
	case types.FilterBin:
		return r.binVariant(false), nil
	case types.FilterBinRestrict:
		return r.binVariant(true), nil
	case types.FilterINI:
		return iniVariant(), nil
	case types.FilterService:
		return serviceVariant(), nil
	case types.FilterFont:
		return fontVariant(), nil
	case types.FilterPass:
		return passVariant(), nil
	default:
		return nil, errors.NewError(errors.ErrCodeUnknownFilter, "unknown filter kind: "+string(kind)).
			WithComponent("filter").WithOperation("get")
	}
}

// clip returns backing[offset : offset+length] clamped to the slice's
// bounds, per the "skip N bytes then append up to M" contract: reads
// past the end return an empty slice rather than erroring.
func clip(backing []byte, offset, length int64) []byte {
	total := int64(len(backing))
	if offset >= total || length <= 0 {
		return []byte{}
	}
	end := offset + length
	if end > total {
		end = total
	}
	return backing[offset:end]
}
