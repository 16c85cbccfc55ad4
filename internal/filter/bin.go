package filter

import (
	"os"

	"github.com/bedrocklinux/bedrock-core/pkg/errors"
	"github.com/bedrocklinux/bedrock-core/pkg/types"
)

// setuid/setgid/sticky bits stripped from the bin/bin-restrict mode,
// and the read bits added in their place (spec.md §4.4: "mode gains
// user/group/other read bits ... setuid/setgid/sticky bits stripped").
const (
	modeSetuid = 04000
	modeSetgid = 02000
	modeSticky = 01000
	modeRead   = 0444
)

// Bouncer is the small fixed binary exposed in place of any backing
// executable routed through the bin or bin-restrict filter. It is
// opened once at daemon startup; every bin/bin-restrict read serves
// these same bytes regardless of which stratum's executable a caller
// asked for.
type Bouncer struct {
	data []byte
	mode uint32
}

// LoadBouncer reads the bouncer binary from path and stats its mode.
func LoadBouncer(path string) (*Bouncer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeInternalError, "load bouncer: "+err.Error()).
			WithComponent("filter").WithOperation("load-bouncer")
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeInternalError, "stat bouncer: "+err.Error()).
			WithComponent("filter").WithOperation("load-bouncer")
	}
	return &Bouncer{data: data, mode: uint32(info.Mode().Perm())}, nil
}

// Size returns the bouncer's byte length.
func (b *Bouncer) Size() int64 { return int64(len(b.data)) }

// ExposedMode returns the permission bits bin/bin-restrict report:
// read added for all classes, setuid/setgid/sticky cleared.
func (b *Bouncer) ExposedMode() uint32 {
	return (b.mode | modeRead) &^ (modeSetuid | modeSetgid | modeSticky)
}

func (r *Registry) binVariant(restrict bool) *Variant {
	kind := types.FilterBin
	if restrict {
		kind = types.FilterBinRestrict
	}
	return &Variant{
		Kind: kind,
		Attrs: func(ctx Context) (Attrs, error) {
			if r.bouncer == nil {
				return Attrs{}, errors.NewError(errors.ErrCodeInternalError,
					"bin filter used with no bouncer loaded").
					WithComponent("filter").WithOperation("bin-attrs")
			}
			return Attrs{Size: r.bouncer.Size(), Mode: r.bouncer.ExposedMode()}, nil
		},
		StreamBytes: func(ctx Context, offset, length int64) ([]byte, error) {
			if r.bouncer == nil {
				return nil, errors.NewError(errors.ErrCodeInternalError,
					"bin filter used with no bouncer loaded").
					WithComponent("filter").WithOperation("bin-stream")
			}
			return clip(r.bouncer.data, offset, length), nil
		},
	}
}
