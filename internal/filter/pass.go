package filter

import "github.com/bedrocklinux/bedrock-core/pkg/types"

// passVariant forwards the first existing backing's bytes verbatim.
// xattr reporting (stratum/localpath) is synthesized by the front-end
// from the resolved candidate, independent of the filter variant.
func passVariant() *Variant {
	return &Variant{
		Kind: types.FilterPass,
		Attrs: func(ctx Context) (Attrs, error) {
			b := ctx.Backings[0]
			return Attrs{Size: int64(len(b.Data)), Mode: b.Mode}, nil
		},
		StreamBytes: func(ctx Context, offset, length int64) ([]byte, error) {
			return clip(ctx.Backings[0].Data, offset, length), nil
		},
	}
}
