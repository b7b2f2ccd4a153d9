package gateway

import (
	"github.com/Masterminds/semver/v3"
)

// Tier is an additive capability level of the running event gate. Every
// tier includes all lower ones; event kinds, message fields and mute
// operations each name the tier that introduced them.
type Tier int

const (
	Tier1 Tier = iota + 1 // base event set, process mutes
	Tier2                 // mount events, sequence numbers, tty, path mutes
	Tier3                 // setmode events, process start time
	Tier4                 // setxattr events, global sequencing, thread ids, target-path mutes, mute inversion
)

// Message schema versions delivered per tier. Higher schemas carry more
// populated fields; consumers gate field access on the schema version.
const (
	SchemaV1 uint32 = iota + 1
	SchemaV2
	SchemaV3
	SchemaV4
)

var tierFloors = []struct {
	tier Tier
	min  *semver.Version
}{
	{Tier4, semver.MustParse("1.3.0")},
	{Tier3, semver.MustParse("1.2.0")},
	{Tier2, semver.MustParse("1.1.0")},
	{Tier1, semver.MustParse("1.0.0")},
}

// TierForVersion maps a runtime version to its capability tier. Versions
// below the base floor report Tier 0 (no capability); the caller treats
// that as a refused handshake.
func TierForVersion(v *semver.Version) Tier {
	if v == nil {
		return 0
	}
	for _, floor := range tierFloors {
		if !v.LessThan(floor.min) {
			return floor.tier
		}
	}
	return 0
}

// MinVersion returns the lowest runtime version carrying the tier.
func (t Tier) MinVersion() *semver.Version {
	for _, floor := range tierFloors {
		if floor.tier == t {
			return floor.min
		}
	}
	return nil
}

// Schema returns the message schema version delivered at the tier.
func (t Tier) Schema() uint32 {
	switch {
	case t >= Tier4:
		return SchemaV4
	case t >= Tier3:
		return SchemaV3
	case t >= Tier2:
		return SchemaV2
	default:
		return SchemaV1
	}
}

// Supports reports whether the tier covers a requirement. Tiers are
// strictly additive, so this is a plain ordering check.
func (t Tier) Supports(need Tier) bool {
	return t >= need
}
