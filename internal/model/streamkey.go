// SPDX-License-Identifier: MIT

package model

import "fmt"

// StreamKey identifies the unit of sharing in the transcoder manager:
// (channel id, variant name, output shape). Overlap requests carry a
// non-empty Overlap suffix and are never published for sharing.
type StreamKey struct {
	ChannelID int
	Variant   string
	Shape     OutputShape
	Overlap   string
}

// String renders the key in the "id/variant/shape[#overlap]" form used
// for logging, the per-key temp directory name, and map keys.
func (k StreamKey) String() string {
	variant := k.Variant
	if variant == "" {
		variant = "_"
	}
	if k.Overlap != "" {
		return fmt.Sprintf("%d/%s/%s#%s", k.ChannelID, variant, k.Shape, k.Overlap)
	}
	return fmt.Sprintf("%d/%s/%s", k.ChannelID, variant, k.Shape)
}

// IsOverlap reports whether this key denotes a private, non-shared
// instance.
func (k StreamKey) IsOverlap() bool {
	return k.Overlap != ""
}
