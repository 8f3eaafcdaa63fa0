// Package transform defines the preprocessing configuration, its content
// fingerprint, and the deterministic kernel chain that turns a raw scan
// into a canonical tensor.
//
// The fingerprint namespaces the preprocessing cache: any change to any
// parameter changes the fingerprint, which orphans old entries instead of
// invalidating them in place.
package transform

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// canonicalPrefix versions the fingerprint input so a change to the
// canonical encoding itself also rolls the namespace.
const canonicalPrefix = "scanset/transform/v1|"

// Config is the ordered set of preprocessing parameters. It is a value
// type: two equal configs always produce identical cache contents.
type Config struct {
	// TargetSpacing is the desired voxel spacing in millimeters, applied
	// per axis after reorientation.
	TargetSpacing [3]float64 `json:"target_spacing_xyz"`
	// TargetShape is the output tensor shape as (depth, height, width).
	TargetShape [3]int `json:"target_shape_dhw"`
	// ClipMin and ClipMax bound the intensity window in Hounsfield units;
	// values are clipped and rescaled to [0, 1].
	ClipMin float64 `json:"clip_hu_min"`
	ClipMax float64 `json:"clip_hu_max"`
	// Axcodes is the target anatomical orientation, e.g. "LPS" or "RAS".
	Axcodes string `json:"orientation_axcodes"`
}

// Validate checks the config for values the kernel chain cannot honor.
func (c Config) Validate() error {
	for i, s := range c.TargetSpacing {
		if s <= 0 {
			return fmt.Errorf("transform: target spacing[%d] must be positive, got %g", i, s)
		}
	}
	for i, s := range c.TargetShape {
		if s <= 0 {
			return fmt.Errorf("transform: target shape[%d] must be positive, got %d", i, s)
		}
	}
	if c.ClipMin >= c.ClipMax {
		return fmt.Errorf("transform: clip bounds [%g, %g] are inverted or empty", c.ClipMin, c.ClipMax)
	}
	if err := validateAxcodes(c.Axcodes); err != nil {
		return err
	}
	return nil
}

func validateAxcodes(axcodes string) error {
	if len(axcodes) != 3 {
		return fmt.Errorf("transform: axcodes must have exactly 3 letters, got %q", axcodes)
	}
	var seen [3]bool
	for _, r := range axcodes {
		i := strings.IndexRune("RLAPSI", r)
		if i < 0 {
			return fmt.Errorf("transform: invalid axcode letter %q", r)
		}
		if seen[i/2] {
			return fmt.Errorf("transform: axcodes %q name the same anatomical axis twice", axcodes)
		}
		seen[i/2] = true
	}
	return nil
}

// Fingerprint is the content digest of a Config.
type Fingerprint [sha256.Size]byte

// Fingerprint derives the stable digest that namespaces cache entries for
// this config. Equal configs always yield equal fingerprints; configs that
// differ in any field yield different ones.
func (c Config) Fingerprint() Fingerprint {
	// encoding/json writes struct fields in declaration order, so the
	// encoding is canonical for a fixed Config definition.
	b, err := json.Marshal(c)
	if err != nil {
		// Config is a plain value type; Marshal cannot fail on it.
		panic(fmt.Errorf("transform: marshal config: %w", err))
	}
	h := sha256.New()
	h.Write([]byte(canonicalPrefix))
	h.Write(b)
	var fp Fingerprint
	copy(fp[:], h.Sum(nil))
	return fp
}

// String returns the full hex digest.
func (f Fingerprint) String() string { return hex.EncodeToString(f[:]) }

// Short returns a 12-character prefix for log lines and directory names
// shown to operators.
func (f Fingerprint) Short() string { return f.String()[:12] }
