// Package arbiter compares the original prompt with the optimized one and
// reports a signed vote per quality axis.
package arbiter

import "context"

// Score holds one vote per axis in [-1, 1]. Positive values favour the
// optimized prompt.
type Score struct {
	Clarity     float64 `json:"clarity" yaml:"clarity"`
	Structure   float64 `json:"structure" yaml:"structure"`
	Constraints float64 `json:"constraints" yaml:"constraints"`
	Usefulness  float64 `json:"usefulness" yaml:"usefulness"`
	Comment     string  `json:"comment" yaml:"comment"`
}

type Arbiter interface {
	Compare(ctx context.Context, original, final string) (*Score, error)
}
