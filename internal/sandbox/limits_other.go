//go:build !linux

package sandbox

func applyLimits(Limits) error {
	return nil
}
