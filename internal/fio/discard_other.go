//go:build !linux

package fio

// Discard is a no-op where hole punching is unavailable.
func (b *fileBase) Discard(offset, length int64) error {
	return nil
}
