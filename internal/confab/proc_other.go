//go:build !linux

package confab

func residentBytes() (uint64, bool) { return 0, false }
