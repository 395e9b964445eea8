package service

import "fmt"

const (
	kib = 1024
	mib = 1024 * 1024
)

// FormatSize renders a byte count the way file listings show it, e.g.
// "512 bytes", "600.00 KB" or "1.50 MB".
func FormatSize(n int64) string {
	switch {
	case n >= mib:
		return fmt.Sprintf("%.2f MB", float64(n)/mib)
	case n >= kib:
		return fmt.Sprintf("%.2f KB", float64(n)/kib)
	default:
		return fmt.Sprintf("%d bytes", n)
	}
}
