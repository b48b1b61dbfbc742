package utils

// MaskSecret keeps the first four characters so tokens stay recognizable in
// logs without being usable
func MaskSecret(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + "****"
}
