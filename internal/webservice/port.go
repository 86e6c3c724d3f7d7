package webservice

const (
	// DefaultPort is used whenever the preferred port is unset or invalid.
	DefaultPort = 1122
	MinPort     = 1024
	// MaxPort keeps the derived push port inside the valid range.
	MaxPort = 65529
)

// Resolve normalizes a preferred base port. Nil means unset.
func Resolve(raw *int) int {
	if raw == nil || *raw < MinPort || *raw > MaxPort {
		return DefaultPort
	}
	return *raw
}

// PushPort is the port the push server binds for a given base port.
func PushPort(base int) int {
	return base + 1
}
