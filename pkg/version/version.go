package version

// Version represents the current version of Sandesh
const Version = "0.4.0"

// BuildVersion returns the version string for display
func BuildVersion() string {
	return "sandesh version " + Version
}
