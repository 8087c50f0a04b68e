// Package version carries the manager's own build-time semantic version,
// returned by the GetVersion RPC and checked against the machine server's
// version compatibility at StartSession.
package version

// These are overridden at build time via -ldflags, following the
// teacher's convention for stamping a binary version; the defaults below
// (0.1.0) serve local/test builds.
var (
	Major = uint32(0)
	Minor = uint32(1)
	Patch = uint32(0)

	PreRelease = ""
	Build      = ""
)

// Info is the GetVersion response shape. It is a separate type with the
// same fields and JSON names as internal/machine's Version, so both sides
// of the manager speak the same semver schema.
type Info struct {
	Major      uint32 `json:"major"`
	Minor      uint32 `json:"minor"`
	Patch      uint32 `json:"patch"`
	PreRelease string `json:"pre_release"`
	Build      string `json:"build"`
}

// Current returns the running manager's version.
func Current() Info {
	return Info{
		Major:      Major,
		Minor:      Minor,
		Patch:      Patch,
		PreRelease: PreRelease,
		Build:      Build,
	}
}

// CompatibleMachineMajor and CompatibleMachineMinor are the machine-server
// version this manager build was compiled against. They are independent
// of the manager's own version above; StartSession rejects any machine
// server whose major/minor does not match exactly.
var (
	CompatibleMachineMajor = uint32(0)
	CompatibleMachineMinor = uint32(1)
)

// MachineCompatible reports whether a machine server's reported version is
// compatible with this manager build: major and minor must match exactly.
func MachineCompatible(major, minor uint32) bool {
	return major == CompatibleMachineMajor && minor == CompatibleMachineMinor
}
