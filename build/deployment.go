package build

// DeploymentType is the kind of build, chosen with the dev build tag. It is
// reported in the startup banner.
type DeploymentType byte

const (
	// Development builds log at debug level by default.
	Development DeploymentType = iota

	// Production builds log at info level by default.
	Production
)

// String returns a human readable name for a build type.
func (b DeploymentType) String() string {
	switch b {
	case Development:
		return "development"
	case Production:
		return "production"
	default:
		return "unknown"
	}
}
