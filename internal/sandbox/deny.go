package sandbox

import "strings"

// denyList contains substrings that must not appear in a command line.
var denyList = []string{
	"rm -rf /",
	"chmod 777",
	"curl | sh",
	"wget | sh",
	"curl | bash",
	"wget | bash",
	"eval $(",
	"> /dev/sd",
	"mkfs.",
	"shutdown",
	"reboot",
	":(){ :|:& };:",
}

// BlockedShellCommand reports whether cmdLine contains a denied substring.
// Matching is case-insensitive.
func BlockedShellCommand(cmdLine string) bool {
	lower := strings.ToLower(strings.TrimSpace(cmdLine))
	for _, deny := range denyList {
		if strings.Contains(lower, deny) {
			return true
		}
	}
	return false
}
