//go:build windows

package runner

import "regexp"

// argPattern is the allow-list from 4.B, widened to admit backslash:
// Windows paths are backslash-separated, so the POSIX charset alone
// would reject every native path argument on this platform.
var argPattern = regexp.MustCompile(`^[A-Za-z0-9._/\\-]*$`)
