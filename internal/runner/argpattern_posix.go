//go:build !windows

package runner

import "regexp"

// argPattern is the allow-list from 4.B: only these characters may
// appear in a command name or argument. This rejects shell
// metacharacters (;&|`$) and redirection/substitution sequences by
// construction, since none of them are in the allowed set. POSIX paths
// never need a backslash, so it stays out of the default charset.
var argPattern = regexp.MustCompile(`^[A-Za-z0-9._/-]*$`)
