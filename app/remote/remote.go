// Package remote builds the ssh command lines used to run the wrapped tool on
// the transcoding host and to clean up after it. SSH stays an external
// process, key handling and host policy belong to the user's ssh setup.
package remote

import (
	"strings"

	"github.com/frt-tools/frt/app/translate"
)

// SSH describes the remote endpoint
type SSH struct {
	Host         string
	Username     string
	IdentityFile string
}

// baseArgs returns the ssh invocation prefix. Timeouts are aggressive on
// purpose, a dead host must fail fast so the local fallback can take over.
func (s *SSH) baseArgs() []string {
	res := []string{
		"ssh", "-q",
		"-o", "ConnectTimeout=1",
		"-o", "ConnectionAttempts=1",
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
	}
	if s.IdentityFile != "" {
		res = append(res, "-i", s.IdentityFile)
	}
	return append(res, s.Username+"@"+s.Host)
}

// Command wraps a remote argv into a full ssh invocation. The remote side
// parses a single shell line, so each token is quoted as needed.
func (s *SSH) Command(remoteArgs []string) []string {
	quoted := make([]string, len(remoteArgs))
	for i, a := range remoteArgs {
		quoted[i] = translate.QuoteArg(a)
	}
	return append(s.baseArgs(), strings.Join(quoted, " "))
}

// KillOrphans returns the invocation killing remote tool processes cut loose
// from their ssh session (reparented to init) for the configured user
func (s *SSH) KillOrphans(procNames []string) []string {
	kill := strings.Join([]string{"pkill", "-P1", "-u", s.Username, "-f", "'" + strings.Join(procNames, "|") + "'"}, " ")
	return append(s.baseArgs(), kill)
}
