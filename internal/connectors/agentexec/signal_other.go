//go:build !unix

package agentexec

import "os"

func terminate(p *os.Process) error {
	return p.Kill()
}
