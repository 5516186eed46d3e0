package daemon

import (
	"fmt"
	"log"
	"os"
	"os/exec"
)

// execStarter launches a start target as a detached child process. The
// environment is inherited, so the child finds the same runtime dir and
// can bind back over the control socket. Process supervision beyond the
// launch is the child's own business.
type execStarter struct{}

func (execStarter) Start(target string) error {
	cmd := exec.Command(target)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("launching %s: %w", target, err)
	}
	log.Printf("INFO: Launched %s (pid %d)", target, cmd.Process.Pid)
	go func() {
		if err := cmd.Wait(); err != nil {
			log.Printf("WARN: %s (pid %d) exited: %v", target, cmd.Process.Pid, err)
		}
	}()
	return nil
}
