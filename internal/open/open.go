// Package open launches URLs in the system default browser. Used for the
// manual challenge page and for the payment page on success.
package open

import (
	"fmt"
	"os/exec"
	"runtime"
)

// Browser opens the URL with the platform launcher. The spawned process is
// not waited on.
func Browser(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("open browser: %w", err)
	}
	return nil
}
