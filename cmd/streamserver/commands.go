package main

import (
	"fmt"

	"github.com/virtdisplay/sessionstream/internal/displaypool"
	"github.com/virtdisplay/sessionstream/internal/encoder"
)

// xvfbCommand builds the display-server invocation per the well-known
// external-interface contract: <display-id>, WxHx24 geometry, and the
// standard extension flags.
func xvfbCommand(id displaypool.DisplayID, width, height int) (string, []string) {
	return "Xvfb", []string{
		fmt.Sprintf(":%d", int(id)),
		"-screen", "0", fmt.Sprintf("%dx%dx24", width, height),
		"-ac", "+extension", "GLX", "+render", "-noreset",
	}
}

// windowManagerCommand builds the window-manager invocation against an
// already-ready display.
func windowManagerCommand(id displaypool.DisplayID, width, height int) (string, []string) {
	return "fluxbox", []string{"-display", fmt.Sprintf(":%d", int(id))}
}

// readinessProbeCommand builds a command that exits 0 once the display
// is reachable.
func readinessProbeCommand(id displaypool.DisplayID, width, height int) (string, []string) {
	return "xdpyinfo", []string{"-display", fmt.Sprintf(":%d", int(id))}
}

// encoderCommand builds the encoder invocation for a session bound to
// display. The concrete codec parameters are intentionally minimal;
// callers needing different bitrate/GOP tuning supply their own
// manager.Spec.Build.
func encoderCommand(display string) encoder.CommandBuilder {
	return func() (string, []string) {
		return "ffmpeg", []string{
			"-f", "x11grab", "-i", display,
			"-c:v", "libx264", "-preset", "veryfast", "-tune", "zerolatency",
			"-f", "h264", "-",
		}
	}
}
