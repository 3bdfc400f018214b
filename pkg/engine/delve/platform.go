package delve

import "runtime"

// Delve targets run on the host, so the target platform is the host
// platform, reported in names the language resolver knows.

func hostArch() string {
	switch runtime.GOARCH {
	case "amd64":
		return "x64"
	case "386":
		return "i386"
	case "arm":
		return "arm_any"
	case "arm64":
		return "aarch64"
	default:
		return runtime.GOARCH
	}
}

func hostOS() string {
	switch runtime.GOOS {
	case "darwin":
		return "macos"
	default:
		return runtime.GOOS
	}
}

func pointerSize() int {
	switch runtime.GOARCH {
	case "386", "arm":
		return 4
	default:
		return 8
	}
}
