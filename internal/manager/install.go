package manager

import (
	"os"
	"path/filepath"
)

// RuntimeInstallEnv names the environment variable the Meta Quest installer
// sets to its install root.
const RuntimeInstallEnv = "OculusBase"

// RuntimeInstall describes a detected Meta Quest Link installation.
type RuntimeInstall struct {
	Installed bool   `json:"installed"`
	BaseDir   string `json:"base_dir,omitempty"`
	ClientExe string `json:"client_exe,omitempty"`
	DebugTool string `json:"debug_tool,omitempty"`
	DashExe   string `json:"dash_exe,omitempty"`
}

// DetectRuntimeInstall resolves the runtime layout from OculusBase. It is
// installed only when the client executable exists.
func DetectRuntimeInstall() RuntimeInstall {
	return detectRuntimeInstall(os.Getenv(RuntimeInstallEnv))
}

func detectRuntimeInstall(base string) RuntimeInstall {
	if base == "" {
		return RuntimeInstall{}
	}
	if fi, err := os.Stat(base); err != nil || !fi.IsDir() {
		return RuntimeInstall{}
	}
	support := filepath.Join(base, "Support")
	ri := RuntimeInstall{
		BaseDir:   base,
		ClientExe: filepath.Join(support, "oculus-client", "OculusClient.exe"),
		DebugTool: filepath.Join(support, "oculus-diagnostics", "OculusDebugTool.exe"),
		DashExe:   filepath.Join(support, "oculus-dash", "dash", "bin", "OculusDash.exe"),
	}
	if fi, err := os.Stat(ri.ClientExe); err == nil && !fi.IsDir() {
		ri.Installed = true
	}
	return ri
}
