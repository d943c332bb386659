package main

import (
	"os"
	"runtime"
	"runtime/debug"

	C "github.com/sagernet/devgate/constant"
	F "github.com/sagernet/sing/common/format"

	"github.com/spf13/cobra"
)

var commandVersion = &cobra.Command{
	Use:   "version",
	Short: "Print current version of devgate",
	Run: func(cmd *cobra.Command, args []string) {
		os.Stdout.WriteString(versionString(nameOnly) + "\n")
	},
	Args: cobra.NoArgs,
}

var nameOnly bool

func init() {
	commandVersion.Flags().BoolVarP(&nameOnly, "name", "n", false, "print version name only")
	mainCommand.AddCommand(commandVersion)
}

func versionString(nameOnly bool) string {
	version := F.ToString(C.Version)
	if commit := buildCommit(); commit != "" {
		version += "." + commit
	}
	if nameOnly {
		return version
	}
	return F.ToString("devgate ", version, " (", runtime.Version(), ", ", runtime.GOOS, ", ", runtime.GOARCH, ")")
}

// buildCommit prefers the linker-injected commit and falls back to the
// revision go build records for module checkouts.
func buildCommit() string {
	if C.Commit != "" {
		return C.Commit
	}
	buildInfo, loaded := debug.ReadBuildInfo()
	if !loaded {
		return ""
	}
	var revision string
	var modified bool
	for _, setting := range buildInfo.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.modified":
			modified = setting.Value == "true"
		}
	}
	if len(revision) > 7 {
		revision = revision[:7]
	}
	if revision != "" && modified {
		revision += "-dirty"
	}
	return revision
}
