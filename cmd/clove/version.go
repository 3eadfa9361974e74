package main

import (
	"fmt"
	"runtime/debug"

	"github.com/spf13/cobra"

	"github.com/cloveworks/clove/internal/cli"
	"github.com/cloveworks/clove/internal/update"
	"github.com/cloveworks/clove/internal/version"
)

func init() {
	// If the version wasn't set via ldflags, try to get it from Go module
	// info. This works when installed via "go install".
	if version.Version == "dev" {
		if info, ok := debug.ReadBuildInfo(); ok {
			if info.Main.Version != "" && info.Main.Version != "(devel)" {
				version.Version = info.Main.Version
			}
			for _, setting := range info.Settings {
				switch setting.Key {
				case "vcs.revision":
					if len(setting.Value) >= 7 {
						version.Commit = setting.Value[:7]
					} else {
						version.Commit = setting.Value
					}
				case "vcs.time":
					version.Date = setting.Value
				}
			}
		}
	}
}

var versionCheck bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(version.Info())

		if !versionCheck {
			return nil
		}
		info, err := update.CheckWithCache(cmd.Context())
		if err != nil {
			return cli.GeneralError("checking for updates", err)
		}
		if info.UpdateAvailable {
			fmt.Printf("\nUpdate available: %s -> %s\n", info.CurrentVersion, info.LatestVersion)
			if info.ReleaseURL != "" {
				fmt.Println(info.ReleaseURL)
			}
		} else {
			fmt.Println("\nYou are on the latest version.")
		}
		return nil
	},
}

func init() {
	versionCmd.Flags().BoolVar(&versionCheck, "check", false, "check GitHub for a newer release")
}
