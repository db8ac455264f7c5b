package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"runtime"

	"github.com/spf13/cobra"
)

// Build information, set with -ldflags "-X .../internal/cmd.Version=...".
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

const developmentBuild = "unknown (development build)"

// VersionInfo describes the running binary.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
}

// GetVersionInfo returns the build information with development fallbacks applied.
func GetVersionInfo() VersionInfo {
	return VersionInfo{
		Version:   getVersionString(),
		Commit:    getCommitString(),
		BuildDate: getBuildDateString(),
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
}

// WriteText renders the information for a terminal.
func (v VersionInfo) WriteText(w io.Writer) {
	fmt.Fprintln(w, "Steward Incident Control Plane")
	fmt.Fprintf(w, "Version:    %s\n", v.Version)
	fmt.Fprintf(w, "Commit:     %s\n", v.Commit)
	fmt.Fprintf(w, "Built:      %s\n", v.BuildDate)
	fmt.Fprintf(w, "Go version: %s\n", v.GoVersion)
	fmt.Fprintf(w, "Go OS/Arch: %s/%s\n", v.OS, v.Arch)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Display version information",
	Long: `Display the Steward version, git commit, build date and Go runtime.

Use --json for machine readable output.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		info := GetVersionInfo()
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(info)
		}
		info.WriteText(cmd.OutOrStdout())
		return nil
	},
}

// withFallback replaces an unset build value.
func withFallback(value, unset, fallback string) string {
	if value == "" || value == unset {
		return fallback
	}
	return value
}

func getVersionString() string   { return withFallback(Version, "dev", "development") }
func getCommitString() string    { return withFallback(Commit, "unknown", developmentBuild) }
func getBuildDateString() string { return withFallback(BuildDate, "unknown", developmentBuild) }

func init() {
	versionCmd.Flags().Bool("json", false, "Print version information as JSON")
	rootCmd.AddCommand(versionCmd)
}
