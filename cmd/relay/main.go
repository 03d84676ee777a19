package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:   "relay",
		Short: "Plan, execute and review agent workflows",
		Long: `relay runs goals through two pipelines:

  analysis  plan a goal into tasks, then generate, execute and review code for each
  research  clarify a goal, search, read every source concurrently and synthesize

Examples:
  relay analyze "which region grew fastest?" --data sales.csv
  relay research "state of small language models"
  relay submit --kind research "compare vector databases"
  relay serve`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (yaml or json)")

	root.AddCommand(
		newAnalyzeCommand(&configPath),
		newResearchCommand(&configPath),
		newSubmitCommand(&configPath),
		newServeCommand(&configPath),
		newShowCommand(&configPath),
	)
	return root
}

// resolveConfig falls back to config.yaml or config.json in the working
// directory.
func resolveConfig(path string) string {
	if path != "" {
		return path
	}
	for _, candidate := range []string{"config.yaml", "config.yml", "config.json"} {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}
