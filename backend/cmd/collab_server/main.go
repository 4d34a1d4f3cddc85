package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/golang/glog"
	"github.com/spf13/cobra"
)

var (
	buildVersion = "dev"
	buildCommit  = "local"
)

func main() {
	var configFile string
	root := &cobra.Command{
		Use:           "collab_server",
		Short:         "Collaborative document relay",
		Version:       fmt.Sprintf("%s (%s)", buildVersion, buildCommit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// glog 读 flag.CommandLine，cobra 已经解析过了
			_ = flag.CommandLine.Parse(nil)
		},
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default: collabConfig.yaml in ./backend/config, ./config or .)")
	root.PersistentFlags().AddGoFlagSet(flag.CommandLine)

	root.AddCommand(newServeCmd(&configFile), newInspectCmd(&configFile))

	if err := root.Execute(); err != nil {
		glog.Errorf("%v", err)
		glog.Flush()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	glog.Flush()
}
