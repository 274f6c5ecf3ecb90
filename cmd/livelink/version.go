package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

func versionCmd(opts *rootOptions) *cobra.Command {
	var short bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			if short {
				fmt.Fprintln(opts.out, version)
				return
			}
			fmt.Fprintf(opts.out, "livelink %s\n", version)
			fmt.Fprintf(opts.out, "  Commit:     %s\n", commit)
			fmt.Fprintf(opts.out, "  Built:      %s\n", date)
			fmt.Fprintf(opts.out, "  Go version: %s\n", runtime.Version())
			fmt.Fprintf(opts.out, "  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}

	cmd.Flags().BoolVarP(&short, "short", "s", false, "Print only the version number")
	return cmd
}
