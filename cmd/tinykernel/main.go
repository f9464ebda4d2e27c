// Command tinykernel boots the kernel facade and drives it through a
// handful of scripted scenarios, the closest thing this module has to a
// shell: there is no real process image loader, so every "program" is a
// kernel.Task closure registered ahead of time by a demo subcommand.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/justanotherdot/tinykernel/internal/kernel"
)

var verbose bool

// cfgFlags backs the cobra persistent flags that let the sizing constants
// in internal/kernel.Config be overridden at the command line instead of
// only at compile time via DefaultConfig.
var cfgFlags struct {
	maxProc         int
	maxFileID       int
	maxPort         int
	bufSize         int
	procinfoMaxArgs int
}

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	defaults := kernel.DefaultConfig()

	root := &cobra.Command{
		Use:   "tinykernel",
		Short: "A teaching kernel's concurrency substrate, run from the outside in",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			}
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log every kernel state transition")
	root.PersistentFlags().IntVar(&cfgFlags.maxProc, "max-proc", defaults.MaxProc, "maximum live processes (MAX_PROC)")
	root.PersistentFlags().IntVar(&cfgFlags.maxFileID, "max-fileid", defaults.MaxFileID, "maximum open fids per process (MAX_FILEID)")
	root.PersistentFlags().IntVar(&cfgFlags.maxPort, "max-port", defaults.MaxPort, "highest bindable socket port (MAX_PORT)")
	root.PersistentFlags().IntVar(&cfgFlags.bufSize, "buf-size", defaults.BufSize, "pipe/socket ring buffer size in bytes (BUF_SIZE)")
	root.PersistentFlags().IntVar(&cfgFlags.procinfoMaxArgs, "procinfo-max-args", defaults.ProcinfoMaxArgsSize, "args bytes kept per OpenInfo record (PROCINFO_MAX_ARGS_SIZE)")

	root.AddCommand(newBootCommand())
	root.AddCommand(newDemoCommand())
	return root
}

func newBootCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "boot",
		Short: "boot a kernel instance and report pid 0's initial state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := newKernel()
			if err != nil {
				return err
			}
			fid, err := k.OpenInfo(k.Procs.Get(0))
			if err != nil {
				return err
			}
			rec, err := k.Info.ReadRecord(k.Procs.Get(0), fid)
			if err != nil {
				return err
			}
			fmt.Printf("booted: pid=%d ppid=%d alive=%t threads=%d\n", rec.Pid, rec.PPid, rec.Alive, rec.ThreadCount)
			return nil
		},
	}
}
