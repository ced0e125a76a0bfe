package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/capi-project/capi-core/internal/core"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "capi",
		Short:         "Local inference runtime: host quantized models, serve an OpenAI-compatible API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newModelCmd())
	cmd.AddCommand(newConfigCmd())
	return cmd
}

// exitCodeFor maps a command error to one of the exit codes spec.md §6
// defines: 0 success, 1 generic error, 2 config error, 3 model not found,
// 4 resource rejection.
func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	var cfgErr configError
	if ok := asConfigError(err, &cfgErr); ok {
		fmt.Fprintln(os.Stderr, "config error:", cfgErr.Error())
		return 2
	}
	switch err.(type) {
	case core.ModelNotFoundError:
		fmt.Fprintln(os.Stderr, "error:", err)
		return 3
	case core.InsufficientMemoryError, core.DeviceUnavailableError:
		fmt.Fprintln(os.Stderr, "error:", err)
		return 4
	default:
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
}

func asConfigError(err error, target *configError) bool {
	for err != nil {
		if ce, ok := err.(configError); ok {
			*target = ce
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
