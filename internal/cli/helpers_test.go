package cli

import (
	"bytes"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

// resetFlags puts every flag of cmd and its children back to its default so
// state from one Execute does not leak into the next.
func resetFlags(t *testing.T, cmd *cobra.Command) {
	t.Helper()
	reset := func(f *pflag.Flag) {
		require.NoError(t, f.Value.Set(f.DefValue))
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, child := range cmd.Commands() {
		resetFlags(t, child)
	}
}

// executeRoot runs the root command with args and stdin from a clean flag
// state and returns everything written to stdout and stderr.
func executeRoot(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := GetRootCmd()
	resetFlags(t, cmd)
	t.Cleanup(func() { resetFlags(t, cmd) })

	output := &bytes.Buffer{}
	cmd.SetArgs(args)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(output)
	cmd.SetErr(output)
	defer func() {
		cmd.SetIn(nil)
		cmd.SetOut(nil)
		cmd.SetErr(nil)
	}()

	err := cmd.Execute()
	return output.String(), err
}

