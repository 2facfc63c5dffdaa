// Command cbctl manages a running cbserver: its configuration backends and
// the servers and global parameters they store.
//
// Example usage:
//
//	cbctl backends add 'type=redis;host=cache;server-tags=s1'
//	cbctl servers set s1 "east data center"
//	cbctl params set valid-lifetime 4000 --server-tag s1
//	cbctl params list --server s1 -o json
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/dreamware/cbstore/internal/client"
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// options are the persistent flags shared by every subcommand.
type options struct {
	addr   string
	output string
}

func (o *options) client() *client.Client {
	return client.New(o.addr)
}

// render writes v as indented JSON, or calls table for the table output.
func (o *options) render(w io.Writer, v any, table func(io.Writer) error) error {
	switch o.output {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "table", "":
		return table(w)
	default:
		return fmt.Errorf("unsupported --output: %s", o.output)
	}
}

func newRootCmd(stdout io.Writer) *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "cbctl",
		Short:         "Manage configuration backends through cbserver",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(stdout)
	cmd.PersistentFlags().StringVar(&opts.addr, "addr", getenv("CBSERVER_ADDR", "http://127.0.0.1:8080"), "cbserver address")
	cmd.PersistentFlags().StringVarP(&opts.output, "output", "o", "table", "Output format: table|json")

	cmd.AddCommand(
		newHealthCmd(opts, stdout),
		newBackendsCmd(opts, stdout),
		newServersCmd(opts, stdout),
		newParamsCmd(opts, stdout),
	)
	return cmd
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
