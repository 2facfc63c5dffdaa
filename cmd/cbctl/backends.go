package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dreamware/cbstore/internal/cb"
)

func newHealthCmd(opts *options, stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show the recovery state of the backends",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			health, err := opts.client().Health(cmd.Context())
			if err != nil {
				return err
			}
			return opts.render(stdout, health, func(w io.Writer) error {
				fmt.Fprintf(w, "status: %s\n", health.Status)
				ids := make([]string, 0, len(health.Backends))
				for id := range health.Backends {
					ids = append(ids, id)
				}
				sort.Strings(ids)
				for _, id := range ids {
					fmt.Fprintf(w, "%s\t%s\n", id, health.Backends[id])
				}
				return nil
			})
		},
	}
}

func newBackendsCmd(opts *options, stdout io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backends",
		Short: "List, add and remove configuration backends",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List the backends of the pool",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := opts.client().Backends(cmd.Context())
			if err != nil {
				return err
			}
			return opts.render(stdout, resp.Backends, func(w io.Writer) error {
				return renderBackends(w, resp.Backends)
			})
		},
	}

	add := &cobra.Command{
		Use:   "add ACCESS",
		Short: "Open a backend from an access string",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := opts.client().AddBackend(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(stdout, id)
			return nil
		},
	}

	var (
		id   string
		typ  string
		host string
		port int
		all  bool
	)
	remove := &cobra.Command{
		Use:   "remove",
		Short: "Remove backends by id or by type, host and port",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" && typ == "" && host == "" && port == 0 && !all {
				return fmt.Errorf("refusing to remove every backend without --all")
			}
			n, err := opts.client().RemoveBackends(cmd.Context(), id, typ, host, port)
			if err != nil {
				return err
			}
			fmt.Fprintf(stdout, "removed %d backend(s)\n", n)
			return nil
		},
	}
	remove.Flags().StringVar(&id, "id", "", "Backend id")
	remove.Flags().StringVar(&typ, "type", "", "Backend type")
	remove.Flags().StringVar(&host, "host", "", "Backend host")
	remove.Flags().IntVar(&port, "port", 0, "Backend port")
	remove.Flags().BoolVar(&all, "all", false, "Remove every backend")

	cmd.AddCommand(list, add, remove)
	return cmd
}

func renderBackends(w io.Writer, backends []cb.BackendInfo) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tHOST\tPORT\tSERVER-TAGS\tREADONLY\tPHASE")
	for _, b := range backends {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%t\t%s\n", b.ID, b.Type, b.Host, b.Port,
			strings.Join(b.ServerTags, ","), b.ReadOnly, b.Phase)
	}
	return tw.Flush()
}

// renderErrors reports the backends that failed during a fan-out read.
func renderErrors(w io.Writer, errs []string) {
	for _, e := range errs {
		fmt.Fprintf(w, "warning: %s\n", e)
	}
}
