package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dreamware/cbstore/internal/client"
)

const timeLayout = "2006-01-02 15:04:05"

func newServersCmd(opts *options, stdout io.Writer) *cobra.Command {
	var selector string
	cmd := &cobra.Command{
		Use:   "servers",
		Short: "List, set and delete servers",
	}
	cmd.PersistentFlags().StringVar(&selector, "server", "", `Selector: "" fleet-wide, "*" any, "all", or tags "a,b"`)

	list := &cobra.Command{
		Use:   "list",
		Short: "List servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sel := selector
			if !cmd.Flags().Changed("server") {
				sel = "*"
			}
			resp, err := opts.client().Servers(cmd.Context(), sel)
			if err != nil {
				return err
			}
			renderErrors(cmd.ErrOrStderr(), resp.Errors)
			return opts.render(stdout, resp.Servers, func(w io.Writer) error {
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tTAG\tDESCRIPTION\tMODIFIED")
				for _, s := range resp.Servers {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", s.ID, s.Tag, s.Description, formatTime(s.ModifiedAt))
				}
				return tw.Flush()
			})
		},
	}

	set := &cobra.Command{
		Use:   "set TAG [DESCRIPTION]",
		Short: "Create or update a server",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var desc string
			if len(args) == 2 {
				desc = args[1]
			}
			s, err := opts.client().SetServer(cmd.Context(), selector, args[0], desc)
			if err != nil {
				return err
			}
			return opts.render(stdout, s, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "server %s stored with id %d\n", s.Tag, s.ID)
				return err
			})
		},
	}

	del := &cobra.Command{
		Use:   "delete TAG",
		Short: "Delete a server and the records it owns",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := opts.client().DeleteServer(cmd.Context(), selector, args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(stdout, "deleted %d server(s)\n", n)
			return err
		},
	}

	cmd.AddCommand(list, set, del)
	return cmd
}

func newParamsCmd(opts *options, stdout io.Writer) *cobra.Command {
	var selector string
	cmd := &cobra.Command{
		Use:     "params",
		Aliases: []string{"parameters"},
		Short:   "List, set and delete global parameters",
	}
	cmd.PersistentFlags().StringVar(&selector, "server", "", `Selector: "" fleet-wide, "*" any, "all", or tags "a,b"`)

	var since time.Duration
	list := &cobra.Command{
		Use:   "list",
		Short: "List global parameters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var from time.Time
			if since > 0 {
				from = time.Now().Add(-since)
			}
			resp, err := opts.client().Parameters(cmd.Context(), selector, from)
			if err != nil {
				return err
			}
			renderErrors(cmd.ErrOrStderr(), resp.Errors)
			return opts.render(stdout, resp.Parameters, func(w io.Writer) error {
				return renderParameters(w, resp.Parameters)
			})
		},
	}
	list.Flags().DurationVar(&since, "since", 0, "Only parameters modified within this duration")

	var serverTag string
	set := &cobra.Command{
		Use:   "set NAME VALUE",
		Short: "Create or update a global parameter",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := opts.client().SetParameter(cmd.Context(), selector, serverTag, args[0], args[1])
			if err != nil {
				return err
			}
			return opts.render(stdout, p, func(w io.Writer) error {
				return renderParameters(w, []client.Parameter{p})
			})
		},
	}
	set.Flags().StringVar(&serverTag, "server-tag", "all", "Server owning the parameter")

	del := &cobra.Command{
		Use:   "delete NAME",
		Short: "Delete a global parameter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := opts.client().DeleteParameter(cmd.Context(), selector, args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(stdout, "deleted %d parameter(s)\n", n)
			return err
		},
	}

	cmd.AddCommand(list, set, del)
	return cmd
}

func renderParameters(w io.Writer, params []client.Parameter) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tVALUE\tSERVER-TAG\tMODIFIED")
	for _, p := range params {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", p.ID, p.Name, p.Value, p.ServerTag, formatTime(p.ModifiedAt))
	}
	return tw.Flush()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(timeLayout)
}
