package main

import (
	"github.com/spf13/cobra"

	"github.com/futlize/vectordb/internal/vectorapi"
)

func newIndexCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Create, inspect and delete indexes",
	}
	cmd.AddCommand(
		newIndexCreateCmd(opts),
		newIndexGetCmd(opts),
		newIndexListCmd(opts),
		newIndexDeleteCmd(opts),
	)
	return cmd
}

func newIndexCreateCmd(opts *cliOptions) *cobra.Command {
	var req vectorapi.CreateIndexRequest
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, closeConn, err := opts.dial()
			if err != nil {
				return err
			}
			defer closeConn()
			ctx, cancel := opts.callContext(cmd)
			defer cancel()

			idx, err := client.CreateIndex(ctx, req)
			if err != nil {
				return err
			}
			return opts.newPrinter(cmd).printIndexes([]vectorapi.Index{idx})
		},
	}
	cmd.Flags().StringVar(&req.Name, "name", "", "index name")
	cmd.Flags().IntVar(&req.Dimensions, "dims", 0, "embedding dimensions")
	cmd.Flags().StringVar(&req.Similarity, "similarity", "cosine", "cosine, euclidean or dot_product")
	cmd.Flags().StringVar(&req.Optimization, "optimization", "none", "none or hnsw")
	cmd.Flags().Uint64Var(&req.Capacity, "capacity", 0, "maximum entries (0 uses the server default)")
	_ = cmd.MarkFlagRequired("dims")
	return cmd
}

func newIndexGetCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <index-id>",
		Short: "Show one index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("index id", args[0])
			if err != nil {
				return err
			}
			client, closeConn, err := opts.dial()
			if err != nil {
				return err
			}
			defer closeConn()
			ctx, cancel := opts.callContext(cmd)
			defer cancel()

			idx, err := client.GetIndex(ctx, id)
			if err != nil {
				return err
			}
			return opts.newPrinter(cmd).printIndexes([]vectorapi.Index{idx})
		},
	}
}

func newIndexListCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List all indexes",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, closeConn, err := opts.dial()
			if err != nil {
				return err
			}
			defer closeConn()
			ctx, cancel := opts.callContext(cmd)
			defer cancel()

			indexes, err := client.ListIndexes(ctx)
			if err != nil {
				return err
			}
			return opts.newPrinter(cmd).printIndexes(indexes)
		},
	}
}

func newIndexDeleteCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <index-id>",
		Aliases: []string{"rm"},
		Short:   "Delete an index and all of its entries",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("index id", args[0])
			if err != nil {
				return err
			}
			client, closeConn, err := opts.dial()
			if err != nil {
				return err
			}
			defer closeConn()
			ctx, cancel := opts.callContext(cmd)
			defer cancel()

			if err := client.DeleteIndex(ctx, id); err != nil {
				return err
			}
			return opts.newPrinter(cmd).printMessage("deleted index %d", id)
		},
	}
}
