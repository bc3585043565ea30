package main

import (
	"github.com/spf13/cobra"

	"github.com/futlize/vectordb/internal/vectorapi"
)

func newSearchCmd(opts *cliOptions) *cobra.Command {
	var (
		k         int
		embedding string
	)
	cmd := &cobra.Command{
		Use:   "search <index-id>",
		Short: "Find the entries closest to an embedding",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			indexID, err := parseID("index id", args[0])
			if err != nil {
				return err
			}
			query, err := parseEmbedding(embedding)
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

			res, err := client.SearchEntries(ctx, vectorapi.SearchRequest{IndexID: indexID, K: k, Embedding: query})
			if err != nil {
				return err
			}
			return opts.newPrinter(cmd).printSearch(res)
		},
	}
	cmd.Flags().IntVar(&k, "k", 5, "number of matches to return")
	cmd.Flags().StringVarP(&embedding, "embedding", "e", "", "query embedding, e.g. 0.1,0.2,0.3")
	_ = cmd.MarkFlagRequired("embedding")
	return cmd
}
