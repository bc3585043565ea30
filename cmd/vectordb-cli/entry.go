package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/futlize/vectordb/internal/vectorapi"
)

func newEntryCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "entry",
		Short: "Store entries in an index",
	}
	cmd.AddCommand(newEntryCreateCmd(opts), newEntryImportCmd(opts))
	return cmd
}

func newEntryCreateCmd(opts *cliOptions) *cobra.Command {
	var embedding string
	cmd := &cobra.Command{
		Use:   "create <index-id> <entry-id> [embedding]",
		Short: "Store one entry",
		Long: `Store one entry. The embedding is given as the third argument or with
--embedding, as comma or space separated numbers.`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			indexID, err := parseID("index id", args[0])
			if err != nil {
				return err
			}
			entryID, err := parseID("entry id", args[1])
			if err != nil {
				return err
			}
			raw := embedding
			if len(args) == 3 {
				raw = args[2]
			}
			values, err := parseEmbedding(raw)
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

			if _, err := client.CreateEntry(ctx, vectorapi.CreateEntryRequest{IndexID: indexID, ID: entryID, Embedding: values}); err != nil {
				return err
			}
			return opts.newPrinter(cmd).printMessage("stored entry %d in index %d", entryID, indexID)
		},
	}
	cmd.Flags().StringVarP(&embedding, "embedding", "e", "", "entry embedding, e.g. 0.1,0.2,0.3")
	return cmd
}

func newEntryImportCmd(opts *cliOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import <index-id> -f <file>",
		Short: "Store entries listed in a YAML or JSON file",
		Long: `Store every entry listed in a YAML or JSON file, in file order. The file is
either a list of entries or an object with an "entries" list:

  entries:
    - id: 1
      embedding: [0.1, 0.2, 0.3]
    - id: 2
      embedding: [0.3, 0.2, 0.1]

Import stops at the first rejected entry.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			indexID, err := parseID("index id", args[0])
			if err != nil {
				return err
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read import file: %w", err)
			}
			entries, err := parseImportFile(file, data)
			if err != nil {
				return err
			}

			client, closeConn, err := opts.dial()
			if err != nil {
				return err
			}
			defer closeConn()

			for i, e := range entries {
				ctx, cancel := opts.callContext(cmd)
				_, err := client.CreateEntry(ctx, vectorapi.CreateEntryRequest{IndexID: indexID, ID: e.ID, Embedding: e.Embedding})
				cancel()
				if err != nil {
					return fmt.Errorf("entry %d (#%d in file, %d stored before it): %w", e.ID, i+1, i, err)
				}
			}
			return opts.newPrinter(cmd).printMessage("imported %d entries into index %d", len(entries), indexID)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML (.yaml, .yml) or JSON (.json) file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
