package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/futlize/vectordb/internal/vectorapi"
)

const (
	defaultAddr = "localhost:50051"
	addrEnv     = "VECTORDB_ADDR"
)

type cliOptions struct {
	addr    string
	timeout time.Duration
	output  string
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}
	root := &cobra.Command{
		Use:   "vectordb-cli",
		Short: "Client for the vectordb similarity search server",
		Long: `vectordb-cli talks to a vectordb server over gRPC.

Examples:
  # Create a 3-dimensional cosine index
  vectordb-cli index create --name docs --dims 3 --similarity cosine

  # Store an entry and search for its nearest neighbour
  vectordb-cli entry create 1 42 --embedding 0.1,0.2,0.3
  vectordb-cli search 1 --k 5 --embedding 0.1,0.2,0.25

  # Bulk load entries from a YAML or JSON file
  vectordb-cli entry import 1 -f entries.yaml

  # Run the self-contained demo without a server
  vectordb-cli demo`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			switch opts.output {
			case "auto", "table", "json":
				return nil
			default:
				return fmt.Errorf("--output must be auto, table or json, got %q", opts.output)
			}
		},
	}

	defaultAddress := defaultAddr
	if v := strings.TrimSpace(os.Getenv(addrEnv)); v != "" {
		defaultAddress = v
	}
	root.PersistentFlags().StringVar(&opts.addr, "addr", defaultAddress, "server address host:port (env "+addrEnv+")")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "per-request timeout")
	root.PersistentFlags().StringVarP(&opts.output, "output", "o", "auto", "output format: auto, table or json")

	root.AddCommand(
		newIndexCmd(opts),
		newEntryCmd(opts),
		newSearchCmd(opts),
		newDemoCmd(),
	)
	return root
}

// dial opens a client connection; the returned func closes it.
func (o *cliOptions) dial() (*vectorapi.Client, func(), error) {
	conn, err := grpc.NewClient(o.addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, fmt.Errorf("connect %s: %w", o.addr, err)
	}
	return vectorapi.NewClient(conn), func() { _ = conn.Close() }, nil
}

func (o *cliOptions) callContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), o.timeout)
}
