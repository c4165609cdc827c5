package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/miradorstack/kube-memory/internal/api"
)

func callCmd() *cobra.Command {
	var (
		address string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "call METHOD [JSON]",
		Short: "Invoke a KubeMemory method on a running server",
		Long: `call sends a JSON request to a unary KubeMemory method and prints the JSON response.
Subscribe streams notifications until interrupted.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var req map[string]any
			if len(args) == 2 {
				if err := json.Unmarshal([]byte(args[1]), &req); err != nil {
					return fmt.Errorf("parse request: %w", err)
				}
			}
			conn, err := grpc.NewClient(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
			if err != nil {
				return fmt.Errorf("connect to %s: %w", address, err)
			}
			defer conn.Close()
			client := api.NewClient(conn)

			if args[0] == api.MethodSubscribe {
				return subscribe(cmd, client, req)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			var resp map[string]any
			if err := client.Call(ctx, args[0], req, &resp); err != nil {
				return err
			}
			return printJSON(cmd, resp)
		},
	}
	cmd.Flags().StringVar(&address, "address", "localhost:50051", "gRPC address of the kube-memory server")
	cmd.Flags().DurationVar(&timeout, "timeout", 90*time.Second, "Request timeout")
	return cmd
}

func subscribe(cmd *cobra.Command, client *api.Client, req map[string]any) error {
	stream, err := client.Subscribe(cmd.Context(), req)
	if err != nil {
		return err
	}
	for {
		msg, err := stream.Recv()
		if err != nil {
			if cmd.Context().Err() != nil {
				return nil
			}
			return err
		}
		if err := printJSON(cmd, msg.AsMap()); err != nil {
			return err
		}
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
