package main

import (
	"encoding/json"
	"fmt"

	"markethub/internal/domain"
	"markethub/internal/hub"

	"github.com/spf13/cobra"
)

const defaultAdminAddr = "localhost:6060"

func addAdminFlag(cmd *cobra.Command, addr *string) {
	cmd.Flags().StringVar(addr, "admin", defaultAdminAddr, "admin API address of the running hub")
}

func newConnectCmd() *cobra.Command {
	var admin, feed, addr string

	cmd := &cobra.Command{
		Use:     "connect",
		Short:   "Connect the hub to a producer",
		Example: "  markethub connect --feed BIDOFFER --addr localhost:9000",
		RunE: func(cmd *cobra.Command, args []string) error {
			ft, err := domain.ParseFeedType(feed)
			if err != nil {
				return err
			}
			if err := hub.NewClient(admin).Connect(cmd.Context(), ft, addr); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "connected %s to %s\n", ft, addr)
			return nil
		},
	}

	addAdminFlag(cmd, &admin)
	cmd.Flags().StringVar(&feed, "feed", "", "feed type (BIDOFFER, LASTPRICE)")
	cmd.Flags().StringVar(&addr, "addr", "", "producer address host:port")
	_ = cmd.MarkFlagRequired("feed")
	_ = cmd.MarkFlagRequired("addr")
	return cmd
}

func newDisconnectCmd() *cobra.Command {
	var admin, feed string

	cmd := &cobra.Command{
		Use:   "disconnect",
		Short: "Disconnect the producer of a feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			ft, err := domain.ParseFeedType(feed)
			if err != nil {
				return err
			}
			if err := hub.NewClient(admin).Disconnect(cmd.Context(), ft); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "disconnected %s\n", ft)
			return nil
		},
	}

	addAdminFlag(cmd, &admin)
	cmd.Flags().StringVar(&feed, "feed", "", "feed type (BIDOFFER, LASTPRICE)")
	_ = cmd.MarkFlagRequired("feed")
	return cmd
}

func newStatusCmd() *cobra.Command {
	var admin string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the status of a running hub as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := hub.NewClient(admin).Status(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		},
	}

	addAdminFlag(cmd, &admin)
	return cmd
}

func newSessionsCmd() *cobra.Command {
	var admin string
	var port, limit int

	cmd := &cobra.Command{
		Use:     "sessions",
		Short:   "Print recorded subscriber and producer sessions as JSON",
		Example: "  markethub sessions --port 10000 --limit 20",
		RunE: func(cmd *cobra.Command, args []string) error {
			sessions, err := hub.NewClient(admin).Sessions(cmd.Context(), port, limit)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(sessions)
		},
	}

	addAdminFlag(cmd, &admin)
	cmd.Flags().IntVar(&port, "port", 0, "only subscribers of this feature port")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum records per kind, 0 for all")
	return cmd
}

func newResetCmd() *cobra.Command {
	var admin string

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Discard every buffered feed and restart the hub",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := hub.NewClient(admin).Reset(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "hub reset")
			return nil
		},
	}

	addAdminFlag(cmd, &admin)
	return cmd
}
