package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

var viewCmd = &cobra.Command{
	Use:   "view",
	Short: "Register and unregister materialized views",
}

var viewRegisterCmd = &cobra.Command{
	Use:   "register <view_id> <query>",
	Short: "Register a view against a query plan",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine(slog.Default())
		if err != nil {
			return err
		}
		defer e.close()

		reg, err := e.session.RegisterView(context.Background(), args[0], args[1])
		if err != nil {
			return err
		}
		if err := e.session.SnapshotRegistry(context.Background()); err != nil {
			return err
		}
		fmt.Printf("registered %s root=%x\n", reg.ViewID, reg.RootHash)
		return nil
	},
}

var viewUnregisterCmd = &cobra.Command{
	Use:   "unregister <view_id>",
	Short: "Unregister a view, tearing down its circuit if no longer shared",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine(slog.Default())
		if err != nil {
			return err
		}
		defer e.close()

		if err := e.session.UnregisterView(args[0]); err != nil {
			return err
		}
		if err := e.session.SnapshotRegistry(context.Background()); err != nil {
			return err
		}
		fmt.Printf("unregistered %s\n", args[0])
		return nil
	},
}

func init() {
	viewCmd.AddCommand(viewRegisterCmd)
	viewCmd.AddCommand(viewUnregisterCmd)
	rootCmd.AddCommand(viewCmd)
}
