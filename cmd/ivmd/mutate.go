package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/ivmcore/ivmcore/internal/ivm/session"
	"github.com/ivmcore/ivmcore/internal/ivm/value"
)

var mutateCmd = &cobra.Command{
	Use:   "mutate",
	Short: "Apply a single create/update/delete mutation",
}

func newMutateKindCmd(use string, kind session.Kind, needsFields bool) *cobra.Command {
	args := cobra.ExactArgs(2)
	if !needsFields {
		args = cobra.ExactArgs(1)
	}
	return &cobra.Command{
		Use:   use,
		Short: fmt.Sprintf("%s a record", use),
		Args:  args,
		RunE: func(cmd *cobra.Command, cliArgs []string) error {
			e, err := openEngine(slog.Default())
			if err != nil {
				return err
			}
			defer e.close()

			recordID := value.RecordID(cliArgs[0])
			var fields value.Value
			if needsFields {
				fields, err = parseFields(recordID.Table(), e.schema, cliArgs[1])
				if err != nil {
					return err
				}
			}

			res, err := e.session.Mutate(context.Background(), recordID, kind, fields)
			if err != nil {
				return err
			}
			fmt.Printf("%s %s total_hash=%x\n", use, res.RecordID, res.TotalHash)
			return nil
		},
	}
}

func init() {
	mutateCmd.AddCommand(newMutateKindCmd("create", session.Create, true))
	mutateCmd.AddCommand(newMutateKindCmd("update", session.Update, true))
	mutateCmd.AddCommand(newMutateKindCmd("delete", session.Delete, false))
	rootCmd.AddCommand(mutateCmd)
}
