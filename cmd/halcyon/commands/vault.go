package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func backupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Write unsynced messages to the vault",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := requireEngine()
			if err != nil {
				return err
			}
			if err := engine.Backup(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("Backup complete.")
			return nil
		},
	}
}

func restoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore",
		Short: "Merge the vault into the local store",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := requireEngine()
			if err != nil {
				return err
			}
			if err := engine.Restore(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("Restore complete.")
			return nil
		},
	}
}
