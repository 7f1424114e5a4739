package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/halcyon-im/halcyon/internal/identity"
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Set up or load the messaging identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			pass, err := readPassphrase()
			if err != nil {
				return err
			}
			state, err := app.Identity.Initialize(cmd.Context(), pass)
			if err != nil {
				return err
			}
			switch state {
			case identity.StateReady:
				keys, err := app.Identity.Keys()
				if err != nil {
					return err
				}
				fmt.Printf("Identity ready.\nFingerprint: %s\n", keys.Fingerprint())
			case identity.StateRequiresLinking:
				fmt.Println("This device needs linking. Run 'halcyon link host' here and 'halcyon link send' on a device that has keys, or 'halcyon reset' to start over.")
			default:
				fmt.Printf("Onboarding state: %s\n", state)
			}
			return nil
		},
	}
}

func resetCmd() *cobra.Command {
	var email string
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Discard the identity and generate a fresh key pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			pass, err := readPassphrase()
			if err != nil {
				return err
			}
			if err := app.Identity.Reset(cmd.Context(), pass, email); err != nil {
				return err
			}
			keys, err := app.Identity.Keys()
			if err != nil {
				return err
			}
			fmt.Printf("Identity reset.\nFingerprint: %s\n", keys.Fingerprint())
			fmt.Println("Messages encrypted to the old key are no longer readable.")
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "publish the new keys under this email's handle")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the onboarding state and key fingerprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("State: %s\n", app.Identity.State())
			if keys, err := app.Identity.Keys(); err == nil {
				fmt.Printf("Fingerprint: %s\n", keys.Fingerprint())
			}
			return nil
		},
	}
}
