package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/halcyon-im/halcyon/internal/identity"
)

const linkPollInterval = 3 * time.Second

func linkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "link",
		Short: "Transfer the identity to another device",
	}
	cmd.AddCommand(linkHostCmd(), linkSendCmd(), linkDropCmd(), linkJoinCmd())
	return cmd
}

// linkHostCmd runs on the device without keys: it opens a receiver-hosted
// session, shows the QR and waits for the key holder to respond.
func linkHostCmd() *cobra.Command {
	var wait time.Duration
	var pngPath string
	cmd := &cobra.Command{
		Use:   "host",
		Short: "Show a QR for a device that has keys to scan",
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := identity.NewReceiverSession()
			if err != nil {
				return err
			}
			if err := showSessionQR(session, pngPath); err != nil {
				return err
			}
			payload, err := session.Payload()
			if err != nil {
				return err
			}
			fmt.Printf("Or paste this on the other device:\n%s\n", payload)
			fmt.Println("Waiting for the other device...")

			return awaitLinkPayload(cmd.Context(), session, wait)
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 5*time.Minute, "how long to wait for the transfer")
	cmd.Flags().StringVar(&pngPath, "png", "", "also write the QR as a PNG to this file")
	return cmd
}

// linkSendCmd runs on the device that has keys, answering a receiver-hosted
// session.
func linkSendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <payload>",
		Short: "Ship this device's keys to a scanned session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ensureReady(cmd); err != nil {
				return err
			}
			if err := app.Identity.SendKeysToSession(cmd.Context(), args[0], app.Relay); err != nil {
				return err
			}
			fmt.Println("Keys sent. The other device should pick them up shortly.")
			return nil
		},
	}
}

// linkDropCmd runs on the device that has keys in sender-hosted mode: it
// parks the encrypted export and shows the one-time key QR.
func linkDropCmd() *cobra.Command {
	var pngPath string
	cmd := &cobra.Command{
		Use:   "drop",
		Short: "Park an encrypted key export for another device to redeem",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ensureReady(cmd); err != nil {
				return err
			}
			session, err := app.Identity.HostSenderDrop(cmd.Context(), app.Relay)
			if err != nil {
				return err
			}
			if err := showSessionQR(session, pngPath); err != nil {
				return err
			}
			payload, err := session.Payload()
			if err != nil {
				return err
			}
			fmt.Printf("On the new device, run:\n  halcyon link join '%s'\n", payload)
			return nil
		},
	}
	cmd.Flags().StringVar(&pngPath, "png", "", "also write the QR as a PNG to this file")
	return cmd
}

// linkJoinCmd runs on the device without keys in sender-hosted mode.
func linkJoinCmd() *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "join <payload>",
		Short: "Redeem a parked key export with a scanned one-time key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := identity.ParseSenderPayload(args[0])
			if err != nil {
				return err
			}
			return awaitLinkPayload(cmd.Context(), session, wait)
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 5*time.Minute, "how long to wait for the transfer")
	return cmd
}

// showSessionQR prints the terminal QR and optionally writes a PNG copy.
func showSessionQR(session *identity.LinkSession, pngPath string) error {
	qr, err := session.QRText()
	if err != nil {
		return err
	}
	fmt.Println(qr)
	if pngPath == "" {
		return nil
	}
	png, err := session.QRPNG(256)
	if err != nil {
		return err
	}
	if err := os.WriteFile(pngPath, png, 0o600); err != nil {
		return fmt.Errorf("writing QR png: %w", err)
	}
	fmt.Printf("QR written to %s\n", pngPath)
	return nil
}

// awaitLinkPayload polls the queue in safe mode until the device-sync payload
// arrives, then installs the keys.
func awaitLinkPayload(ctx context.Context, session *identity.LinkSession, wait time.Duration) error {
	pass, err := readPassphrase()
	if err != nil {
		return err
	}

	deadline := time.Now().Add(wait)
	for {
		res, err := app.Pipeline.PollSafe(ctx, session)
		if err != nil {
			return err
		}
		if res.LinkPayload != nil {
			if err := app.Identity.InstallLinked(ctx, res.LinkPayload, pass); err != nil {
				return err
			}
			keys, err := app.Identity.Keys()
			if err != nil {
				return err
			}
			fmt.Printf("Device linked.\nFingerprint: %s\n", keys.Fingerprint())
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("no key transfer arrived within %s", wait)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(linkPollInterval):
		}
	}
}

// ensureReady loads the identity and refuses to continue unless it is usable.
func ensureReady(cmd *cobra.Command) error {
	pass, err := readPassphrase()
	if err != nil {
		return err
	}
	state, err := app.Identity.Initialize(cmd.Context(), pass)
	if err != nil {
		return err
	}
	if state != identity.StateReady {
		return fmt.Errorf("identity is not ready (state %s); run 'halcyon init'", state)
	}
	return nil
}
