// Package commands wires the sync core into a cobra CLI.
package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"
	_ "modernc.org/sqlite"

	"github.com/halcyon-im/halcyon/internal/config"
	"github.com/halcyon-im/halcyon/internal/contacts"
	"github.com/halcyon-im/halcyon/internal/convstate"
	"github.com/halcyon-im/halcyon/internal/identity"
	"github.com/halcyon-im/halcyon/internal/inbox"
	"github.com/halcyon-im/halcyon/internal/logging"
	"github.com/halcyon-im/halcyon/internal/outbound"
	"github.com/halcyon-im/halcyon/internal/remote"
	"github.com/halcyon-im/halcyon/internal/store"
	"github.com/halcyon-im/halcyon/internal/vault"
)

var (
	token      string
	passphrase string
	verbose    bool

	app *App
)

// App holds the wired components the subcommands share.
type App struct {
	Cfg        *config.Config
	Log        logging.Logger
	Store      *store.Store
	Session    *remote.Session
	Relay      *remote.RelayClient
	Resolver   *contacts.InMemory
	State      *convstate.State
	Identity   *identity.Manager
	Pipeline   *inbox.Pipeline
	Dispatcher *outbound.Dispatcher
	Engine     *vault.Engine
}

func Execute() error {
	root := &cobra.Command{
		Use:           "halcyon",
		Short:         "End-to-end encrypted messaging sync core",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return buildApp(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if app != nil && app.Store != nil {
				_ = app.Store.Close()
			}
		},
	}

	root.PersistentFlags().StringVar(&token, "token", os.Getenv("HALCYON_TOKEN"), "bearer token (default $HALCYON_TOKEN)")
	root.PersistentFlags().StringVarP(&passphrase, "passphrase", "p", "", "keystore passphrase (prompted if empty)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(initCmd(), resetCmd(), statusCmd(),
		linkCmd(), recvCmd(), sendCmd(), deleteCmd(), backupCmd(), restoreCmd())
	return root.Execute()
}

func buildApp(cmd *cobra.Command) error {
	cfg := config.LoadConfig()

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	log := logging.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if token == "" {
		return fmt.Errorf("a bearer token is required (--token or HALCYON_TOKEN)")
	}
	session, err := remote.NewSession(token)
	if err != nil {
		return err
	}

	st, err := store.InitDatabase(cmd.Context(), cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("opening local store: %w", err)
	}

	relay := remote.NewRelayClient(cfg.RelayEndpoint, session)
	directory := remote.NewHTTPDirectory(cfg.DirectoryEndpoint, session)
	resolver := contacts.NewInMemory()
	state := convstate.New()

	keystore := identity.NewKeystore(cfg.KeystorePath)
	manager := identity.NewManager(keystore, directory, session, resolver, log)

	pipeline := inbox.NewPipeline(relay, directory, resolver,
		st.Messages, st.Quarantine, state, log, cfg.BatchSize)
	dispatcher := outbound.NewDispatcher(relay, directory, resolver, resolver,
		st.Messages, st.Fanout, state, manager, log, cfg.SendTimeout)

	var engine *vault.Engine
	if cfg.S3Bucket != "" {
		objects, err := vault.NewS3Store(cmd.Context(), cfg)
		if err != nil {
			_ = st.Close()
			return err
		}
		engine = vault.NewEngine(objects, st.Messages, st.Tombstones, st.Metadata,
			state, log, cfg.CompactionThreshold, cfg.HydrateConversations)
	}

	app = &App{
		Cfg:        cfg,
		Log:        log,
		Store:      st,
		Session:    session,
		Relay:      relay,
		Resolver:   resolver,
		State:      state,
		Identity:   manager,
		Pipeline:   pipeline,
		Dispatcher: dispatcher,
		Engine:     engine,
	}
	return nil
}

// readPassphrase returns -p when given, otherwise prompts without echo.
func readPassphrase() (string, error) {
	if passphrase != "" {
		return passphrase, nil
	}
	fmt.Fprint(os.Stderr, "Passphrase: ")
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	if len(raw) == 0 {
		return "", fmt.Errorf("passphrase must not be empty")
	}
	return string(raw), nil
}

// requireEngine guards the vault commands behind S3 configuration.
func requireEngine() (*vault.Engine, error) {
	if app.Engine == nil {
		return nil, fmt.Errorf("vault not configured (set HALCYON_S3_BUCKET)")
	}
	return app.Engine, nil
}
