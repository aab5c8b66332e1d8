package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"

	"wanote/internal/config"
	"wanote/internal/domain"
	"wanote/internal/store"
)

func whitelistCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "whitelist",
		Aliases: []string{"clients"},
		Short:   "Manage the senders allowed to use the bot",
		Long: `Lists and edits the allow-list stored in the local database. A running
server picks changes up on its next refresh (whitelist.refreshSeconds).`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List allowed senders",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, st *store.SQLiteStore) error {
				entries, err := st.ListClients(ctx)
				if err != nil {
					return err
				}
				if len(entries) == 0 {
					fmt.Println("No clients. Add one with: wanote whitelist add <phone> <name>")
					return nil
				}
				tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "PHONE\tNAME\tADDED")
				for _, e := range entries {
					added := "-"
					if !e.AddedAt.IsZero() {
						added = e.AddedAt.Local().Format("2006-01-02 15:04")
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\n", e.SenderID, e.DisplayName, added)
				}
				return tw.Flush()
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "add <phone> [name...]",
		Short: "Allow a sender",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entry := domain.WhitelistEntry{
				SenderID:    store.Digits(args[0]),
				DisplayName: strings.Join(args[1:], " "),
				AddedAt:     time.Now().UTC(),
			}
			if err := validator.New(validator.WithRequiredStructEnabled()).Struct(entry); err != nil {
				return fmt.Errorf("invalid client: %w", err)
			}
			return withStore(func(ctx context.Context, st *store.SQLiteStore) error {
				if err := st.UpsertClient(ctx, entry); err != nil {
					return err
				}
				fmt.Printf("Added %s (%s)\n", entry.SenderID, entry.DisplayName)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:     "remove <phone>",
		Aliases: []string{"rm"},
		Short:   "Remove a sender",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, st *store.SQLiteStore) error {
				removed, err := st.DeleteClient(ctx, args[0])
				if err != nil {
					return err
				}
				if !removed {
					return fmt.Errorf("no client with phone %s", store.Digits(args[0]))
				}
				fmt.Printf("Removed %s\n", store.Digits(args[0]))
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "import <clients.json>",
		Short: "Import a clients.json file ({\"phone\": \"name\"} map or list)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, st *store.SQLiteStore) error {
				n, err := st.ImportClientsFile(ctx, config.ExpandPath(args[0]))
				if err != nil {
					return err
				}
				fmt.Printf("Imported %d client(s)\n", n)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "export",
		Short: "Print the allow-list as a clients.json map",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, st *store.SQLiteStore) error {
				entries, err := st.ListClients(ctx)
				if err != nil {
					return err
				}
				byPhone := make(map[string]string, len(entries))
				for _, e := range entries {
					byPhone[e.SenderID] = e.DisplayName
				}
				data, _ := json.MarshalIndent(byPhone, "", "    ")
				fmt.Println(string(data))
				return nil
			})
		},
	})

	return cmd
}

// withStore opens the configured database for one command. Defaults are
// used when no config file exists yet.
func withStore(fn func(ctx context.Context, st *store.SQLiteStore) error) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		if _, statErr := os.Stat(cfgPath); statErr == nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = config.Defaults()
		if err := config.ApplyEnv(cfg); err != nil {
			return err
		}
	}

	st, err := store.NewSQLiteStore(cfg.Storage.DBPath, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return fn(ctx, st)
}
