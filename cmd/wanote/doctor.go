package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"wanote/internal/channel"
	"wanote/internal/config"
	"wanote/internal/provider"
	"wanote/internal/sheets"
	"wanote/internal/store"
)

type checkResults struct {
	passed, warned, failed int
}

func (r *checkResults) pass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
	r.passed++
}

func (r *checkResults) warn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
	r.warned++
}

func (r *checkResults) fail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
	r.failed++
}

func doctorCmd() *cobra.Command {
	var online bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your wanote installation",
		Long: `Verifies the configuration, database, credentials and ports. With --online
it also contacts the bridge, the local model server and the spreadsheet.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("wanote doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			var res checkResults

			if _, err := os.Stat(cfgPath); err != nil {
				res.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'wanote init' to create a default configuration.\n")
				return nil
			}
			res.pass("Config file", cfgPath)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				res.fail("Config validation", err.Error())
				fmt.Printf("\n%d passed, %d failed\n", res.passed, res.failed)
				return fmt.Errorf("config is invalid")
			}
			res.pass("Config validation", "valid")

			if err := config.CheckRuntime(cfg); err != nil {
				res.fail("Runtime settings", err.Error())
			} else {
				res.pass("Runtime settings", "complete")
			}

			checkDatabase(&res, cfg.Storage.DBPath)
			checkCredentials(&res, cfg)

			port := cfg.Server.Port
			if err := checkPort(cfg.Server.Host, port); err != nil {
				res.warn("Server port", fmt.Sprintf("port %d may be in use: %v", port, err))
			} else {
				res.pass("Server port", fmt.Sprintf(":%d available", port))
			}

			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					res.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					res.pass("Log file", cfg.General.LogFile)
				}
			}

			if online {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				checkOnline(ctx, &res, cfg)
			}

			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", res.passed, res.warned, res.failed)
			if res.failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running 'wanote serve'.\n")
				return fmt.Errorf("%d check(s) failed", res.failed)
			}
			if res.warned > 0 {
				fmt.Printf("\nwanote should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! wanote is ready to run.\n")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&online, "online", false, "also contact the bridge, model server and spreadsheet")
	return cmd
}

// checkDatabase opens the store, which also runs pending migrations.
func checkDatabase(res *checkResults, dbPath string) {
	st, err := store.NewSQLiteStore(dbPath, logger)
	if err != nil {
		res.fail("Database", err.Error())
		return
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := st.Ping(ctx); err != nil {
		res.fail("Database", "cannot ping: "+err.Error())
		return
	}
	processed, _ := st.CountProcessed(ctx)
	clients, err := st.ListClients(ctx)
	if err != nil {
		res.fail("Database", err.Error())
		return
	}
	res.pass("Database", fmt.Sprintf("%s (%d processed, %d clients)", dbPath, processed, len(clients)))
	if len(clients) == 0 {
		res.warn("Whitelist", "empty: only trigger-keyword text will be processed")
	}
}

func checkCredentials(res *checkResults, cfg *config.Config) {
	for _, c := range []struct{ name, path string }{
		{"Sheets credentials", cfg.Sheets.CredentialsFile},
		{"Vertex credentials", cfg.Extraction.Gemini.CredentialsFile},
	} {
		if c.path == "" {
			continue
		}
		if _, err := os.Stat(c.path); err != nil {
			res.fail(c.name, fmt.Sprintf("not readable: %v", err))
		} else {
			res.pass(c.name, c.path)
		}
	}
	if cfg.Sheets.CredentialsFile == "" {
		res.warn("Sheets credentials", "no file set, Application Default Credentials will be used")
	}
	if cfg.CloudAPI.Enabled && cfg.CloudAPI.AppSecret == "" {
		res.warn("Cloud API", "appSecret not set, webhook signatures are not verified")
	}
	if cfg.Bridge.Enabled && cfg.Bridge.Secret == "" {
		res.warn("Bridge", "secret not set, webhook signatures are not verified")
	}
}

func checkOnline(ctx context.Context, res *checkResults, cfg *config.Config) {
	if cfg.Bridge.Enabled {
		b := channel.NewBridge(channel.BridgeOptions{Config: cfg.Bridge, Logger: logger})
		st := b.Status(ctx)
		switch {
		case st.Error != "":
			res.fail("Bridge status", st.Error)
		case !st.Connected:
			res.warn("Bridge status", "reachable but the session is not connected")
		default:
			res.pass("Bridge status", "connected")
		}
	}

	if cfg.Extraction.Provider == "ollama" {
		o := provider.NewOllama(provider.OllamaConfig{
			APIBase: cfg.Extraction.Ollama.APIBase,
			Model:   cfg.Extraction.Ollama.Model,
			Logger:  logger,
		})
		if err := o.Healthy(ctx); err != nil {
			res.fail("Ollama", err.Error())
		} else {
			res.pass("Ollama", cfg.Extraction.Ollama.APIBase)
		}
	}

	if cfg.Sheets.SpreadsheetID == "" {
		return
	}
	client, err := sheets.NewClient(ctx, sheets.ClientConfig{
		SpreadsheetID:   cfg.Sheets.SpreadsheetID,
		Range:           cfg.Sheets.Range,
		APIBase:         cfg.Sheets.APIBase,
		CredentialsFile: cfg.Sheets.CredentialsFile,
		Logger:          logger,
	})
	if err != nil {
		res.fail("Spreadsheet", err.Error())
		return
	}
	ids, err := client.ColumnValues(ctx, sheets.IDColumn)
	if err != nil {
		res.fail("Spreadsheet", err.Error())
		return
	}
	res.pass("Spreadsheet", fmt.Sprintf("%s (%d rows)", cfg.Sheets.SpreadsheetID, len(ids)))
}

func checkPort(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}
