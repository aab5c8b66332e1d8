package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"wanote/internal/config"
)

// choice is one numbered option in the setup prompts.
type choice struct {
	ID   string
	Desc string
}

var (
	gatewayChoices = []choice{
		{"cloudapi", "Meta WhatsApp Cloud API (official, webhooks from Meta)"},
		{"bridge", "WPPConnect bridge (self-hosted WhatsApp Web session)"},
		{"both", "Both gateways"},
	}
	providerChoices = []choice{
		{"gemini", "Google Gemini (extraction and transcription)"},
		{"openai", "OpenAI (gpt-4o-mini + whisper)"},
		{"ollama", "Local Ollama for extraction (audio still needs gemini or whisper)"},
	}
)

func setupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup: gateway → model provider → spreadsheet → save config",
		Long:  "Asks for the gateway, the model provider and its key, and the target spreadsheet, then writes the config to the path used by --config or the default.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSetup(os.Stdin, os.Stdout, resolveConfigPath())
		},
	}
}

type prompter struct {
	in  *bufio.Reader
	out io.Writer
}

// ask prints label and returns the answer, or def when the answer is empty.
func (p prompter) ask(label, def string) (string, error) {
	fmt.Fprint(p.out, label)
	if def != "" {
		fmt.Fprintf(p.out, " [%s]: ", def)
	} else {
		fmt.Fprint(p.out, ": ")
	}
	line, err := p.in.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	s := strings.TrimSpace(line)
	if s == "" {
		return def, nil
	}
	return s, nil
}

func (p prompter) pick(title string, opts []choice, def string) (string, error) {
	fmt.Fprintf(p.out, "\n--- %s ---\n", title)
	defNum := "1"
	for i, o := range opts {
		fmt.Fprintf(p.out, "  %d) %s: %s\n", i+1, o.ID, o.Desc)
		if o.ID == def {
			defNum = fmt.Sprint(i + 1)
		}
	}
	ans, err := p.ask(fmt.Sprintf("Choose (1-%d)", len(opts)), defNum)
	if err != nil {
		return "", err
	}
	var idx int
	if n, _ := fmt.Sscanf(ans, "%d", &idx); n != 1 || idx < 1 || idx > len(opts) {
		idx = 1
	}
	return opts[idx-1].ID, nil
}

func runSetup(in io.Reader, out io.Writer, cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		cfg = config.Defaults()
	}
	p := prompter{in: bufio.NewReader(in), out: out}

	// Gateway
	defGW := "cloudapi"
	if cfg.Bridge.Enabled {
		defGW = "bridge"
		if cfg.CloudAPI.Enabled {
			defGW = "both"
		}
	}
	gw, err := p.pick("Step 1: Gateway", gatewayChoices, defGW)
	if err != nil {
		return err
	}
	cfg.CloudAPI.Enabled = gw == "cloudapi" || gw == "both"
	cfg.Bridge.Enabled = gw == "bridge" || gw == "both"
	if cfg.CloudAPI.Enabled {
		if cfg.CloudAPI.PhoneNumberID, err = p.ask("Phone number ID", cfg.CloudAPI.PhoneNumberID); err != nil {
			return err
		}
		if cfg.CloudAPI.AccessToken, err = p.ask("Access token (or env var)", orDefault(cfg.CloudAPI.AccessToken, "${WHATSAPP_TOKEN}")); err != nil {
			return err
		}
		if cfg.CloudAPI.VerifyToken, err = p.ask("Webhook verify token", cfg.CloudAPI.VerifyToken); err != nil {
			return err
		}
		if cfg.CloudAPI.AppSecret, err = p.ask("App secret (signature check, empty to skip)", cfg.CloudAPI.AppSecret); err != nil {
			return err
		}
	}
	if cfg.Bridge.Enabled {
		if cfg.Bridge.BaseURL, err = p.ask("Bridge base URL", orDefault(cfg.Bridge.BaseURL, "http://localhost:21465/api/default")); err != nil {
			return err
		}
		if cfg.Bridge.Token, err = p.ask("Bridge bearer token (empty for none)", cfg.Bridge.Token); err != nil {
			return err
		}
	}

	// Model provider
	prov, err := p.pick("Step 2: Model provider", providerChoices, cfg.Extraction.Provider)
	if err != nil {
		return err
	}
	cfg.Extraction.Provider = prov
	switch prov {
	case "gemini":
		cfg.Extraction.Transcriber = "gemini"
		if cfg.Extraction.Gemini.APIKey, err = p.ask("Gemini API key (or env var)", orDefault(cfg.Extraction.Gemini.APIKey, "${GEMINI_API_KEY}")); err != nil {
			return err
		}
	case "openai":
		cfg.Extraction.Transcriber = "whisper"
		if cfg.Extraction.OpenAI.APIKey, err = p.ask("OpenAI API key (or env var)", orDefault(cfg.Extraction.OpenAI.APIKey, "${OPENAI_API_KEY}")); err != nil {
			return err
		}
	case "ollama":
		if cfg.Extraction.Ollama.APIBase, err = p.ask("Ollama URL", cfg.Extraction.Ollama.APIBase); err != nil {
			return err
		}
		if cfg.Extraction.Ollama.Model, err = p.ask("Ollama model", cfg.Extraction.Ollama.Model); err != nil {
			return err
		}
		tr, err := p.ask("Transcriber for voice notes (gemini|whisper)", cfg.Extraction.Transcriber)
		if err != nil {
			return err
		}
		cfg.Extraction.Transcriber = tr
	}

	// Spreadsheet
	fmt.Fprintln(out, "\n--- Step 3: Spreadsheet ---")
	if cfg.Sheets.SpreadsheetID, err = p.ask("Spreadsheet ID", cfg.Sheets.SpreadsheetID); err != nil {
		return err
	}
	if cfg.Sheets.Range, err = p.ask("Target range", cfg.Sheets.Range); err != nil {
		return err
	}
	if cfg.Sheets.CredentialsFile, err = p.ask("Service account JSON (empty for default credentials)", cfg.Sheets.CredentialsFile); err != nil {
		return err
	}

	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfgPath), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := config.Save(cfgPath, cfg); err != nil {
		return err
	}
	fmt.Fprintf(out, "\nConfig saved to %s\n", cfgPath)
	fmt.Fprintln(out, "Next: 'wanote whitelist add <phone> <name>', then 'wanote doctor' and 'wanote serve'.")
	return nil
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}
