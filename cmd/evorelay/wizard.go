package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"evorelay/internal/config"

	"github.com/spf13/cobra"
)

// providerMeta describes a provider option for the wizard.
type providerMeta struct {
	Name         string
	NeedsKey     bool
	EnvVar       string
	APIBase      string
	DefaultModel string
	EmbedModel   string
}

var knownProviders = []providerMeta{
	{Name: "openai", NeedsKey: true, EnvVar: "OPENAI_API_KEY", APIBase: "https://api.openai.com/v1", DefaultModel: "gpt-4o", EmbedModel: "text-embedding-3-small"},
	{Name: "ollama", NeedsKey: false, APIBase: "http://localhost:11434", DefaultModel: "llama3.1:8b", EmbedModel: "nomic-embed-text"},
	{Name: "deepseek", NeedsKey: true, EnvVar: "DEEPSEEK_API_KEY", APIBase: "https://api.deepseek.com/v1", DefaultModel: "deepseek-chat"},
	{Name: "openrouter", NeedsKey: true, EnvVar: "OPENROUTER_API_KEY", APIBase: "https://openrouter.ai/api/v1", DefaultModel: "openai/gpt-4o"},
	{Name: "groq", NeedsKey: true, EnvVar: "GROQ_API_KEY", APIBase: "https://api.groq.com/openai/v1", DefaultModel: "llama-3.3-70b-versatile"},
}

func wizardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wizard",
		Short: "Interactive setup: provider → debounce → listen port → save config",
		Long:  "Guides you through the default LLM provider (and API key if needed), the debounce quiet window, and the webhook listen port. Writes config to the path used by --config or default.",
		RunE:  runWizard,
	}
}

func runWizard(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		cfg = config.Defaults()
	}
	ensureKnownProviders(cfg)

	reader := bufio.NewReader(os.Stdin)
	prompt := func(def string) (string, error) {
		if def != "" {
			fmt.Fprintf(os.Stdout, " [%s]: ", def)
		} else {
			fmt.Fprint(os.Stdout, ": ")
		}
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", err
		}
		s := strings.TrimSpace(line)
		if s == "" && def != "" {
			return def, nil
		}
		return s, nil
	}

	// Step 1: Provider
	fmt.Println("\n--- Step 1: Default LLM provider ---")
	for i, p := range knownProviders {
		fmt.Fprintf(os.Stdout, "  %d) %s", i+1, p.Name)
		if p.NeedsKey {
			fmt.Fprintf(os.Stdout, " (set %s)", p.EnvVar)
		}
		fmt.Println()
	}
	fmt.Fprint(os.Stdout, "Choose provider (1–"+fmt.Sprint(len(knownProviders))+")")
	defNum := "1"
	for i, p := range knownProviders {
		if p.Name == cfg.General.DefaultProvider {
			defNum = fmt.Sprint(i + 1)
			break
		}
	}
	choice, err := prompt(defNum)
	if err != nil {
		return err
	}
	var idx int
	if n, _ := fmt.Sscanf(choice, "%d", &idx); n != 1 || idx < 1 || idx > len(knownProviders) {
		idx = 1
	}
	prov := knownProviders[idx-1]
	cfg.General.DefaultProvider = prov.Name
	p := cfg.Providers[prov.Name]
	p.Enabled = true
	p.APIBase = prov.APIBase
	if p.DefaultModel == "" {
		p.DefaultModel = prov.DefaultModel
	}
	if p.EmbedModel == "" {
		p.EmbedModel = prov.EmbedModel
	}
	cfg.Providers[prov.Name] = p
	if prov.NeedsKey {
		fmt.Fprintf(os.Stdout, "API key: paste key or env var (e.g. ${%s})", prov.EnvVar)
		key, err := prompt("${" + prov.EnvVar + "}")
		if err != nil {
			return err
		}
		if key != "" {
			p := cfg.Providers[prov.Name]
			p.APIKey = key
			cfg.Providers[prov.Name] = p
		}
	}
	// Only the chosen provider stays enabled
	for name := range cfg.Providers {
		if name != prov.Name {
			p := cfg.Providers[name]
			p.Enabled = false
			cfg.Providers[name] = p
		}
	}
	fmt.Fprintf(os.Stdout, "  Using provider: %s\n", prov.Name)

	// Step 2: Debounce window
	fmt.Println("\n--- Step 2: Debounce ---")
	fmt.Fprint(os.Stdout, "Quiet window in seconds before a message burst is answered")
	win, err := prompt(fmt.Sprint(cfg.Debounce.WindowSeconds))
	if err != nil {
		return err
	}
	var winSec int
	if n, _ := fmt.Sscanf(win, "%d", &winSec); n == 1 && winSec > 0 {
		cfg.Debounce.WindowSeconds = winSec
	}
	fmt.Fprintf(os.Stdout, "  Using window: %ds\n", cfg.Debounce.WindowSeconds)

	// Step 3: Listen port
	fmt.Println("\n--- Step 3: Webhook listener ---")
	fmt.Fprint(os.Stdout, "Port for POST /webhook/{agent_id}")
	portStr, err := prompt(fmt.Sprint(cfg.Server.Port))
	if err != nil {
		return err
	}
	var port int
	if n, _ := fmt.Sscanf(portStr, "%d", &port); n == 1 && port > 0 && port < 65536 {
		cfg.Server.Port = port
	}
	fmt.Fprintf(os.Stdout, "  Listening on :%d\n", cfg.Server.Port)

	// Save
	cfgDir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(cfgDir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	if err := config.Save(cfgPath, cfg); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "\nConfig saved to %s\n", cfgPath)
	fmt.Println("Next: 'evorelay seed agents.yaml' to create agents, then 'evorelay serve'.")
	return nil
}

// ensureKnownProviders adds common providers so SetByPath has keys.
func ensureKnownProviders(cfg *config.Config) {
	if cfg.Providers == nil {
		cfg.Providers = make(map[string]config.ProviderConfig)
	}
	for _, p := range knownProviders {
		if _, ok := cfg.Providers[p.Name]; !ok {
			cfg.Providers[p.Name] = config.ProviderConfig{
				Enabled:      p.Name == cfg.General.DefaultProvider,
				APIBase:      p.APIBase,
				DefaultModel: p.DefaultModel,
				EmbedModel:   p.EmbedModel,
			}
		}
	}
}
