// Package wizard provides an interactive setup wizard for auxrelay.
package wizard

import (
	"fmt"
	"net"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/coinstash/auxrelay/internal/config"
	"github.com/coinstash/auxrelay/internal/hostspec"
)

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
}

// Wizard manages the interactive setup process.
type Wizard struct {
	theme *huh.Theme
}

// New creates a new setup wizard.
func New() *Wizard {
	return &Wizard{
		theme: huh.ThemeDracula(),
	}
}

// Run executes the interactive setup wizard.
func (w *Wizard) Run() (*Result, error) {
	w.printBanner()

	configPath, err := w.askConfigPath()
	if err != nil {
		return nil, err
	}

	host, wallet, err := w.askNode()
	if err != nil {
		return nil, err
	}

	proxy, err := w.askProxy()
	if err != nil {
		return nil, err
	}

	healthEnabled, healthAddr, logLevel, err := w.askAdvancedOptions()
	if err != nil {
		return nil, err
	}

	cfg := w.buildConfig(host, wallet, proxy, healthEnabled, healthAddr, logLevel)

	if err := cfg.Save(configPath); err != nil {
		return nil, fmt.Errorf("failed to write config: %w", err)
	}

	w.printSummary(configPath, cfg)

	return &Result{Config: cfg, ConfigPath: configPath}, nil
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render(`
                            _
   __ _ _   ___  ___ __ ___| | __ _ _   _
  / _' | | | \ \/ / '__/ _ \ |/ _' | | | |
 | (_| | |_| |>  <| | |  __/ | (_| | |_| |
  \__,_|\__,_/_/\_\_|  \___|_|\__,_|\__, |
                                    |___/
`)

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  Merge-Mining Auxiliary Chain Relay - Setup Wizard\n")

	fmt.Println(banner)
	fmt.Println(subtitle)
}

func (w *Wizard) askConfigPath() (string, error) {
	configPath := "./config.yaml"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Basic Setup").
				Description("Where to write the configuration file."),

			huh.NewInput().
				Title("Config File Path").
				Placeholder("./config.yaml").
				Value(&configPath).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("config path is required")
					}
					if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
						return fmt.Errorf("config file should have .yaml or .yml extension")
					}
					return nil
				}),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return "", err
	}
	return configPath, nil
}

func (w *Wizard) askNode() (host, wallet string, err error) {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Auxiliary Node").
				Description("The base node of the chain you merge-mine."),

			huh.NewInput().
				Title("Node Host").
				Description("Scheme-prefixed host, e.g. tari://10.0.0.5:18142/").
				Placeholder(hostspec.Scheme+"host:port").
				Value(&host).
				Validate(validateHost),

			huh.NewInput().
				Title("Wallet Address").
				Description("Auxiliary chain wallet credited by merge-mined blocks").
				Value(&wallet).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("wallet address is required")
					}
					return nil
				}),
		),
	).WithTheme(w.theme)

	err = form.Run()
	return
}

func (w *Wizard) askProxy() (string, error) {
	useProxy := false
	proxy := "127.0.0.1:9050"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("SOCKS5 Proxy").
				Description("Tunnel node traffic through a SOCKS5 proxy\n(e.g. Tor on 127.0.0.1:9050)."),

			huh.NewConfirm().
				Title("Use a SOCKS5 proxy?").
				Value(&useProxy),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return "", err
	}
	if !useProxy {
		return "", nil
	}

	form = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Proxy Address").
				Placeholder("127.0.0.1:9050").
				Value(&proxy).
				Validate(validateHostPort),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return "", err
	}
	return proxy, nil
}

func (w *Wizard) askAdvancedOptions() (healthEnabled bool, healthAddr, logLevel string, err error) {
	healthAddr = "127.0.0.1:8080"
	logLevel = "info"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Advanced Options"),

			huh.NewConfirm().
				Title("Enable health/metrics endpoint?").
				Value(&healthEnabled),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug", "debug"),
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Warn", "warn"),
					huh.NewOption("Error", "error"),
				).
				Value(&logLevel),
		),
	).WithTheme(w.theme)

	if err = form.Run(); err != nil {
		return
	}
	if !healthEnabled {
		return
	}

	form = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Health Listen Address").
				Description("Address the health/metrics endpoint binds to").
				Placeholder("127.0.0.1:8080").
				Value(&healthAddr).
				Validate(validateHostPort),
		),
	).WithTheme(w.theme)

	err = form.Run()
	return
}

func (w *Wizard) buildConfig(host, wallet, proxy string, healthEnabled bool, healthAddr, logLevel string) *config.Config {
	cfg := config.Default()
	cfg.Node.Host = host
	cfg.Node.Wallet = wallet
	cfg.Relay.SOCKS5Proxy = proxy
	cfg.Health.Enabled = healthEnabled
	if healthEnabled {
		cfg.Health.Address = healthAddr
	}
	cfg.Logging.Level = logLevel
	return cfg
}

func (w *Wizard) printSummary(configPath string, cfg *config.Config) {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	fmt.Println(style.Render("\nSetup complete!"))
	fmt.Printf("\nConfiguration written to %s\n", configPath)
	fmt.Printf("Node: %s\n", cfg.Node.Host)
	if cfg.Relay.SOCKS5Proxy != "" {
		fmt.Printf("SOCKS5 proxy: %s\n", cfg.Relay.SOCKS5Proxy)
	}
	fmt.Printf("\nStart the relay with:\n  auxrelay run --config %s\n", configPath)
}

func validateHost(s string) error {
	if s == "" {
		return fmt.Errorf("node host is required")
	}
	if _, err := hostspec.Resolve(s, hostspec.Options{}); err != nil {
		return err
	}
	return nil
}

func validateHostPort(s string) error {
	if _, _, err := net.SplitHostPort(s); err != nil {
		return fmt.Errorf("invalid address format (use host:port)")
	}
	return nil
}
