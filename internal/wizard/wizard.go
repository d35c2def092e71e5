// Package wizard provides the interactive first-run setup for KVM Gate.
package wizard

import (
	"fmt"
	"net"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/kvmgate/kvmgate/internal/config"
	"github.com/kvmgate/kvmgate/internal/identity"
)

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
	DataDir    string
	DeviceID   string
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

	dataDir, configPath, err := w.askBasicSetup()
	if err != nil {
		return nil, err
	}

	name, err := w.askDeviceName()
	if err != nil {
		return nil, err
	}

	server, err := w.askRendezvousServer()
	if err != nil {
		return nil, err
	}

	password, err := w.askAccessPassword()
	if err != nil {
		return nil, err
	}

	metricsEnabled, metricsAddr, err := w.askMetrics()
	if err != nil {
		return nil, err
	}

	cfg := w.buildConfig(dataDir, name, server, password, metricsEnabled, metricsAddr)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("generated configuration is invalid: %w", err)
	}

	ident, _, err := identity.LoadOrCreate(dataDir, cfg.Device.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize device identity: %w", err)
	}

	if err := cfg.Save(configPath); err != nil {
		return nil, fmt.Errorf("failed to write configuration: %w", err)
	}

	w.printSummary(ident.ID(), configPath, cfg)

	return &Result{
		Config:     cfg,
		ConfigPath: configPath,
		DataDir:    dataDir,
		DeviceID:   ident.ID(),
	}, nil
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render(`
  _  ____     ____  __    ____       _
 | |/ /\ \   / /  \/  |  / ___| __ _| |_ ___
 | ' /  \ \ / /| |\/| | | |  _ / _' | __/ _ \
 | . \   \ V / | |  | | | |_| | (_| | ||  __/
 |_|\_\   \_/  |_|  |_|  \____|\__,_|\__\___|
`)

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  Headless Remote Access Endpoint - Setup Wizard\n")

	fmt.Println(banner)
	fmt.Println(subtitle)
}

func (w *Wizard) askBasicSetup() (dataDir, configPath string, err error) {
	dataDir = "./data"
	configPath = "./config.yaml"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Basic Setup").
				Description("Configure the essential paths for this device."),

			huh.NewInput().
				Title("Data Directory").
				Description("Where to store the device identity and state").
				Placeholder("./data").
				Value(&dataDir).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("data directory is required")
					}
					return nil
				}),

			huh.NewInput().
				Title("Config File Path").
				Description("Where to write the configuration file").
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

	err = form.Run()
	return
}

func (w *Wizard) askDeviceName() (string, error) {
	name := ""

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Device Name").
				Description("A human-readable name shown to connecting operators."),

			huh.NewInput().
				Title("Name").
				Placeholder("rack-3-node-7").
				Value(&name).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return fmt.Errorf("device name is required")
					}
					return nil
				}),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return "", err
	}
	return strings.TrimSpace(name), nil
}

func (w *Wizard) askRendezvousServer() (string, error) {
	server := ""

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Rendezvous Server").
				Description("The directory server this device registers with.\nOperators find the device through it; sessions are relayed."),

			huh.NewInput().
				Title("Server Address").
				Placeholder("rendezvous.example.com:4500").
				Value(&server).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("rendezvous server is required")
					}
					if _, _, err := net.SplitHostPort(s); err != nil {
						return fmt.Errorf("invalid address format (use host:port)")
					}
					return nil
				}),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return "", err
	}
	return server, nil
}

func (w *Wizard) askAccessPassword() (string, error) {
	var password, confirm string

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Access Password").
				Description("Required from every operator before a session starts.\nStored in the config file; keep its permissions tight."),

			huh.NewInput().
				Title("Password").
				EchoMode(huh.EchoModePassword).
				Value(&password).
				Validate(func(s string) error {
					if len(s) < 8 {
						return fmt.Errorf("password must be at least 8 characters")
					}
					return nil
				}),

			huh.NewInput().
				Title("Confirm Password").
				EchoMode(huh.EchoModePassword).
				Value(&confirm),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return "", err
	}
	if password != confirm {
		return "", fmt.Errorf("passwords do not match")
	}
	return password, nil
}

func (w *Wizard) askMetrics() (enabled bool, addr string, err error) {
	addr = config.DefaultMetricsAddress

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Metrics").
				Description("Optional Prometheus endpoint for monitoring."),

			huh.NewConfirm().
				Title("Enable metrics listener?").
				Value(&enabled),
		),
	).WithTheme(w.theme)

	if err = form.Run(); err != nil {
		return
	}
	if !enabled {
		return
	}

	addrForm := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Metrics Address").
				Description("Bind to loopback unless you front it with auth").
				Placeholder(config.DefaultMetricsAddress).
				Value(&addr).
				Validate(func(s string) error {
					if _, _, err := net.SplitHostPort(s); err != nil {
						return fmt.Errorf("invalid address format (use host:port)")
					}
					return nil
				}),
		),
	).WithTheme(w.theme)

	err = addrForm.Run()
	return
}

func (w *Wizard) buildConfig(dataDir, name, server, password string, metricsEnabled bool, metricsAddr string) *config.Config {
	cfg := &config.Config{}
	cfg.ApplyDefaults()

	cfg.Device.Name = name
	cfg.Device.DataDir = dataDir
	cfg.Rendezvous.Enabled = true
	cfg.Rendezvous.Server = server
	cfg.Security.Password = password
	cfg.Metrics.Enabled = metricsEnabled
	if metricsAddr != "" {
		cfg.Metrics.Address = metricsAddr
	}

	return cfg
}

func (w *Wizard) printSummary(deviceID, configPath string, cfg *config.Config) {
	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42")).
		Render("\nSetup complete!")

	label := lipgloss.NewStyle().Foreground(lipgloss.Color("241"))

	fmt.Println(title)
	fmt.Printf("%s %s\n", label.Render("Device ID:"), deviceID)
	fmt.Printf("%s %s\n", label.Render("Device name:"), cfg.Device.Name)
	fmt.Printf("%s %s\n", label.Render("Rendezvous:"), cfg.Rendezvous.Server)
	fmt.Printf("%s %s\n", label.Render("Config:"), configPath)
	if cfg.Metrics.Enabled {
		fmt.Printf("%s %s\n", label.Render("Metrics:"), cfg.Metrics.Address)
	}
	fmt.Printf("\nStart the device with: kvmgate run --config %s\n", configPath)
}
