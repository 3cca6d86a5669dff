package setup

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/clasp-gateway/clasp/internal/config"
	"github.com/clasp-gateway/clasp/internal/vendors"
)

var (
	wizardDoneStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("76"))
	wizardWarnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
)

// credentialEnvNames maps a catalog profile to the conventional environment
// variable its key lives in; the wizard writes "{{env.NAME}}" references
// into header rules rather than raw keys.
var credentialEnvNames = map[string]string{
	"openai":     "OPENAI_API_KEY",
	"anthropic":  "ANTHROPIC_API_KEY",
	"gemini":     "GEMINI_API_KEY",
	"openrouter": "OPENROUTER_API_KEY",
	"deepseek":   "DEEPSEEK_API_KEY",
}

// RunWizard interactively builds one route and writes (or appends to) the
// route config file at outPath.
func RunWizard(outPath string) error {
	fmt.Println(securePromptStyle.Render("CLASP route setup"))

	routePath, err := RunTextInput("Route path prefix", "/v1", "/v1")
	if err != nil {
		return err
	}
	if routePath == "" {
		return fmt.Errorf("setup: canceled")
	}

	clientFormat, err := pickFormat("What format do your clients speak?")
	if err != nil || clientFormat == "" {
		return orCanceled(err)
	}

	profileName, profile, err := pickVendor()
	if err != nil || profileName == "" {
		return orCanceled(err)
	}

	target, err := RunTextInput("Upstream base URL", profile.BaseURL, profile.BaseURL)
	if err != nil {
		return err
	}
	if target == "" {
		target = profile.BaseURL
	}

	upstream := config.UpstreamConfig{Target: target}

	if envName := credentialEnvNames[profileName]; envName != "" {
		key, err := RunSecureInput(fmt.Sprintf("API key for %s", profile.DisplayName), "sk-...")
		if err != nil {
			return err
		}
		headerValue := profile.AuthPrefix + "{{env." + envName + "}}"
		rules := map[string]any{"add": map[string]string{profile.AuthHeader: headerValue}}
		raw, _ := json.Marshal(rules)
		upstream.Headers = raw
		if key != "" {
			fmt.Println(wizardWarnStyle.Render(fmt.Sprintf(
				"  The key itself is not stored. Export it before starting:\n  export %s=%s",
				envName, MaskForDisplay(key))))
		}
	}

	route := config.RouteConfig{
		Path:      routePath,
		Upstreams: []config.UpstreamConfig{upstream},
	}

	if string(clientFormat) != string(profile.Format) {
		pluginName := fmt.Sprintf("translator.%s-to-%s", clientFormat, profile.Format)
		ref := config.PluginRef{Path: pluginName, Enabled: true}
		if model, err := RunTextInput("Target model (optional)", "", ""); err == nil && model != "" {
			ref.Options = map[string]any{"targetModel": model}
		}
		route.Plugins = []config.PluginRef{ref}
	}

	if err := writeRoute(outPath, route); err != nil {
		return err
	}
	fmt.Println(wizardDoneStyle.Render(fmt.Sprintf("✓ wrote route %s -> %s to %s", routePath, target, outPath)))
	return nil
}

func orCanceled(err error) error {
	if err != nil {
		return err
	}
	return fmt.Errorf("setup: canceled")
}

func pickFormat(title string) (vendors.Format, error) {
	choice, err := NewPicker(title, []Option{
		{ID: "anthropic", Name: "Anthropic Messages", Desc: "/v1/messages clients"},
		{ID: "openai", Name: "OpenAI Chat Completions", Desc: "/v1/chat/completions clients"},
		{ID: "gemini", Name: "Google Gemini", Desc: "generateContent clients"},
	}).Run()
	if err != nil || choice == nil {
		return "", err
	}
	return vendors.Format(choice.ID), nil
}

func pickVendor() (string, vendors.Profile, error) {
	names := vendors.Names()
	sort.Strings(names)
	options := make([]Option, 0, len(names))
	for _, name := range names {
		p := vendors.Catalog[name]
		options = append(options, Option{ID: name, Name: p.DisplayName, Desc: p.BaseURL})
	}
	choice, err := NewPicker("Pick the upstream vendor", options).Run()
	if err != nil || choice == nil {
		return "", vendors.Profile{}, err
	}
	return choice.ID, vendors.Catalog[choice.ID], nil
}

// writeRoute appends route to an existing config file, or creates a fresh
// one around it.
func writeRoute(path string, route config.RouteConfig) error {
	file := &config.RouteConfigFile{}
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, file); err != nil {
			return fmt.Errorf("setup: existing config %s is not valid JSON: %w", path, err)
		}
	}
	file.Routes = append(file.Routes, route)

	if err := config.Validate(file); err != nil {
		return err
	}
	out, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(out, '\n'), 0o644)
}

// textInput is a one-line prompt with a default value.
type textInput struct {
	input     textinput.Model
	prompt    string
	def       string
	value     string
	submitted bool
	canceled  bool
}

func (t *textInput) Init() tea.Cmd { return textinput.Blink }

func (t *textInput) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok {
		switch key.String() {
		case "ctrl+c", "esc":
			t.canceled = true
			return t, tea.Quit
		case "enter":
			t.value = strings.TrimSpace(t.input.Value())
			if t.value == "" {
				t.value = t.def
			}
			t.submitted = true
			return t, tea.Quit
		}
	}
	var cmd tea.Cmd
	t.input, cmd = t.input.Update(msg)
	return t, cmd
}

func (t *textInput) View() string {
	var b strings.Builder
	b.WriteString("\n" + securePromptStyle.Render(t.prompt) + "\n\n")
	b.WriteString("  " + t.input.View() + "\n\n")
	if t.def != "" {
		b.WriteString(secureHintStyle.Render("  enter accepts the default: "+t.def) + "\n")
	}
	return b.String()
}

// RunTextInput prompts for one line of text. Empty return with nil error
// means the user canceled (or accepted an empty default).
func RunTextInput(prompt, placeholder, def string) (string, error) {
	ti := textinput.New()
	ti.Placeholder = placeholder
	ti.Focus()
	ti.Width = 50
	m, err := tea.NewProgram(&textInput{input: ti, prompt: prompt, def: def}).Run()
	if err != nil {
		return "", fmt.Errorf("text input: %w", err)
	}
	result, ok := m.(*textInput)
	if !ok || result.canceled {
		return "", nil
	}
	return result.value, nil
}
