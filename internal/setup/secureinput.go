package setup

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/clasp-gateway/clasp/internal/secrets"
)

// secureInput is a password-style masked prompt for API keys.
type secureInput struct {
	input     textinput.Model
	prompt    string
	value     string
	submitted bool
	canceled  bool
}

var (
	securePromptStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	secureHintStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Italic(true)
	secureOKStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("76"))
)

func newSecureInput(prompt, placeholder string) *secureInput {
	ti := textinput.New()
	ti.Placeholder = placeholder
	ti.EchoMode = textinput.EchoPassword
	ti.EchoCharacter = '•'
	ti.Focus()
	ti.CharLimit = 200
	ti.Width = 50
	return &secureInput{input: ti, prompt: prompt}
}

func (s *secureInput) Init() tea.Cmd { return textinput.Blink }

func (s *secureInput) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok {
		switch key.String() {
		case "ctrl+c", "esc":
			s.canceled = true
			return s, tea.Quit
		case "enter":
			s.value = s.input.Value()
			s.submitted = true
			return s, tea.Quit
		}
	}
	var cmd tea.Cmd
	s.input, cmd = s.input.Update(msg)
	return s, cmd
}

func (s *secureInput) View() string {
	var b strings.Builder
	b.WriteString("\n" + securePromptStyle.Render(s.prompt) + "\n\n")
	b.WriteString("  " + s.input.View() + "\n\n")

	switch {
	case secrets.IsPotentialSecret(s.input.Value()):
		b.WriteString(secureOKStyle.Render("  ✓ key format looks valid") + "\n")
	case s.input.Value() != "":
		b.WriteString(secureHintStyle.Render("  press Enter when done") + "\n")
	default:
		b.WriteString(secureHintStyle.Render("  paste or type the key (stored as an env reference, never written to the config)") + "\n")
	}
	b.WriteString("\n" + secureHintStyle.Render("  enter confirm • esc skip") + "\n")
	return b.String()
}

// RunSecureInput prompts for a credential. Empty string means skipped.
func RunSecureInput(prompt, placeholder string) (string, error) {
	m, err := tea.NewProgram(newSecureInput(prompt, placeholder)).Run()
	if err != nil {
		return "", fmt.Errorf("secure input: %w", err)
	}
	result, ok := m.(*secureInput)
	if !ok || result.canceled {
		return "", nil
	}
	return result.value, nil
}

// MaskForDisplay renders a credential safely for confirmation screens.
func MaskForDisplay(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("•", len(key))
	}
	return key[:4] + strings.Repeat("•", len(key)-8) + key[len(key)-4:]
}
