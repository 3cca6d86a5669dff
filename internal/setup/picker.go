// Package setup is the interactive configuration wizard: it walks the
// operator through building a route config file (route path, upstream
// vendor, credentials, translation plugin) with Bubble Tea components.
package setup

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/sahilm/fuzzy"
)

// Option is one pickable entry.
type Option struct {
	ID   string
	Name string
	Desc string
}

// Picker is a fuzzy-filterable single-select list.
type Picker struct {
	title    string
	options  []Option
	filtered []Option
	cursor   int
	filter   textinput.Model
	selected *Option
	canceled bool
}

var (
	pickerTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	pickerItemStyle  = lipgloss.NewStyle().PaddingLeft(4)
	pickerCursor     = lipgloss.NewStyle().PaddingLeft(2).Foreground(lipgloss.Color("170"))
	pickerDescStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	pickerHelpStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).PaddingLeft(2)
)

// NewPicker builds a picker over options.
func NewPicker(title string, options []Option) *Picker {
	filter := textinput.New()
	filter.Placeholder = "type to filter"
	filter.Focus()
	filter.Width = 40
	return &Picker{
		title:    title,
		options:  options,
		filtered: options,
		filter:   filter,
	}
}

func (p *Picker) Init() tea.Cmd { return textinput.Blink }

func (p *Picker) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok {
		switch key.String() {
		case "ctrl+c", "esc":
			p.canceled = true
			return p, tea.Quit
		case "enter":
			if len(p.filtered) > 0 {
				choice := p.filtered[p.cursor]
				p.selected = &choice
			}
			return p, tea.Quit
		case "up", "ctrl+p":
			if p.cursor > 0 {
				p.cursor--
			}
			return p, nil
		case "down", "ctrl+n":
			if p.cursor < len(p.filtered)-1 {
				p.cursor++
			}
			return p, nil
		}
	}

	var cmd tea.Cmd
	before := p.filter.Value()
	p.filter, cmd = p.filter.Update(msg)
	if p.filter.Value() != before {
		p.applyFilter()
	}
	return p, cmd
}

func (p *Picker) applyFilter() {
	query := strings.TrimSpace(p.filter.Value())
	if query == "" {
		p.filtered = p.options
		p.cursor = 0
		return
	}
	sources := make([]string, len(p.options))
	for i, o := range p.options {
		sources[i] = o.ID + " " + o.Name
	}
	matches := fuzzy.Find(query, sources)
	p.filtered = make([]Option, 0, len(matches))
	for _, m := range matches {
		p.filtered = append(p.filtered, p.options[m.Index])
	}
	p.cursor = 0
}

func (p *Picker) View() string {
	var b strings.Builder
	b.WriteString("\n" + pickerTitleStyle.Render(p.title) + "\n\n")
	b.WriteString("  " + p.filter.View() + "\n\n")

	if len(p.filtered) == 0 {
		b.WriteString(pickerItemStyle.Render("no matches") + "\n")
	}
	for i, o := range p.filtered {
		line := o.Name
		if o.Desc != "" {
			line += "  " + pickerDescStyle.Render(o.Desc)
		}
		if i == p.cursor {
			b.WriteString(pickerCursor.Render("> "+line) + "\n")
		} else {
			b.WriteString(pickerItemStyle.Render(line) + "\n")
		}
	}

	b.WriteString("\n" + pickerHelpStyle.Render("enter select • up/down move • esc cancel") + "\n")
	return b.String()
}

// Run blocks until the user selects or cancels. A nil result means canceled.
func (p *Picker) Run() (*Option, error) {
	m, err := tea.NewProgram(p).Run()
	if err != nil {
		return nil, fmt.Errorf("picker: %w", err)
	}
	result, ok := m.(*Picker)
	if !ok || result.canceled {
		return nil, nil
	}
	return result.selected, nil
}
