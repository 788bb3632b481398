package main

import (
	"fmt"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/skybridge-home/alexahub/internal/lwa"
)

var (
	wizardTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	wizardLabelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	wizardFocusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	wizardHelpStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

const (
	fieldClientID = iota
	fieldClientSecret
	fieldRegion
	fieldCount
)

type wizardModel struct {
	inputs    []textinput.Model
	regionIdx int
	focus     int
	done      bool
	canceled  bool
}

func newWizardModel(initial credentials) wizardModel {
	clientID := textinput.New()
	clientID.Placeholder = "amzn1.application-oa2-client..."
	clientID.SetValue(initial.ClientID)
	clientID.CharLimit = 120
	clientID.Width = 64
	clientID.Focus()

	secret := textinput.New()
	secret.Placeholder = "security profile client secret"
	secret.SetValue(initial.ClientSecret)
	secret.CharLimit = 120
	secret.Width = 64
	secret.EchoMode = textinput.EchoPassword
	secret.EchoCharacter = '*'

	regionIdx := 0
	for i, region := range lwa.Regions {
		if region == initial.Region {
			regionIdx = i
		}
	}
	return wizardModel{
		inputs:    []textinput.Model{clientID, secret},
		regionIdx: regionIdx,
	}
}

func (m wizardModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m wizardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.canceled = true
			return m, tea.Quit
		case tea.KeyEnter:
			if m.focus == fieldCount-1 {
				m.done = true
				return m, tea.Quit
			}
			m.setFocus(m.focus + 1)
			return m, nil
		case tea.KeyTab, tea.KeyDown:
			m.setFocus((m.focus + 1) % fieldCount)
			return m, nil
		case tea.KeyShiftTab, tea.KeyUp:
			m.setFocus((m.focus + fieldCount - 1) % fieldCount)
			return m, nil
		case tea.KeyLeft:
			if m.focus == fieldRegion {
				m.regionIdx = (m.regionIdx + len(lwa.Regions) - 1) % len(lwa.Regions)
				return m, nil
			}
		case tea.KeyRight, tea.KeySpace:
			if m.focus == fieldRegion {
				m.regionIdx = (m.regionIdx + 1) % len(lwa.Regions)
				return m, nil
			}
		}
	}
	if m.focus < len(m.inputs) {
		var cmd tea.Cmd
		m.inputs[m.focus], cmd = m.inputs[m.focus].Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *wizardModel) setFocus(focus int) {
	m.focus = focus
	for i := range m.inputs {
		if i == focus {
			m.inputs[i].Focus()
		} else {
			m.inputs[i].Blur()
		}
	}
}

func (m wizardModel) View() string {
	region := lwa.Regions[m.regionIdx]
	regionLine := fmt.Sprintf("  %s", region)
	if m.focus == fieldRegion {
		regionLine = wizardFocusStyle.Render(fmt.Sprintf("> %s (left/right to change)", region))
	}
	return fmt.Sprintf("%s\n\n%s\n%s\n\n%s\n%s\n\n%s\n%s\n\n%s\n",
		wizardTitleStyle.Render("Link an Amazon account"),
		wizardLabelStyle.Render("Client ID"),
		m.inputs[fieldClientID].View(),
		wizardLabelStyle.Render("Client secret"),
		m.inputs[fieldClientSecret].View(),
		wizardLabelStyle.Render("Region"),
		regionLine,
		wizardHelpStyle.Render("enter: next/confirm • tab: move • esc: cancel"),
	)
}

// runCredentialsWizard collects link credentials interactively. Values the
// environment already supplied are pre-filled.
func runCredentialsWizard(initial credentials) (credentials, error) {
	program := tea.NewProgram(newWizardModel(initial))
	final, err := program.Run()
	if err != nil {
		return credentials{}, err
	}
	m, ok := final.(wizardModel)
	if !ok || m.canceled || !m.done {
		return credentials{}, fmt.Errorf("link canceled")
	}
	out := credentials{
		ClientID:     m.inputs[fieldClientID].Value(),
		ClientSecret: m.inputs[fieldClientSecret].Value(),
		Region:       lwa.Regions[m.regionIdx],
		Scope:        initial.Scope,
	}
	if out.Scope == "" {
		out.Scope = lwa.DefaultScope
	}
	return out, nil
}
