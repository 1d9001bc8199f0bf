package tui

import "github.com/charmbracelet/bubbles/key"

// KeyMap defines the job view key bindings with built-in help text.
type KeyMap struct {
	Cancel    key.Binding
	ForceQuit key.Binding
}

// DefaultKeyMap returns the default key bindings.
func DefaultKeyMap() KeyMap {
	return KeyMap{
		Cancel: key.NewBinding(
			key.WithKeys("q", "esc"),
			key.WithHelp("q/esc", "cancel job"),
		),
		ForceQuit: key.NewBinding(
			key.WithKeys("ctrl+c"),
			key.WithHelp("ctrl+c", "cancel and quit"),
		),
	}
}
