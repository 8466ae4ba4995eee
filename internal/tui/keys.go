// SPDX-License-Identifier: MIT
package tui

import "github.com/charmbracelet/bubbles/key"

type keyMap struct {
	MoreBands   key.Binding
	FewerBands  key.Binding
	LowerMin    key.Binding
	RaiseMin    key.Binding
	LowerMax    key.Binding
	RaiseMax    key.Binding
	LowerRate   key.Binding
	RaiseRate   key.Binding
	FasterDecay key.Binding
	SlowerDecay key.Binding
	CycleMode   key.Binding
	Smooth      key.Binding
	Quit        key.Binding
	ToggleHelp  key.Binding
}

var keys = keyMap{
	MoreBands:   key.NewBinding(key.WithKeys("+", "="), key.WithHelp("+/-", "bands")),
	FewerBands:  key.NewBinding(key.WithKeys("-", "_")),
	LowerMin:    key.NewBinding(key.WithKeys("["), key.WithHelp("[/]", "min freq")),
	RaiseMin:    key.NewBinding(key.WithKeys("]")),
	LowerMax:    key.NewBinding(key.WithKeys("{"), key.WithHelp("{/}", "max freq")),
	RaiseMax:    key.NewBinding(key.WithKeys("}")),
	LowerRate:   key.NewBinding(key.WithKeys("<", ","), key.WithHelp("</>", "sample rate")),
	RaiseRate:   key.NewBinding(key.WithKeys(">", ".")),
	FasterDecay: key.NewBinding(key.WithKeys("d"), key.WithHelp("d/D", "decay")),
	SlowerDecay: key.NewBinding(key.WithKeys("D")),
	CycleMode:   key.NewBinding(key.WithKeys("m"), key.WithHelp("m", "mode")),
	Smooth:      key.NewBinding(key.WithKeys("s"), key.WithHelp("s", "smoothing")),
	ToggleHelp:  key.NewBinding(key.WithKeys("?"), key.WithHelp("?", "help")),
	Quit:        key.NewBinding(key.WithKeys("q", "ctrl+c", "esc"), key.WithHelp("q", "quit")),
}

// ShortHelp and FullHelp satisfy help.KeyMap. Only the first binding of each
// pair carries help text.
func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.MoreBands, k.CycleMode, k.ToggleHelp, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.MoreBands, k.LowerMin, k.LowerMax},
		{k.LowerRate, k.FasterDecay, k.CycleMode},
		{k.Smooth, k.ToggleHelp, k.Quit},
	}
}
