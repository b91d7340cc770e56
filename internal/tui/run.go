package tui

import (
	"context"
	"errors"

	tea "github.com/charmbracelet/bubbletea"
)

// Config selects the server and target of the viewer.
type Config struct {
	Server string
	Token  string
	Target Target
}

// Run shows the viewer until the user quits or ctx ends.
func Run(ctx context.Context, cfg Config) error {
	if err := cfg.Target.Validate(); err != nil {
		return err
	}
	stream, err := NewStream(cfg.Server, cfg.Token, cfg.Target)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(NewModel(NewClient(cfg.Server, cfg.Token), cfg.Target), tea.WithAltScreen(), tea.WithContext(ctx))
	go stream.Run(ctx, p.Send)

	_, err = p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
