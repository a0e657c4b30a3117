package main

import (
	"context"
	"flag"
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"brokerd/internal/domain"
	"brokerd/pkg/brokerd"
)

const maxWatchEvents = 500

var (
	headerStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("0")).Background(lipgloss.Color("6"))
	footerStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	timeStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	connectionStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	orderStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	failStyle       = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
)

type eventMsg domain.Event

type streamEndMsg struct{ err error }

type watchModel struct {
	events   []domain.Event
	follow   bool
	ended    bool
	err      error
	viewport viewport.Model
	ready    bool
	width    int
	height   int
	cancel   context.CancelFunc
}

func newWatchModel(cancel context.CancelFunc) watchModel {
	return watchModel{follow: true, cancel: cancel}
}

func (m watchModel) Init() tea.Cmd { return nil }

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.cancel()
			return m, tea.Quit
		case "f":
			m.follow = !m.follow
			m.refresh()
			return m, nil
		case "c":
			m.events = nil
			m.refresh()
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		vpHeight := max(m.height-2, 1)
		if !m.ready {
			m.viewport = viewport.New(m.width, vpHeight)
			m.viewport.MouseWheelEnabled = true
			m.ready = true
		} else {
			m.viewport.Width = m.width
			m.viewport.Height = vpHeight
		}
		m.refresh()
		return m, nil

	case eventMsg:
		m.events = append(m.events, domain.Event(msg))
		if len(m.events) > maxWatchEvents {
			m.events = m.events[len(m.events)-maxWatchEvents:]
		}
		m.refresh()
		return m, nil

	case streamEndMsg:
		m.ended, m.err = true, msg.err
		return m, nil
	}

	if m.ready {
		m.viewport, cmd = m.viewport.Update(msg)
	}
	return m, cmd
}

func (m *watchModel) refresh() {
	if !m.ready {
		return
	}
	lines := make([]string, len(m.events))
	for i, evt := range m.events {
		lines[i] = formatEvent(evt)
	}
	m.viewport.SetContent(strings.Join(lines, "\n"))
	if m.follow {
		m.viewport.GotoBottom()
	}
}

func (m watchModel) View() string {
	if !m.ready {
		return "connecting..."
	}
	header := headerStyle.Render(fmt.Sprintf(" brokerd events  %d ", len(m.events)))
	follow := "off"
	if m.follow {
		follow = "on"
	}
	footer := footerStyle.Render(fmt.Sprintf("q quit  f follow (%s)  c clear", follow))
	switch {
	case m.err != nil:
		footer += "  " + failStyle.Render("stream error: "+m.err.Error())
	case m.ended:
		footer += "  " + failStyle.Render("stream closed")
	}
	return header + "\n" + m.viewport.View() + "\n" + footer
}

// formatEvent renders one event as "time topic name key=value ...", with
// payload keys sorted.
func formatEvent(evt domain.Event) string {
	style := orderStyle
	if evt.Topic == domain.EventTopicConnection {
		style = connectionStyle
	}
	name := evt.Name()
	if strings.Contains(name, "fail") || strings.Contains(name, "reject") || name == "disconnected" {
		style = failStyle
	}

	keys := make([]string, 0, len(evt.Payload))
	for k := range evt.Payload {
		if k != "event" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	fields := make([]string, len(keys))
	for i, k := range keys {
		fields[i] = fmt.Sprintf("%s=%v", k, evt.Payload[k])
	}

	return fmt.Sprintf("%s %-10s %s %s",
		timeStyle.Render(evt.Timestamp.Local().Format("15:04:05.000")),
		string(evt.Topic),
		style.Render(name),
		strings.Join(fields, " "))
}

// runWatch follows the event stream in a full-screen view, or prints one
// line per event with -plain.
func runWatch(ctx context.Context, c *brokerd.Client, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	topic := fs.String("topic", "", "comma-separated topics: connection, order")
	replay := fs.Int("replay", 20, "number of recent events to show first")
	plain := fs.Bool("plain", false, "print events line by line instead of the full-screen view")
	fs.Parse(args)

	var topics []string
	for _, t := range strings.Split(*topic, ",") {
		if t = strings.TrimSpace(t); t != "" {
			topics = append(topics, t)
		}
	}

	if *plain {
		return c.StreamEvents(ctx, topics, *replay, func(evt domain.Event) error {
			fmt.Println(formatEvent(evt))
			return nil
		})
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	p := tea.NewProgram(newWatchModel(cancel), tea.WithAltScreen(), tea.WithMouseCellMotion())
	go func() {
		err := c.StreamEvents(ctx, topics, *replay, func(evt domain.Event) error {
			p.Send(eventMsg(evt))
			return nil
		})
		p.Send(streamEndMsg{err: err})
	}()
	_, err := p.Run()
	return err
}
