package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/testlock/internal/coordinator"
	"github.com/Iron-Ham/testlock/internal/errors"
	"github.com/Iron-Ham/testlock/internal/util"
)

const (
	// holderLineReserve is the space the holder line needs besides the command.
	holderLineReserve    = 100
	minCommandWidth      = 24
	defaultTerminalWidth = 80
)

// Output formats accepted by --format.
const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"
)

var (
	labelStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#9CA3AF"))
	lockedStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#F59E0B"))
	unlockedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#10B981"))
	corruptStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#F87171"))
	commandStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#A78BFA"))
)

func newStatusCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the lock holder and queue",
		Long: `Show the scope, state root, lock state, holder and number of live waiters.

The waiter count is left out entirely when no one is waiting. Status never
modifies the state root.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd, false)
			if err != nil {
				return err
			}
			defer e.Close()

			st, err := e.coord.Status(cmd.Context())
			if err != nil {
				return err
			}
			return writeStatus(cmd.OutOrStdout(), st, format, terminalWidth(cmd.OutOrStdout()))
		},
	}

	cmd.Flags().StringVar(&format, "format", formatText, "Output format: text, json, or yaml")

	return cmd
}

// writeStatus renders st. A positive width means w is a terminal of that
// many columns; text output is then styled and fitted to it.
func writeStatus(w io.Writer, st *coordinator.Status, format string, width int) error {
	switch strings.ToLower(format) {
	case formatText, "":
		_, err := io.WriteString(w, formatStatusText(st, width))
		return err
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(st); err != nil {
			return err
		}
		return enc.Close()
	default:
		return errors.NewValidationError("unsupported output format").
			WithField("format").
			WithValue(format)
	}
}

func formatStatusText(st *coordinator.Status, width int) string {
	styled := width > 0
	style := func(s lipgloss.Style, text string) string {
		if !styled {
			return text
		}
		return s.Render(text)
	}

	var sb strings.Builder
	line := func(label, value string) {
		sb.WriteString(style(labelStyle, label+":"))
		sb.WriteString(" ")
		sb.WriteString(value)
		sb.WriteString("\n")
	}

	line("scope", st.Scope)
	line("state_root", st.StateRoot)

	switch {
	case st.Corrupted:
		line("lock", style(corruptStyle, st.Lock+" (corrupt record; run clean-stale)"))
	case st.Lock == coordinator.StateLocked:
		line("lock", style(lockedStyle, st.Lock))
	default:
		line("lock", style(unlockedStyle, st.Lock))
	}

	if h := st.Holder; h != nil {
		command := fmt.Sprintf("%q", h.Command)
		if styled {
			command = util.Truncate(command, max(width-holderLineReserve, minCommandWidth))
		}
		holder := fmt.Sprintf("pid=%d command=%s acquired_at=%s last_heartbeat_at=%s",
			h.PID,
			style(commandStyle, command),
			h.AcquiredAt.Format(time.RFC3339),
			h.LastHeartbeatAt.Format(time.RFC3339),
		)
		if h.Hostname != "" {
			holder += " host=" + h.Hostname
		}
		line("holder", holder)
	}

	if st.QueueWaiters > 0 {
		line("queue_waiters", fmt.Sprintf("%d", st.QueueWaiters))
	}

	return sb.String()
}

// terminalWidth returns w's width in columns, or 0 if w is not a terminal.
func terminalWidth(w io.Writer) int {
	f, ok := w.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return 0
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil || width <= 0 {
		return defaultTerminalWidth
	}
	return width
}
