// Package terminal is the interactive front end: it asks for the risk profile and prints
// decision-loop messages.
package terminal

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog/log"

	"voltrader/risk"
)

// Prompt reads the risk profile from the operator
type Prompt struct {
	in          *bufio.Reader
	out         io.Writer
	interactive bool
}

// NewPrompt prompt on stdin/stdout; non-terminal stdin is treated as non-interactive
func NewPrompt() *Prompt {
	fd := os.Stdin.Fd()
	return &Prompt{
		in:          bufio.NewReader(os.Stdin),
		out:         os.Stdout,
		interactive: isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd),
	}
}

// NewPromptFrom prompt over arbitrary streams
func NewPromptFrom(in io.Reader, out io.Writer, interactive bool) *Prompt {
	return &Prompt{in: bufio.NewReader(in), out: out, interactive: interactive}
}

// AskRiskProfile asks until a known tag is entered. Non-interactive input, EOF or an empty
// answer select the low profile.
func (p *Prompt) AskRiskProfile() string {
	if !p.interactive {
		log.Info().Msg("ℹ️  Non-interactive input, using low risk profile")
		return string(risk.TagLow)
	}
	for {
		fmt.Fprint(p.out, "🎚  Select risk profile [low/high] (default low): ")
		line, err := p.in.ReadString('\n')
		answer := strings.ToLower(strings.TrimSpace(line))
		if answer == "" {
			return string(risk.TagLow)
		}
		if risk.Known(answer) {
			return answer
		}
		if err != nil {
			return string(risk.TagLow)
		}
		fmt.Fprintf(p.out, "⚠️  Unknown risk profile %q\n", answer)
	}
}

// Console writes each message on its own line
type Console struct {
	mu  sync.Mutex
	out io.Writer
}

// NewConsole console sink on stdout
func NewConsole() *Console {
	return &Console{out: os.Stdout}
}

// NewConsoleTo console sink on w
func NewConsoleTo(w io.Writer) *Console {
	return &Console{out: w}
}

// Emit prints one message
func (c *Console) Emit(message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, message)
}

// Banner prints the startup banner
func (c *Console) Banner(profile risk.Profile, capital string) {
	c.Emit("╔════════════════════════════════════════════════════════════╗")
	c.Emit("║        📈 Volatility-Ranked AI Decision Loop               ║")
	c.Emit("║              Simulated positions only                      ║")
	c.Emit("╚════════════════════════════════════════════════════════════╝")
	c.Emit("")
	c.Emit(fmt.Sprintf("  • Risk profile: %s", strings.ToUpper(string(profile.Tag))))
	c.Emit(fmt.Sprintf("  • Capital: %s", capital))
	c.Emit(fmt.Sprintf("  • Position size: %.0f%% of capital", profile.MaxPositionFraction*100))
	c.Emit(fmt.Sprintf("  • Stop loss %.0f%% / take profit %.0f%% of entry",
		profile.StopLossMultiplier*100, profile.TakeProfitMultiplier*100))
	c.Emit("")
	c.Emit("Press Ctrl+C to liquidate and stop")
	c.Emit(strings.Repeat("=", 60))
}
