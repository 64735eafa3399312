package bytecode

import (
	"fmt"
	"strings"
)

// Disassemble returns a human-readable listing of the agent: its state
// table followed by each handler's code.
func (a *CompiledAgent) Disassemble() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("; === agent %s ===\n", a.Name))
	sb.WriteString(fmt.Sprintf("; Krill Bytecode v%d\n", BytecodeVersion))

	if len(a.StateInit) > 0 {
		sb.WriteString("; State:\n")
		for i, s := range a.StateInit {
			sb.WriteString(fmt.Sprintf(";   [%3d] %s : %s = %s\n", i, s.Name, s.Type, displayConst(s.Value)))
		}
	}
	sb.WriteString("\n")

	for _, h := range a.Handlers {
		sb.WriteString(h.Disassemble())
		sb.WriteString("\n")
	}
	return sb.String()
}

// Disassemble returns a human-readable listing of one handler.
func (h *CompiledHandler) Disassemble() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%s(%s):\n", h.Variant, strings.Join(h.Params, ", ")))
	for _, line := range h.DisassembleToLines() {
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	return sb.String()
}

// DisassembleToLines returns the handler code as a slice of lines.
func (h *CompiledHandler) DisassembleToLines() []string {
	lines := make([]string, 0, len(h.Code))
	for i, ins := range h.Code {
		lines = append(lines, fmt.Sprintf("%04d  %s", i, ins))
	}
	return lines
}

func displayConst(v Value) string {
	if v == nil {
		return "<nil>"
	}
	if s, ok := v.(Str); ok {
		// Truncate long strings for readability
		display := string(s)
		if r := []rune(display); len(r) > 40 {
			display = string(r[:37]) + "..."
		}
		return fmt.Sprintf("%q", display)
	}
	return v.String()
}
