package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"
)

var (
	HeaderStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39"))

	SuccessStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	ErrorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	WarningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	MutedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	ValueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("255"))

	MoneyStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("42"))
)

// Out is where everything except errors is written
var Out io.Writer = os.Stdout

func JSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(Out, string(data))
	return nil
}

func Table(headers []string, rows [][]string) {
	table := tablewriter.NewWriter(Out)
	table.SetHeader(headers)
	table.SetBorder(true)
	table.SetRowLine(false)
	table.SetAutoFormatHeaders(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("│")
	table.SetColumnSeparator("│")
	table.SetRowSeparator("─")
	table.SetHeaderLine(true)
	table.SetTablePadding(" ")
	table.AppendBulk(rows)
	table.Render()
}

func KeyValue(pairs [][]string) {
	maxKeyLen := 0
	for _, pair := range pairs {
		if len(pair[0]) > maxKeyLen {
			maxKeyLen = len(pair[0])
		}
	}

	for _, pair := range pairs {
		key := MutedStyle.Render(fmt.Sprintf("%-*s", maxKeyLen, pair[0]))
		value := ValueStyle.Render(pair[1])
		fmt.Fprintf(Out, "%s  %s\n", key, value)
	}
}

func Success(msg string) {
	fmt.Fprintln(Out, SuccessStyle.Render("✓ ")+msg)
}

func Error(msg string) {
	fmt.Fprintln(os.Stderr, ErrorStyle.Render("✗ ")+msg)
}

func Warning(msg string) {
	fmt.Fprintln(Out, WarningStyle.Render("⚠ ")+msg)
}

func Info(msg string) {
	fmt.Fprintln(Out, MutedStyle.Render(msg))
}

func Header(msg string) {
	fmt.Fprintln(Out, HeaderStyle.Render(msg))
}

func Money(amount decimal.Decimal) string {
	return MoneyStyle.Render(amount.StringFixed(2))
}

// Signed colours gains green and losses red
func Signed(amount decimal.Decimal, suffix string) string {
	s := amount.StringFixed(2) + suffix
	switch amount.Sign() {
	case 1:
		return SuccessStyle.Render("+" + s)
	case -1:
		return ErrorStyle.Render(s)
	default:
		return s
	}
}

func FormatStatus(status string) string {
	switch status {
	case "PAID", "deposit", "dividend", "trade_sell":
		return SuccessStyle.Render(status)
	case "PENDING", "SNAPSHOTTED":
		return WarningStyle.Render(status)
	case "FAILED", "withdraw", "trade_buy":
		return ErrorStyle.Render(status)
	default:
		return status
	}
}
