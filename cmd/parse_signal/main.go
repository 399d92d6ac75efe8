package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/shopspring/decimal"
	"github.com/vitos/signal_copy_trader/internal/config"
	"github.com/vitos/signal_copy_trader/internal/domain"
	"github.com/vitos/signal_copy_trader/internal/usecase"
)

type output struct {
	Symbol       string            `json:"symbol"`
	Side         domain.Side       `json:"side"`
	Entries      []decimal.Decimal `json:"entries"`
	TakeProfits  []decimal.Decimal `json:"take_profits"`
	StopLoss     decimal.Decimal   `json:"stop_loss"`
	AutoStopLoss bool              `json:"auto_stop_loss"`
	ModeHint     domain.Mode       `json:"mode_hint,omitempty"`
	LeverageHint *decimal.Decimal  `json:"leverage_hint,omitempty"`
	Mode         domain.Mode       `json:"mode"`
	Leverage     decimal.Decimal   `json:"leverage"`
}

// parse_signal reads one message from stdin and prints how the bot would
// read it.
func main() {
	configPath := flag.String("config", "", "optional YAML config for parser and leverage settings")
	channel := flag.String("channel", "cli", "channel name to attribute the signal to")
	flag.Parse()

	parserSettings := usecase.DefaultParserSettings()
	leverageSettings := usecase.DefaultLeverageSettings()
	if *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			os.Exit(1)
		}
		parserSettings = cfg.ParserSettings()
		leverageSettings = cfg.LeverageSettings()
	}

	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read stdin: %v\n", err)
		os.Exit(1)
	}

	sig, err := usecase.NewSignalParser(parserSettings).Parse(*channel, string(raw))
	if err != nil {
		if errors.Is(err, domain.ErrInvalidSignal) {
			fmt.Fprintln(os.Stderr, "Not a signal")
		} else {
			fmt.Fprintf(os.Stderr, "Rejected: %v\n", err)
		}
		os.Exit(2)
	}

	lev, mode := usecase.NewLeveragePolicy(leverageSettings).Classify(sig.ModeHint, sig.HasExplicitStopLoss(), sig.LeverageHint)
	out := output{
		Symbol:       sig.Symbol,
		Side:         sig.Side,
		Entries:      sig.Entries,
		TakeProfits:  sig.TakeProfits,
		StopLoss:     sig.StopLoss,
		AutoStopLoss: sig.AutoStopLoss,
		ModeHint:     sig.ModeHint,
		Mode:         mode,
		Leverage:     lev,
	}
	if sig.LeverageHint.Valid {
		out.LeverageHint = &sig.LeverageHint.Decimal
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to encode: %v\n", err)
		os.Exit(1)
	}
}
