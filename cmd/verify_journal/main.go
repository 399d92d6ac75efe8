package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/vitos/signal_copy_trader/internal/infrastructure/journal"
)

// verify_journal recomputes the hash chain of a journal file. It exits 2
// when the chain is broken.
func main() {
	path := flag.String("journal", "logs/journal.jsonl", "journal file to verify")
	flag.Parse()

	report, err := journal.VerifyFile(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read journal: %v\n", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to encode report: %v\n", err)
		os.Exit(1)
	}
	if !report.Valid {
		os.Exit(2)
	}
}
