// Command lancelot-verify checks flushed batch receipt files offline.
//
// It recomputes every receipt's content hash and validates entry ordering,
// digest formats, and summary consistency, trusting nothing but SHA-256 and
// the file format.
//
// Exit codes:
//
//	0 = all receipts verified
//	1 = at least one receipt failed verification
//	2 = runtime error
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/lancelot-labs/lancelot/core/pkg/receipts"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("lancelot-verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		dir         string
		file        string
		jsonOutput  bool
		jsonOutFile string
	)
	cmd.StringVar(&dir, "dir", "", "Directory of batch_*.json receipts to verify")
	cmd.StringVar(&file, "file", "", "Single receipt file to verify")
	cmd.BoolVar(&jsonOutput, "json", false, "Output reports as JSON to stdout")
	cmd.StringVar(&jsonOutFile, "json-out", "", "Write structured reports to file (auditor mode)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if (dir == "") == (file == "") {
		_, _ = fmt.Fprintln(stderr, "Error: exactly one of --dir or --file is required")
		return 2
	}

	var reports []*receipts.VerifyReport
	if file != "" {
		report, err := receipts.VerifyFile(file)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		reports = []*receipts.VerifyReport{report}
	} else {
		var err error
		reports, err = receipts.VerifyDir(dir)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		if len(reports) == 0 {
			_, _ = fmt.Fprintf(stderr, "Error: no batch receipts found in %s\n", dir)
			return 2
		}
	}

	if jsonOutFile != "" {
		data, _ := json.MarshalIndent(reports, "", "  ")
		if err := os.WriteFile(jsonOutFile, data, 0o644); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: cannot write report file: %v\n", err)
			return 2
		}
		_, _ = fmt.Fprintf(stdout, "Report written to %s\n", jsonOutFile)
	}

	failed := 0
	if jsonOutput {
		data, _ := json.MarshalIndent(reports, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
		for _, r := range reports {
			if !r.Verified {
				failed++
			}
		}
	} else {
		for _, r := range reports {
			status := "PASS"
			if !r.Verified {
				status = "FAIL"
				failed++
			}
			_, _ = fmt.Fprintf(stdout, "%s  %s  %s\n", status, r.Path, r.Summary)
			for _, c := range r.Checks {
				if !c.Pass {
					_, _ = fmt.Fprintf(stdout, "      %s: %s\n", c.Name, c.Reason)
				}
			}
		}
		_, _ = fmt.Fprintf(stdout, "%d receipt(s) checked, %d failed\n", len(reports), failed)
	}

	if failed > 0 {
		return 1
	}
	return 0
}
