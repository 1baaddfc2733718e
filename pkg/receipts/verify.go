package receipts

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/lancelot-labs/lancelot/core/pkg/contracts"
)

// VerifyReport is the structured output of offline receipt verification.
// It trusts only SHA-256 and the receipt file format, not the process that
// wrote the files.
type VerifyReport struct {
	Path       string        `json:"path"`
	Verified   bool          `json:"verified"`
	Timestamp  time.Time     `json:"timestamp"`
	Checks     []CheckResult `json:"checks"`
	IssueCount int           `json:"issue_count"`
	Summary    string        `json:"summary"`
}

// CheckResult is one verification check.
type CheckResult struct {
	Name   string `json:"name"`
	Pass   bool   `json:"pass"`
	Detail string `json:"detail,omitempty"`
	Reason string `json:"reason,omitempty"`
}

var hexDigest = regexp.MustCompile(`^[0-9a-f]{64}$`)

// VerifyFile checks one flushed batch receipt file: content hash
// recomputation, entry index ordering, hash digest format, and summary
// consistency.
func VerifyFile(path string) (*VerifyReport, error) {
	report := &VerifyReport{
		Path:      path,
		Verified:  true,
		Timestamp: time.Now().UTC(),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("receipts: read %s: %w", path, err)
	}
	var receipt contracts.BatchReceipt
	if err := json.Unmarshal(data, &receipt); err != nil {
		report.addCheck(CheckResult{Name: "parse", Pass: false, Reason: err.Error()})
		return report.finalize(), nil
	}
	report.addCheck(CheckResult{Name: "parse", Pass: true})

	report.addCheck(checkContentHash(&receipt))
	report.addCheck(checkEntryOrder(&receipt))
	report.addCheck(checkDigestFormat(&receipt))
	report.addCheck(checkSummary(&receipt))
	return report.finalize(), nil
}

// VerifyDir verifies every batch_*.json file in a directory, in name
// order.
func VerifyDir(dir string) ([]*VerifyReport, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "batch_*.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)

	reports := make([]*VerifyReport, 0, len(matches))
	for _, path := range matches {
		report, err := VerifyFile(path)
		if err != nil {
			return nil, err
		}
		reports = append(reports, report)
	}
	return reports, nil
}

func (r *VerifyReport) addCheck(c CheckResult) {
	r.Checks = append(r.Checks, c)
}

func (r *VerifyReport) finalize() *VerifyReport {
	for _, c := range r.Checks {
		if !c.Pass {
			r.IssueCount++
		}
	}
	if r.IssueCount > 0 {
		r.Verified = false
		r.Summary = fmt.Sprintf("FAIL: %d/%d checks failed", r.IssueCount, len(r.Checks))
	} else {
		r.Summary = fmt.Sprintf("PASS: %d/%d checks passed", len(r.Checks), len(r.Checks))
	}
	return r
}

func checkContentHash(receipt *contracts.BatchReceipt) CheckResult {
	if receipt.ContentHash == "" {
		return CheckResult{Name: "content_hash", Pass: false, Reason: "missing content_hash"}
	}
	recomputed, err := ContentHash(receipt)
	if err != nil {
		return CheckResult{Name: "content_hash", Pass: false, Reason: err.Error()}
	}
	if recomputed != receipt.ContentHash {
		return CheckResult{
			Name:   "content_hash",
			Pass:   false,
			Reason: fmt.Sprintf("stored %s != recomputed %s", receipt.ContentHash, recomputed),
		}
	}
	return CheckResult{Name: "content_hash", Pass: true}
}

func checkEntryOrder(receipt *contracts.BatchReceipt) CheckResult {
	for i, e := range receipt.Entries {
		if e.EntryIndex != i {
			return CheckResult{
				Name:   "entry_order",
				Pass:   false,
				Reason: fmt.Sprintf("entry %d has index %d", i, e.EntryIndex),
			}
		}
	}
	return CheckResult{Name: "entry_order", Pass: true, Detail: fmt.Sprintf("%d entries", len(receipt.Entries))}
}

func checkDigestFormat(receipt *contracts.BatchReceipt) CheckResult {
	for i, e := range receipt.Entries {
		if !hexDigest.MatchString(e.InputHash) || !hexDigest.MatchString(e.OutputHash) {
			return CheckResult{
				Name:   "digest_format",
				Pass:   false,
				Reason: fmt.Sprintf("entry %d has a malformed digest", i),
			}
		}
	}
	return CheckResult{Name: "digest_format", Pass: true}
}

func checkSummary(receipt *contracts.BatchReceipt) CheckResult {
	recomputed := summarize(receipt.Entries, 0)
	s := receipt.Summary
	if recomputed.TotalActions != s.TotalActions ||
		recomputed.Succeeded != s.Succeeded ||
		recomputed.Failed != s.Failed ||
		recomputed.HighestRiskTier != s.HighestRiskTier {
		return CheckResult{Name: "summary", Pass: false, Reason: "summary does not match entries"}
	}
	return CheckResult{Name: "summary", Pass: true}
}
