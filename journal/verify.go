package journal

import (
	"context"
	"fmt"
)

// Check statuses.
const (
	StatusPass = "pass"
	StatusFail = "fail"
)

// CheckResult is the outcome of one verification check.
type CheckResult struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// VerifyResult summarises a chain verification.
type VerifyResult struct {
	EntryCount int           `json:"entry_count"`
	Sealed     bool          `json:"sealed"`
	Valid      bool          `json:"valid"`
	Checks     []CheckResult `json:"checks"`
}

func (r *VerifyResult) add(name string, ok bool, detail string) {
	c := CheckResult{Name: name, Status: StatusPass, Detail: detail}
	if !ok {
		c.Status = StatusFail
		r.Valid = false
	}
	r.Checks = append(r.Checks, c)
}

// Verify walks the whole chain: the first entry must anchor on the genesis
// hash, sequence numbers must be contiguous, every PrevHash must match its
// predecessor and the HEAD record must point at the last entry.
func (j *Journal) Verify(ctx context.Context) (VerifyResult, error) {
	entries, err := j.List(ctx, 0)
	if err != nil {
		return VerifyResult{}, err
	}
	h, err := j.readHead(ctx)
	if err != nil {
		return VerifyResult{}, err
	}
	return verifyChain(entries, h, j.Sealed()), nil
}

func verifyChain(entries []Entry, h head, sealed bool) VerifyResult {
	result := VerifyResult{EntryCount: len(entries), Sealed: sealed, Valid: true}

	if len(entries) == 0 {
		result.add("empty_chain", h.Seq == 0, "no entries to verify")
		return result
	}

	first := entries[0]
	result.add("genesis_anchor", first.PrevHash == GenesisHash && first.Seq == 1,
		fmt.Sprintf("first entry seq=%d prev_hash=%s", first.Seq, first.PrevHash))

	continuity := ""
	for i := 1; i < len(entries); i++ {
		prev, cur := entries[i-1], entries[i]
		if cur.Seq != prev.Seq+1 {
			continuity = fmt.Sprintf("entry %s has seq %d after seq %d", cur.ID, cur.Seq, prev.Seq)
			break
		}
		if want := prev.Hash(); cur.PrevHash != want {
			continuity = fmt.Sprintf("entry %s (seq %d) has prev_hash=%s but expected %s", cur.ID, cur.Seq, cur.PrevHash, want)
			break
		}
	}
	if continuity == "" {
		result.add("chain_continuity", true, fmt.Sprintf("all %d entries link correctly", len(entries)))
	} else {
		result.add("chain_continuity", false, continuity)
	}

	last := entries[len(entries)-1]
	result.add("head_matches", h.Seq == last.Seq && h.Hash == last.Hash(),
		fmt.Sprintf("head seq=%d, last entry seq=%d", h.Seq, last.Seq))
	return result
}
