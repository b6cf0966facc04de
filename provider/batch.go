package provider

import (
	"context"
	"fmt"
)

// SignFunc signs a single document. Adapters pass their own SignDocument.
type SignFunc func(ctx context.Context, req SignRequest) (*SignResponse, error)

// SignSequentially is the default batch strategy shared by all adapters.
//
// Requests are signed one at a time in input order; progress is reported
// before each item and once after the last. A session-invalidating failure
// is recorded for its item and stops the loop, leaving later requests
// without a result; the error is returned. Any other failure is recorded
// and signing continues. Cancellation of ctx is ignored: each call is
// bounded by the adapter's own timeout, and a batch always runs to the end
// unless the session dies.
func SignSequentially(ctx context.Context, providerID string, reqs []SignRequest, progress ProgressFunc, sign SignFunc) ([]BatchResult, error) {
	ctx = context.WithoutCancel(ctx)
	results := make([]BatchResult, 0, len(reqs))
	report := func(p Progress) {
		if progress != nil {
			progress(p)
		}
	}

	completed, failed := 0, 0
	for i, req := range reqs {
		if req.DocumentID == "" {
			req.DocumentID = fmt.Sprintf("document-%d", i+1)
		}
		report(Progress{Completed: completed, Failed: failed, Total: len(reqs), CurrentItem: req.DocumentID})

		resp, err := sign(ctx, req)
		if err != nil {
			pe := AsError(providerID, err)
			failed++
			results = append(results, BatchResult{
				DocumentID: req.DocumentID,
				Success:    false,
				Error:      pe.Error(),
				Kind:       pe.Kind,
			})
			if pe.Kind.SessionInvalidating() {
				report(Progress{Completed: completed, Failed: failed, Total: len(reqs)})
				return results, pe
			}
			continue
		}
		if resp.DocumentID == "" {
			resp.DocumentID = req.DocumentID
		}
		completed++
		results = append(results, BatchResult{
			DocumentID: req.DocumentID,
			Success:    true,
			Response:   resp,
		})
	}
	report(Progress{Completed: completed, Failed: failed, Total: len(reqs)})
	return results, nil
}
