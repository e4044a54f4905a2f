package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"audit-ledger-service/internal/handler"
)

// verifyCmd はハッシュチェーンの検証コマンド。違反を検出した場合は終了コード2で終了する。
func verifyCmd() *cobra.Command {
	var from, to int64
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the audit ledger hash chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if from > 0 {
				q.Set("from", strconv.FormatInt(from, 10))
			}
			if to > 0 {
				q.Set("to", strconv.FormatInt(to, 10))
			}
			path := "/v1/audit/verify"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}

			resp, err := callAPI(http.MethodGet, path, nil, http.StatusOK, nil)
			if resp != nil && resp.status == http.StatusConflict {
				return reportViolation(resp.body)
			}
			if err != nil {
				return err
			}

			if output == "json" {
				printJSON(resp.body)
				return nil
			}
			var result handler.VerificationResponse
			if err := json.Unmarshal(resp.body, &result); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			fmt.Printf("Chain verified: entries %d..%d (%d checked) at %s\n",
				result.FromSequence, result.ToSequence, result.EntriesChecked, result.VerifiedAt)
			return nil
		},
	}
	cmd.Flags().Int64Var(&from, "from", 0, "First sequence number (default: 1)")
	cmd.Flags().Int64Var(&to, "to", 0, "Last sequence number (default: ledger tail)")
	return cmd
}

func reportViolation(body []byte) error {
	if output == "json" {
		printJSON(body)
		return errIntegrityViolation
	}
	var resp struct {
		Message string                    `json:"message"`
		Details handler.ViolationResponse `json:"details"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("%w: %s", errIntegrityViolation, body)
	}
	fmt.Printf("INTEGRITY VIOLATION at entry #%d: %s\n", resp.Details.AtSequence, resp.Details.Reason)
	if resp.Details.Expected != "" || resp.Details.Actual != "" {
		fmt.Printf("  expected: %s\n  actual:   %s\n", resp.Details.Expected, resp.Details.Actual)
	}
	return fmt.Errorf("%w at entry #%d", errIntegrityViolation, resp.Details.AtSequence)
}
