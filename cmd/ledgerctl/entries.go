package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"audit-ledger-service/internal/handler"
)

// entriesCmd は監査エントリの操作コマンド。
func entriesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "entries",
		Short: "Append and query audit entries",
	}
	cmd.AddCommand(entriesAppendCmd())
	cmd.AddCommand(entriesListCmd())
	cmd.AddCommand(entriesGetCmd())
	return cmd
}

func readStateFile(path string) (json.RawMessage, error) {
	if path == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading state file: %w", err)
	}
	if !json.Valid(b) {
		return nil, fmt.Errorf("state file %s is not valid JSON", path)
	}
	return b, nil
}

func entriesAppendCmd() *cobra.Command {
	var (
		req        handler.CreateEntryRequest
		beforeFile string
		afterFile  string
	)
	cmd := &cobra.Command{
		Use:   "append",
		Short: "Record a business event in the audit ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if req.BeforeState, err = readStateFile(beforeFile); err != nil {
				return err
			}
			if req.AfterState, err = readStateFile(afterFile); err != nil {
				return err
			}

			var headers map[string]string
			if req.IdempotencyKey != "" {
				headers = map[string]string{handler.HeaderIdempotencyKey: req.IdempotencyKey}
			}
			resp, err := callAPI(http.MethodPost, "/v1/audit/entries", req, http.StatusCreated, headers)
			if err != nil {
				return err
			}

			if output == "json" {
				printJSON(resp.body)
				return nil
			}
			var created handler.CreateEntryResponse
			if err := json.Unmarshal(resp.body, &created); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			fmt.Printf("Recorded %s as entry #%d\n", req.Event, created.SequenceNumber)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Event, "event", "", "Business event name, e.g. formula.updated (required)")
	cmd.Flags().StringVar(&req.SubjectTable, "table", "", "Subject table (required)")
	cmd.Flags().StringVar(&req.SubjectRecordID, "record", "", "Subject record ID")
	cmd.Flags().StringVar(&beforeFile, "before-file", "", "JSON file with the state before the change")
	cmd.Flags().StringVar(&afterFile, "after-file", "", "JSON file with the state after the change")
	cmd.Flags().StringVar(&req.Reason, "reason", "", "Reason for the change")
	cmd.Flags().StringVar(&req.IdempotencyKey, "idempotency-key", "", "Idempotency key for safe retries")
	cmd.MarkFlagRequired("event")
	cmd.MarkFlagRequired("table")
	return cmd
}

func entriesListCmd() *cobra.Command {
	var (
		actorID, actionType, table, record, from, to string
		cursor, limit                                int64
		ascending                                    bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Query the audit trail",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			for k, v := range map[string]string{
				"actor_id":          actorID,
				"action_type":       actionType,
				"subject_table":     table,
				"subject_record_id": record,
				"from":              from,
				"to":                to,
			} {
				if v != "" {
					q.Set(k, v)
				}
			}
			if cursor > 0 {
				q.Set("cursor", strconv.FormatInt(cursor, 10))
			}
			if limit > 0 {
				q.Set("limit", strconv.FormatInt(limit, 10))
			}
			if ascending {
				q.Set("order", "asc")
			}

			path := "/v1/audit/entries"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			resp, err := callAPI(http.MethodGet, path, nil, http.StatusOK, nil)
			if err != nil {
				return err
			}

			if output == "json" {
				printJSON(resp.body)
				return nil
			}
			var page handler.EntryListResponse
			if err := json.Unmarshal(resp.body, &page); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "SEQ\tTIMESTAMP\tACTOR\tACTION\tSUBJECT\tHASH")
			for _, e := range page.Entries {
				actor := "-"
				if e.ActorID != nil {
					actor = *e.ActorID
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s/%s\t%s\n",
					e.SequenceNumber, e.Timestamp, actor, e.ActionType, e.SubjectTable, e.SubjectRecordID, e.ContentHash[:12])
			}
			if err := w.Flush(); err != nil {
				return fmt.Errorf("failed to flush output: %w", err)
			}
			if page.HasMore {
				fmt.Printf("\nMore entries available: --cursor %d\n", page.NextCursor)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "Filter by actor ID")
	cmd.Flags().StringVar(&actionType, "action", "", "Filter by action type")
	cmd.Flags().StringVar(&table, "table", "", "Filter by subject table")
	cmd.Flags().StringVar(&record, "record", "", "Filter by subject record ID")
	cmd.Flags().StringVar(&from, "from", "", "Entries at or after this RFC3339 time")
	cmd.Flags().StringVar(&to, "to", "", "Entries at or before this RFC3339 time")
	cmd.Flags().Int64Var(&cursor, "cursor", 0, "Continue from a previous page")
	cmd.Flags().Int64Var(&limit, "limit", 0, "Maximum entries per page")
	cmd.Flags().BoolVar(&ascending, "asc", false, "Oldest first")
	return cmd
}

func entriesGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <sequence>",
		Short: "Show a single audit entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := callAPI(http.MethodGet, "/v1/audit/entries/"+url.PathEscape(args[0]), nil, http.StatusOK, nil)
			if err != nil {
				return err
			}
			printJSON(resp.body)
			return nil
		},
	}
}
