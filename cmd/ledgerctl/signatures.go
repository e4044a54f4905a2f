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

// signCmd は監査エントリへの電子署名コマンド。署名者は--userで指定した利用者本人。
func signCmd() *cobra.Command {
	var (
		entry           int64
		req             handler.CreateSignatureRequest
		credentialStdin bool
	)
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Electronically sign an audit entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return fmt.Errorf("--user is required (or set LEDGERCTL_USER)")
			}
			secret, err := readCredential(credentialStdin)
			if err != nil {
				return err
			}
			req.CredentialSecret = secret

			resp, err := callAPI(http.MethodPost, "/v1/audit/entries/"+strconv.FormatInt(entry, 10)+"/signatures",
				req, http.StatusCreated, nil)
			if err != nil {
				return err
			}
			if output == "json" {
				printJSON(resp.body)
				return nil
			}
			var created handler.CreateSignatureResponse
			if err := json.Unmarshal(resp.body, &created); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			fmt.Printf("Signed entry #%d as %q (signature: %s)\n", entry, req.Meaning, created.SignatureID)
			return nil
		},
	}
	cmd.Flags().Int64Var(&entry, "entry", 0, "Sequence number of the entry to sign (required)")
	cmd.Flags().StringVar(&req.Meaning, "meaning", "", "Meaning of the signature, e.g. Approved (required)")
	cmd.Flags().StringVar(&req.Reason, "reason", "", "Reason for signing")
	cmd.Flags().StringVar(&req.SignerRole, "signer-role", "", "Role to record (default: --role)")
	cmd.Flags().BoolVar(&credentialStdin, "credential-stdin", false, "Read the signing credential from stdin")
	cmd.MarkFlagRequired("entry")
	cmd.MarkFlagRequired("meaning")
	return cmd
}

// signaturesCmd は電子署名の参照コマンド。
func signaturesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "signatures",
		Short: "Inspect electronic signatures",
	}
	cmd.AddCommand(signaturesVerifyCmd())
	cmd.AddCommand(signaturesListCmd())
	return cmd
}

func signaturesVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <signature-id>",
		Short: "Verify a stored signature against the current entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := callAPI(http.MethodGet, "/v1/signatures/"+url.PathEscape(args[0])+"/verify", nil, http.StatusOK, nil)
			if err != nil {
				return err
			}
			var result handler.SignatureVerificationResponse
			if err := json.Unmarshal(resp.body, &result); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}

			if output == "json" {
				printJSON(resp.body)
			} else {
				s := result.Signature
				verdict := "VALID"
				if !result.Valid {
					verdict = "INVALID"
				}
				fmt.Printf("%s: entry #%d signed by %s (%s) as %q at %s\n",
					verdict, s.AuditEntryID, s.SignerID, s.SignerRole, s.Meaning, s.Timestamp)
			}
			if !result.Valid {
				return fmt.Errorf("signature %s does not verify", args[0])
			}
			return nil
		},
	}
}

func signaturesListCmd() *cobra.Command {
	var entry int64
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List signatures attached to an audit entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := callAPI(http.MethodGet, "/v1/audit/entries/"+strconv.FormatInt(entry, 10)+"/signatures", nil, http.StatusOK, nil)
			if err != nil {
				return err
			}
			if output == "json" {
				printJSON(resp.body)
				return nil
			}
			var list handler.SignatureListResponse
			if err := json.Unmarshal(resp.body, &list); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "ID\tSIGNER\tROLE\tMEANING\tTIMESTAMP\tALGORITHM")
			for _, s := range list.Signatures {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", s.ID, s.SignerID, s.SignerRole, s.Meaning, s.Timestamp, s.Algorithm)
			}
			if err := w.Flush(); err != nil {
				return fmt.Errorf("failed to flush output: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&entry, "entry", 0, "Sequence number of the entry (required)")
	cmd.MarkFlagRequired("entry")
	return cmd
}
