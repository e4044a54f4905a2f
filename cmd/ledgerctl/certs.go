package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"audit-ledger-service/internal/handler"
	"audit-ledger-service/internal/repository"
	"audit-ledger-service/internal/usecase"
)

// certsCmd は署名用証明書の管理コマンド。
func certsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "certs",
		Short: "Manage signing certificates",
	}
	cmd.AddCommand(certsIssueCmd())
	cmd.AddCommand(certsRevokeCmd())
	cmd.AddCommand(certsActiveCmd())
	cmd.AddCommand(certsListCmd())
	cmd.AddCommand(certsExpireCmd())
	return cmd
}

// readCredential は資格情報を環境変数LEDGERCTL_CREDENTIALまたは標準入力の1行目から読み込む。
func readCredential(fromStdin bool) (string, error) {
	if !fromStdin {
		if v := os.Getenv("LEDGERCTL_CREDENTIAL"); v != "" {
			return v, nil
		}
		return "", fmt.Errorf("credential is required: set LEDGERCTL_CREDENTIAL or use --credential-stdin")
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading credential: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func printCertificate(c handler.CertificateResponse) {
	fmt.Printf("Certificate %s\n  user:       %s\n  algorithm:  %s\n  status:     %s\n  created at: %s\n  expires at: %s\n",
		c.ID, c.UserID, c.Algorithm, c.Status, c.CreatedAt, c.ExpiresAt)
	if c.RevokedAt != nil {
		fmt.Printf("  revoked at: %s (%s)\n", *c.RevokedAt, c.RevocationReason)
	}
}

func certsIssueCmd() *cobra.Command {
	var (
		algorithm       string
		credentialStdin bool
	)
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a signing certificate for the acting user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return fmt.Errorf("--user is required (or set LEDGERCTL_USER)")
			}
			secret, err := readCredential(credentialStdin)
			if err != nil {
				return err
			}

			resp, err := callAPI(http.MethodPost, "/v1/users/"+url.PathEscape(userID)+"/certificates",
				handler.IssueCertificateRequest{Algorithm: algorithm, CredentialSecret: secret}, http.StatusCreated, nil)
			if err != nil {
				return err
			}
			if output == "json" {
				printJSON(resp.body)
				return nil
			}
			var cert handler.CertificateResponse
			if err := json.Unmarshal(resp.body, &cert); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			printCertificate(cert)
			return nil
		},
	}
	cmd.Flags().StringVar(&algorithm, "algorithm", "", "Signature algorithm: Ed25519, ECDSA-P256-SHA256, RSA-PSS-SHA256")
	cmd.Flags().BoolVar(&credentialStdin, "credential-stdin", false, "Read the signing credential from stdin")
	return cmd
}

func certsRevokeCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "revoke <certificate-id>",
		Short: "Revoke a signing certificate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload any
			if reason != "" {
				payload = handler.RevokeCertificateRequest{Reason: reason}
			}
			if _, err := callAPI(http.MethodDelete, "/v1/certificates/"+url.PathEscape(args[0]), payload, http.StatusNoContent, nil); err != nil {
				return err
			}
			if output == "json" {
				fmt.Println("{}")
			} else {
				fmt.Printf("Revoked certificate %s\n", args[0])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Revocation reason")
	return cmd
}

func certsActiveCmd() *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "active",
		Short: "Show the certificate currently usable for signing",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" {
				target = userID
			}
			if target == "" {
				return fmt.Errorf("--for or --user is required")
			}
			resp, err := callAPI(http.MethodGet, "/v1/users/"+url.PathEscape(target)+"/certificates/active", nil, http.StatusOK, nil)
			if err != nil {
				return err
			}
			if output == "json" {
				printJSON(resp.body)
				return nil
			}
			var cert handler.CertificateResponse
			if err := json.Unmarshal(resp.body, &cert); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			printCertificate(cert)
			return nil
		},
	}
	cmd.Flags().StringVar(&target, "for", "", "User whose certificate to show (default: --user)")
	return cmd
}

func certsListCmd() *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List certificates of a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" {
				target = userID
			}
			if target == "" {
				return fmt.Errorf("--for or --user is required")
			}
			resp, err := callAPI(http.MethodGet, "/v1/users/"+url.PathEscape(target)+"/certificates", nil, http.StatusOK, nil)
			if err != nil {
				return err
			}
			if output == "json" {
				printJSON(resp.body)
				return nil
			}
			var list handler.CertificateListResponse
			if err := json.Unmarshal(resp.body, &list); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "ID\tALGORITHM\tSTATUS\tCREATED AT\tEXPIRES AT")
			for _, c := range list.Certificates {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", c.ID, c.Algorithm, c.Status, c.CreatedAt, c.ExpiresAt)
			}
			if err := w.Flush(); err != nil {
				return fmt.Errorf("failed to flush output: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&target, "for", "", "User whose certificates to list (default: --user)")
	return cmd
}

// certsExpireCmd は有効期限を過ぎた証明書のステータスをまとめて更新する。DBへ直接接続する。
func certsExpireCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "expire",
		Short: "Mark certificates past their expiry as expired",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			db, _, err := openDatabase()
			if err != nil {
				return err
			}
			service := usecase.NewCertificateService(repository.NewCertificateRepository(db), nil, usecase.DefaultAlgorithms(), usecase.CertificateOptions{})
			n, err := service.ExpireDue(ctx)
			if err != nil {
				return err
			}

			if output == "json" {
				fmt.Printf("{\"expired\":%d}\n", n)
			} else {
				fmt.Printf("Expired %d certificate(s).\n", n)
			}
			return nil
		},
	}
}
