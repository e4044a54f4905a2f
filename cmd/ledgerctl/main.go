// Package main は監査台帳サービスの管理CLIのエントリポイント。
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"audit-ledger-service/config"
	"audit-ledger-service/internal/middleware"
)

// 整合性違反を検出した場合の終了コード
const exitIntegrityViolation = 2

var (
	apiURL  string
	output  string
	timeout time.Duration
	userID  string
	role    string
)

// HTTPクライアント
var httpClient *http.Client

// errIntegrityViolation はverifyが違反を検出したことを表す。
var errIntegrityViolation = errors.New("integrity violation detected")

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "Audit Ledger Service CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if apiURL == "" {
				apiURL = os.Getenv("LEDGERCTL_API_URL")
			}
			if userID == "" {
				userID = os.Getenv("LEDGERCTL_USER")
			}
			if role == "" {
				role = os.Getenv("LEDGERCTL_ROLE")
			}
			httpClient = &http.Client{Timeout: timeout}
		},
	}

	// グローバルフラグ
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "API endpoint URL (or set LEDGERCTL_API_URL)")
	rootCmd.PersistentFlags().StringVar(&output, "output", "text", "Output format: text, json")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")
	rootCmd.PersistentFlags().StringVar(&userID, "user", "", "Acting user ID (or set LEDGERCTL_USER)")
	rootCmd.PersistentFlags().StringVar(&role, "role", "", "Acting user role (or set LEDGERCTL_ROLE)")

	// サブコマンド登録
	rootCmd.AddCommand(entriesCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(certsCmd())
	rootCmd.AddCommand(signCmd())
	rootCmd.AddCommand(signaturesCmd())
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, errIntegrityViolation) {
			os.Exit(exitIntegrityViolation)
		}
		os.Exit(1)
	}
}

// versionCmd はバージョン情報を表示する。
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ledgerctl version %s\n", config.Version)
		},
	}
}

// apiResponse はAPI呼び出しの結果。
type apiResponse struct {
	status int
	body   []byte
}

// callAPI はAPIを呼び出し、ステータスが期待値と異なる場合はエラーレスポンスをエラーに変換する。
func callAPI(method, path string, payload any, want int, headers map[string]string) (*apiResponse, error) {
	if apiURL == "" {
		return nil, fmt.Errorf("--api-url is required (or set LEDGERCTL_API_URL)")
	}

	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequest(method, apiURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req.Header.Set(middleware.HeaderUserID, userID)
	}
	if role != "" {
		req.Header.Set(middleware.HeaderUserRole, role)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	result := &apiResponse{status: resp.StatusCode, body: respBody}
	if resp.StatusCode != want {
		return result, handleErrorResponse(resp.StatusCode, respBody)
	}
	return result, nil
}

// printJSON はレスポンスをそのまま出力する。
func printJSON(body []byte) {
	fmt.Println(string(bytes.TrimSpace(body)))
}

func handleErrorResponse(statusCode int, body []byte) error {
	var errResp struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&errResp); err == nil && errResp.Message != "" {
		return fmt.Errorf("Error: %s (%s)", errResp.Message, errResp.Code)
	}
	return fmt.Errorf("Error: server returned status %d", statusCode)
}
