package middleware

import (
	"context"
	"net/http"
	"strings"
)

// 認証基盤が付与する信頼済みヘッダー
const (
	HeaderUserID    = "X-User-ID"
	HeaderUserRole  = "X-User-Role"
	HeaderSessionID = "X-Session-ID"
)

// Identity は前段の認証基盤が確認した利用者を表す。
type Identity struct {
	UserID    string
	Role      string
	SessionID string
}

type identityKey struct{}

// WithIdentity はctxに利用者情報を格納する。
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext はctxから利用者情報を取り出す。
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok && id.UserID != ""
}

// IdentityHeaders は信頼済みヘッダーから利用者情報を読み取ってctxに格納する。
// ヘッダーがない場合は匿名のまま次のハンドラに渡す。
func IdentityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(HeaderUserID))
		if userID == "" {
			next.ServeHTTP(w, r)
			return
		}
		id := Identity{
			UserID:    userID,
			Role:      strings.TrimSpace(r.Header.Get(HeaderUserRole)),
			SessionID: strings.TrimSpace(r.Header.Get(HeaderSessionID)),
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}
