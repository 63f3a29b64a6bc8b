package lock

import (
	"context"
	"crypto/sha256"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// GenerateLockID は文字列からロックIDを生成します
func GenerateLockID(parts ...string) int64 {
	h := sha256.New()
	for _, part := range parts {
		h.Write([]byte(part))
	}
	hash := h.Sum(nil)

	// ハッシュの最初の8バイトをint64として使用
	var id int64
	for i := range 8 {
		id = (id << 8) | int64(hash[i])
	}

	return id
}

// TryAcquire はPostgreSQLアドバイザリロックの取得を試みます
// トランザクションスコープのロック（pg_try_advisory_xact_lock）を使用するため、
// 取得済みロックはトランザクション終了時に自動的に解放される
// 別のワーカーが保持している場合は待機せず即座にfalseを返す
func TryAcquire(ctx context.Context, tx pgx.Tx, lockID int64) (bool, error) {
	var acquired bool
	if err := tx.QueryRow(ctx, "SELECT pg_try_advisory_xact_lock($1)", lockID).Scan(&acquired); err != nil {
		return false, fmt.Errorf("failed to try advisory lock: %w", err)
	}
	return acquired, nil
}
