package commands

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/loglens/loglens/internal/core/ingestion"
)

// IngestAction はログセッションを取り込むコマンドのアクション
func IngestAction(ctx context.Context, cmd *cli.Command) error {
	tenantID, err := tenantIDFromFlag(cmd)
	if err != nil {
		return err
	}

	sessionID := uuid.New()
	if s := cmd.String("session"); s != "" {
		sessionID, err = uuid.Parse(s)
		if err != nil {
			return fmt.Errorf("セッションIDのパースに失敗: %w", err)
		}
	}

	content, err := os.ReadFile(cmd.String("file"))
	if err != nil {
		return fmt.Errorf("ログファイルの読み込みに失敗: %w", err)
	}

	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	if err := appCtx.Container.StartKeywordIndexer(ctx); err != nil {
		return err
	}

	result, err := appCtx.Container.Ingestion.Ingest(ctx, ingestion.IngestParams{
		TenantID:    tenantID,
		SessionID:   sessionID,
		Model:       cmd.String("model"),
		Content:     string(content),
		PIIScrubbed: cmd.Bool("pii-scrubbed"),
	})
	if err != nil {
		return fmt.Errorf("取り込みに失敗: %w", err)
	}

	fmt.Printf("セッション %s の取り込みが完了しました（状態: %s）\n\n", sessionID, result.Status)

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("項目", "値")
	table.Append("チャンク総数", fmt.Sprintf("%d", result.ChunksTotal))
	table.Append("受理", fmt.Sprintf("%d", result.ChunksAccepted))
	table.Append("品質ゲート棄却", fmt.Sprintf("%d", result.ChunksRejected))
	table.Append("キャッシュヒット", fmt.Sprintf("%d", result.CacheHits))
	table.Append("キャッシュミス", fmt.Sprintf("%d", result.CacheMisses))
	table.Append("公開済み", fmt.Sprintf("%d", result.Published))
	table.Append("処理時間", result.Duration.String())
	table.Render()

	if result.ChunksRejected > 0 {
		records, err := appCtx.Container.QualityRepo.ListBySession(ctx, tenantID, sessionID)
		if err != nil {
			return fmt.Errorf("品質レコードの取得に失敗: %w", err)
		}
		fmt.Println("\n=== 品質ゲート棄却の内訳 ===")
		for _, record := range records {
			if record.Accepted {
				continue
			}
			fmt.Printf("- チャンク %s（印字可能比率 %.2f）: %s\n",
				record.ChunkID, record.PrintableRatio, strings.Join(record.Warnings, "; "))
		}
	}

	return nil
}
