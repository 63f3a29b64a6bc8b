package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"
)

// StatusAction はテナントの運用状態を一覧表示するコマンドのアクション
// ハイブリッド検索の状態、レイテンシ、キャッシュヒット率、キーワード索引の鮮度をまとめる
func StatusAction(ctx context.Context, cmd *cli.Command) error {
	tenantID, err := tenantIDFromFlag(cmd)
	if err != nil {
		return err
	}

	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	settings, err := appCtx.Container.Flags.Get(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("機能フラグの取得に失敗: %w", err)
	}

	latency := appCtx.Container.Retrieval.LatencySnapshot(tenantID)
	hitRate := appCtx.Container.Cache.HitRate(tenantID)

	// 引用カバレッジ比率は直近の監査レコードから導出する
	audits, err := appCtx.Container.AuditRepo.Recent(ctx, tenantID, 50)
	if err != nil {
		return fmt.Errorf("監査レコードの取得に失敗: %w", err)
	}
	var results, cited int
	for _, audit := range audits {
		results += audit.ResultCount
		cited += audit.CitationsReturned
	}
	citationCoverage := "-"
	if results > 0 {
		citationCoverage = fmt.Sprintf("%.1f%%", float64(cited)/float64(results)*100)
	}

	lastAutoDisabled := "-"
	if settings.LastAutoDisabledAt != nil {
		lastAutoDisabled = settings.LastAutoDisabledAt.Format("2006-01-02 15:04:05")
	}

	breaching := "-"
	if latency.BreachingFor > 0 {
		breaching = latency.BreachingFor.String()
	}

	keywordState := "最新"
	if appCtx.Container.Keyword.Stale() {
		keywordState = "陳腐化"
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("項目", "値")
	table.Append("ハイブリッド検索", string(settings.HybridStatus))
	table.Append("最終自動無効化", lastAutoDisabled)
	table.Append("ベースラインP95", latency.BaselineP95.String())
	table.Append("直近P95", latency.LiveP95.String())
	table.Append("レイテンシ標本数", fmt.Sprintf("%d", latency.SampleCount))
	table.Append("閾値超過継続時間", breaching)
	table.Append("引用カバレッジ比率", citationCoverage)
	table.Append("キャッシュヒット率", fmt.Sprintf("%.1f%%", hitRate*100))
	table.Append("キーワード索引", keywordState)
	table.Append("索引待ち文書数", fmt.Sprintf("%d", appCtx.Container.Keyword.PendingCount()))
	table.Append("索引の遅延", appCtx.Container.Keyword.IndexAge().String())
	table.Render()

	return nil
}
