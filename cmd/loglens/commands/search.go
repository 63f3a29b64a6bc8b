package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/loglens/loglens/internal/core/retrieval"
)

// SearchAction はハイブリッド検索を実行するコマンドのアクション
func SearchAction(ctx context.Context, cmd *cli.Command) error {
	tenantID, err := tenantIDFromFlag(cmd)
	if err != nil {
		return err
	}

	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	if err := appCtx.Container.StartKeywordIndexer(ctx); err != nil {
		return err
	}

	result, err := appCtx.Container.Retrieval.Search(ctx, retrieval.SearchParams{
		TenantID:      tenantID,
		Query:         cmd.String("query"),
		Limit:         cmd.Int("limit"),
		VectorWeight:  cmd.Float("vector-weight"),
		KeywordWeight: cmd.Float("keyword-weight"),
	})
	if errors.Is(err, retrieval.ErrHybridDisabled) {
		return fmt.Errorf("このテナントのハイブリッド検索は無効化されています（flags enable-hybrid で再有効化）: %w", err)
	}
	if err != nil {
		return fmt.Errorf("検索に失敗: %w", err)
	}

	if result.Degraded {
		fmt.Println("注意: キーワードレグが利用できなかったため、ベクトル検索のみの結果です")
	}
	if result.AutoDisabled {
		fmt.Println("注意: レイテンシ超過により、この検索を最後にハイブリッド検索が自動無効化されました")
	}

	fmt.Printf("クエリID: %s（%d件）\n\n", result.QueryID, len(result.Chunks))

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("順位", "チャンクID", "スコア", "ベクトル", "キーワード", "行範囲")
	for i, c := range result.Chunks {
		table.Append(
			fmt.Sprintf("%d", i+1),
			c.ChunkID.String(),
			fmt.Sprintf("%.4f", c.Score),
			fmt.Sprintf("%.4f", c.VectorScore),
			fmt.Sprintf("%.4f", c.KeywordScore),
			fmt.Sprintf("%d-%d", c.StartLine, c.EndLine),
		)
	}
	table.Render()

	if len(result.Citations) > 0 {
		fmt.Println("\n=== 引用 ===")
		for _, citation := range result.Citations {
			fmt.Printf("- [%s] セッション %s 行 %d-%d\n  %s\n",
				citation.ChunkID, citation.SessionID, citation.StartLine, citation.EndLine, citation.Preview)
		}
		if result.TruncatedSources {
			fmt.Println("（引用バジェット超過のため一部ソースを省略）")
		}
	}

	return nil
}
