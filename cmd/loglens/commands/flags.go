package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"
)

// FlagsShowAction はテナントの機能フラグを表示するコマンドのアクション
func FlagsShowAction(ctx context.Context, cmd *cli.Command) error {
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

	lastAutoDisabled := "-"
	if settings.LastAutoDisabledAt != nil {
		lastAutoDisabled = settings.LastAutoDisabledAt.Format("2006-01-02 15:04:05")
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("フラグ", "値")
	table.Append("キャッシュ", fmt.Sprintf("%t", settings.CachingEnabled))
	table.Append("Eviction", fmt.Sprintf("%t", settings.EvictionEnabled))
	table.Append("チャンク分割", fmt.Sprintf("%t", settings.ChunkingEnabled))
	table.Append("ハイブリッド検索", string(settings.HybridStatus))
	table.Append("最終自動無効化", lastAutoDisabled)
	table.Render()

	return nil
}

// FlagsSetAction はテナントの機能フラグを更新するコマンドのアクション
// ハイブリッド検索の状態は enable-hybrid / disable-hybrid でのみ変更できる
func FlagsSetAction(ctx context.Context, cmd *cli.Command) error {
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

	settings.CachingEnabled = cmd.Bool("caching")
	settings.EvictionEnabled = cmd.Bool("eviction")
	settings.ChunkingEnabled = cmd.Bool("chunking")

	if err := appCtx.Container.Flags.Update(ctx, settings); err != nil {
		return fmt.Errorf("機能フラグの更新に失敗: %w", err)
	}

	fmt.Printf("テナント %s の機能フラグを更新しました\n", tenantID)
	return nil
}

// EnableHybridAction はハイブリッド検索を再有効化するコマンドのアクション
func EnableHybridAction(ctx context.Context, cmd *cli.Command) error {
	tenantID, err := tenantIDFromFlag(cmd)
	if err != nil {
		return err
	}

	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	if err := appCtx.Container.Flags.EnableHybrid(ctx, tenantID); err != nil {
		return fmt.Errorf("ハイブリッド検索の有効化に失敗: %w", err)
	}

	fmt.Printf("テナント %s のハイブリッド検索を有効化しました\n", tenantID)
	return nil
}

// DisableHybridAction はハイブリッド検索を手動で無効化するコマンドのアクション
func DisableHybridAction(ctx context.Context, cmd *cli.Command) error {
	tenantID, err := tenantIDFromFlag(cmd)
	if err != nil {
		return err
	}

	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	if err := appCtx.Container.Flags.DisableHybridManual(ctx, tenantID); err != nil {
		return fmt.Errorf("ハイブリッド検索の無効化に失敗: %w", err)
	}

	fmt.Printf("テナント %s のハイブリッド検索を無効化しました\n", tenantID)
	return nil
}
