package commands

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/loglens/loglens/internal/core/eviction"
)

// EvictRunAction はテナント1件分のEvictionを実行するコマンドのアクション
func EvictRunAction(ctx context.Context, cmd *cli.Command) error {
	tenantID, err := tenantIDFromFlag(cmd)
	if err != nil {
		return err
	}

	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	var opts []eviction.RunOption
	if maxAge := cmd.Duration("max-age"); maxAge > 0 {
		opts = append(opts, eviction.WithMaxAgeOverride(maxAge))
	}

	result, err := appCtx.Container.Eviction.RunOnce(ctx, tenantID, opts...)
	if err != nil {
		return fmt.Errorf("Evictionの実行に失敗: %w", err)
	}

	switch result.Outcome {
	case eviction.OutcomeCompleted:
		fmt.Printf("Eviction完了: %d件を削除しました（%s）\n", result.Evicted, result.Duration)
	case eviction.OutcomeLockDenied:
		fmt.Println("別のワーカーが実行中のためスキップしました")
	case eviction.OutcomeDisabled:
		fmt.Println("このテナントのEvictionは無効化されています")
	}
	return nil
}
