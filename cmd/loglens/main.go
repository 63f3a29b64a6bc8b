package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/loglens/loglens/cmd/loglens/commands"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 構造化ログの設定
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	envFlag := &cli.StringFlag{
		Name:  "env",
		Usage: "環境変数ファイルパス",
		Value: ".env",
	}
	tenantFlag := &cli.StringFlag{
		Name:     "tenant",
		Usage:    "テナントID（UUID）",
		Required: true,
	}

	app := &cli.Command{
		Name:  "loglens",
		Usage: "ログ解析向けキャッシュ拡張ハイブリッド検索基盤",
		Commands: []*cli.Command{
			{
				Name:  "ingest",
				Usage: "ログセッションを取り込み、チャンク化してインデックスする",
				Flags: []cli.Flag{
					envFlag,
					tenantFlag,
					&cli.StringFlag{
						Name:  "session",
						Usage: "セッションID（UUID、省略時は新規発行）",
					},
					&cli.StringFlag{
						Name:  "model",
						Usage: "Embeddingモデル名",
						Value: "text-embedding-3-small",
					},
					&cli.StringFlag{
						Name:     "file",
						Usage:    "ログファイルパス",
						Required: true,
					},
					&cli.BoolFlag{
						Name:  "pii-scrubbed",
						Usage: "上流でのPIIスクラビング完了を確認済みとして扱う",
					},
				},
				Action: commands.IngestAction,
			},
			{
				Name:  "search",
				Usage: "ハイブリッド検索（ベクトル + キーワード）を実行する",
				Flags: []cli.Flag{
					envFlag,
					tenantFlag,
					&cli.StringFlag{
						Name:     "query",
						Usage:    "検索クエリ",
						Required: true,
					},
					&cli.IntFlag{
						Name:  "limit",
						Usage: "返却件数の上限",
						Value: 10,
					},
					&cli.FloatFlag{
						Name:  "vector-weight",
						Usage: "ベクトルレグの重み（keyword-weightとセットで指定）",
					},
					&cli.FloatFlag{
						Name:  "keyword-weight",
						Usage: "キーワードレグの重み（vector-weightとセットで指定）",
					},
				},
				Action: commands.SearchAction,
			},
			{
				Name:  "evict",
				Usage: "キャッシュEvictionコマンド",
				Commands: []*cli.Command{
					{
						Name:  "run",
						Usage: "テナントのコールドエントリ削除を1回実行する",
						Flags: []cli.Flag{
							envFlag,
							tenantFlag,
							&cli.DurationFlag{
								Name:  "max-age",
								Usage: "削除対象とする経過期間の上書き",
							},
						},
						Action: commands.EvictRunAction,
					},
				},
			},
			{
				Name:  "flags",
				Usage: "テナントの機能フラグ管理コマンド",
				Commands: []*cli.Command{
					{
						Name:   "show",
						Usage:  "フラグ一式を表示する",
						Flags:  []cli.Flag{envFlag, tenantFlag},
						Action: commands.FlagsShowAction,
					},
					{
						Name:  "set",
						Usage: "フラグを更新する",
						Flags: []cli.Flag{
							envFlag,
							tenantFlag,
							&cli.BoolFlag{Name: "caching", Usage: "Embeddingキャッシュの有効/無効", Value: true},
							&cli.BoolFlag{Name: "eviction", Usage: "キャッシュEvictionの有効/無効", Value: true},
							&cli.BoolFlag{Name: "chunking", Usage: "トークン認識チャンカーの有効/無効", Value: true},
						},
						Action: commands.FlagsSetAction,
					},
					{
						Name:   "enable-hybrid",
						Usage:  "ハイブリッド検索を再有効化する（自動無効化の唯一の復帰経路）",
						Flags:  []cli.Flag{envFlag, tenantFlag},
						Action: commands.EnableHybridAction,
					},
					{
						Name:   "disable-hybrid",
						Usage:  "ハイブリッド検索を手動で無効化する",
						Flags:  []cli.Flag{envFlag, tenantFlag},
						Action: commands.DisableHybridAction,
					},
				},
			},
			{
				Name:   "status",
				Usage:  "テナントの検索・キャッシュ状態を表示する",
				Flags:  []cli.Flag{envFlag, tenantFlag},
				Action: commands.StatusAction,
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
