package eviction

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/loglens/loglens/pkg/models"
)

// Outcome はEviction実行1回分の結末を表します
// 状態機械は Idle → Running → Idle、または Idle → LockDenied → Idle
type Outcome string

const (
	// OutcomeCompleted は削除パスが完了したことを表す
	OutcomeCompleted Outcome = "completed"
	// OutcomeLockDenied は別ワーカーがロックを保持していたため
	// 即座にスキップしたことを表す（エラーではなく情報）
	OutcomeLockDenied Outcome = "lock_denied"
	// OutcomeDisabled はテナントのEvictionフラグが無効だったことを表す
	OutcomeDisabled Outcome = "disabled"
)

// Result はEviction実行1回分の結果です
type Result struct {
	Outcome  Outcome
	Evicted  int64
	Duration time.Duration
}

// Policy はEvictionのポリシー設定を表します
type Policy struct {
	// MaxAge を超えて hit_count=0 のままのエントリが削除対象
	MaxAge time.Duration
	// HitRateThreshold に達したテナントはスケジュール外でもトリガーされる
	HitRateThreshold float64
	// CronSchedule は定期実行のスケジュール（cron形式）
	CronSchedule string
}

// DefaultPolicy はデフォルトのEvictionポリシーを返します
func DefaultPolicy() Policy {
	return Policy{
		MaxAge:           90 * 24 * time.Hour,
		HitRateThreshold: 0.30,
		CronSchedule:     "0 3 * * *",
	}
}

// Store はコールドエントリの削除パスを提供するインターフェース
type Store interface {
	// EvictColdEntries はテナントスコープのアドバイザリロックの取得を試み、
	// 取得できた場合のみ hit_count=0 かつ olderThan より古いエントリを削除する
	// 戻り値は (削除件数, ロック取得可否, エラー)
	// ロックが取れない場合は待機せず (0, false, nil) を返す
	EvictColdEntries(ctx context.Context, tenantID uuid.UUID, olderThan time.Time) (int64, bool, error)
}

// FlagReader はテナントのEvictionフラグを参照するインターフェース
type FlagReader interface {
	Get(ctx context.Context, tenantID uuid.UUID) (*models.FeatureFlagSettings, error)
}

// HitRateSource はテナントのローリングヒット率を参照するインターフェース
type HitRateSource interface {
	HitRate(tenantID uuid.UUID) float64
}

// Telemetry はEvictionのメトリクスを記録するインターフェース
type Telemetry interface {
	RecordEviction(tenantID uuid.UUID, outcome string, evicted int64)
}

// Scheduler はキャッシュEvictionのバックグラウンドジョブです
// リクエスト処理パスとは完全に非同期で動作し、
// ロックは削除パスの間だけ保持される
type Scheduler struct {
	store     Store
	flags     FlagReader
	hitRates  HitRateSource
	policy    Policy
	cron      *cron.Cron
	logger    *slog.Logger
	telemetry Telemetry
	now       func() time.Time

	// ヒット率トリガーの多重起動防止
	mu       sync.Mutex
	inflight map[uuid.UUID]bool

	// cronトリガーの対象テナント
	tenants []uuid.UUID
}

type schedulerOptions struct {
	logger    *slog.Logger
	telemetry Telemetry
	now       func() time.Time
	tenants   []uuid.UUID
}

// SchedulerOption はSchedulerのオプション設定
type SchedulerOption func(*schedulerOptions)

// WithLogger はロガーを設定する
func WithLogger(logger *slog.Logger) SchedulerOption {
	return func(o *schedulerOptions) {
		o.logger = logger
	}
}

// WithTelemetry はメトリクス記録先を設定する
func WithTelemetry(t Telemetry) SchedulerOption {
	return func(o *schedulerOptions) {
		o.telemetry = t
	}
}

// WithClock は現在時刻の取得関数を差し替える（テスト用）
func WithClock(now func() time.Time) SchedulerOption {
	return func(o *schedulerOptions) {
		o.now = now
	}
}

// WithScheduledTenants はcronトリガーの対象テナントを設定する
func WithScheduledTenants(tenants ...uuid.UUID) SchedulerOption {
	return func(o *schedulerOptions) {
		o.tenants = tenants
	}
}

// NewScheduler は新しいSchedulerを作成します
func NewScheduler(store Store, flags FlagReader, hitRates HitRateSource, policy Policy, opts ...SchedulerOption) *Scheduler {
	options := schedulerOptions{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if policy.MaxAge <= 0 {
		policy.MaxAge = DefaultPolicy().MaxAge
	}

	return &Scheduler{
		store:     store,
		flags:     flags,
		hitRates:  hitRates,
		policy:    policy,
		cron:      cron.New(),
		logger:    options.logger,
		telemetry: options.telemetry,
		now:       options.now,
		inflight:  make(map[uuid.UUID]bool),
		tenants:   options.tenants,
	}
}

// Start はcronスケジュールによる定期実行を開始します
func (s *Scheduler) Start(ctx context.Context) error {
	if s.policy.CronSchedule == "" {
		return nil
	}
	_, err := s.cron.AddFunc(s.policy.CronSchedule, func() {
		for _, tenantID := range s.tenants {
			if _, err := s.RunOnce(ctx, tenantID); err != nil {
				s.logger.Error("Evictionジョブの実行に失敗", "tenantID", tenantID, "error", err)
			}
		}
	})
	if err != nil {
		return fmt.Errorf("failed to register eviction cron job: %w", err)
	}
	s.cron.Start()
	return nil
}

// Stop は定期実行を停止し、進行中のジョブの完了を待ちます
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// RunOption はRunOnceのオプション設定
type RunOption func(*runOptions)

type runOptions struct {
	maxAge time.Duration
}

// WithMaxAgeOverride は管理者操作によるTTL上書きを指定する
func WithMaxAgeOverride(maxAge time.Duration) RunOption {
	return func(o *runOptions) {
		o.maxAge = maxAge
	}
}

// RunOnce はテナント1件分のEvictionを実行します
// ロックが取れない場合はリトライせず即座にLockDeniedで戻る
func (s *Scheduler) RunOnce(ctx context.Context, tenantID uuid.UUID, opts ...RunOption) (*Result, error) {
	options := runOptions{maxAge: s.policy.MaxAge}
	for _, opt := range opts {
		opt(&options)
	}

	settings, err := s.flags.Get(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to read eviction flag: %w", err)
	}
	if !settings.EvictionEnabled {
		s.record(tenantID, OutcomeDisabled, 0)
		return &Result{Outcome: OutcomeDisabled}, nil
	}

	start := s.now()
	olderThan := start.Add(-options.maxAge)

	evicted, acquired, err := s.store.EvictColdEntries(ctx, tenantID, olderThan)
	if err != nil {
		return nil, fmt.Errorf("eviction pass failed: %w", err)
	}
	if !acquired {
		s.logger.Info("Evictionロックが取得できないためスキップ", "tenantID", tenantID)
		s.record(tenantID, OutcomeLockDenied, 0)
		return &Result{Outcome: OutcomeLockDenied, Duration: s.now().Sub(start)}, nil
	}

	result := &Result{
		Outcome:  OutcomeCompleted,
		Evicted:  evicted,
		Duration: s.now().Sub(start),
	}
	s.logger.Info("Eviction完了",
		"tenantID", tenantID,
		"evicted", evicted,
		"olderThan", olderThan,
		"duration", result.Duration,
	)
	s.record(tenantID, OutcomeCompleted, evicted)
	return result, nil
}

// MaybeTriggerByHitRate はキャッシュ参照後に呼ばれ、
// ローリングヒット率がしきい値に達したテナントのEvictionを非同期に起動します
// 同一テナントの多重起動はスキップされる
func (s *Scheduler) MaybeTriggerByHitRate(ctx context.Context, tenantID uuid.UUID) {
	if s.hitRates == nil || s.policy.HitRateThreshold <= 0 {
		return
	}
	if s.hitRates.HitRate(tenantID) < s.policy.HitRateThreshold {
		return
	}

	s.mu.Lock()
	if s.inflight[tenantID] {
		s.mu.Unlock()
		return
	}
	s.inflight[tenantID] = true
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.inflight, tenantID)
			s.mu.Unlock()
		}()
		if _, err := s.RunOnce(ctx, tenantID); err != nil {
			s.logger.Error("ヒット率トリガーのEvictionに失敗", "tenantID", tenantID, "error", err)
		}
	}()
}

func (s *Scheduler) record(tenantID uuid.UUID, outcome Outcome, evicted int64) {
	if s.telemetry != nil {
		s.telemetry.RecordEviction(tenantID, string(outcome), evicted)
	}
}
