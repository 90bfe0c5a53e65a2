package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/stablepay/usdt-settlement/pkg/verification"
)

const (
	riskWindow      = 7 * 24 * time.Hour
	riskCacheTTL    = 10 * time.Minute
	riskCachePrefix = "risk:wallet:"

	// Score contributions per signal; 100 is the maximum.
	riskScoreHighVolume   = 30
	riskScoreHighVelocity = 25
	riskScoreRoundRatio   = 20
	riskScoreYoungWallet  = 25

	// Suspicious at or above this score.
	RiskThreshold = 70
)

var (
	riskVolumeLimit = decimal.NewFromInt(100000)
	riskTxLimit     = 200
	riskRoundRatio  = 0.9
	riskMinAge      = 24 * time.Hour
)

// RiskAssessment is the outcome of a suspicious-activity check on a payer
// wallet.
type RiskAssessment struct {
	Wallet     string    `json:"wallet"`
	Score      int       `json:"score"`
	Suspicious bool      `json:"suspicious"`
	Reasons    []string  `json:"reasons"`
	CheckedAt  time.Time `json:"checkedAt"`
}

// RiskAnalyzer scores payer wallets before a sweeper-verified payment is
// accepted. Scores are cached so repeated sweeps of the same payer do not
// burn explorer quota.
type RiskAnalyzer interface {
	Assess(ctx context.Context, wallet string) RiskAssessment
}

type RiskAnalyzerImpl struct {
	logger      *zap.Logger
	verifier    verification.Engine
	redisClient *redis.Client
	decimals    int32
	now         func() time.Time
}

func NewRiskAnalyzer(logger *zap.Logger, verifier verification.Engine, redisClient *redis.Client) RiskAnalyzer {
	return &RiskAnalyzerImpl{
		logger:      logger,
		verifier:    verifier,
		redisClient: redisClient,
		decimals:    18,
		now:         time.Now,
	}
}

// Assess never fails: when history cannot be fetched the wallet scores zero,
// because blocking settlement on a scoring outage would strand every order.
func (r *RiskAnalyzerImpl) Assess(ctx context.Context, wallet string) RiskAssessment {
	wallet = strings.ToLower(wallet)
	if cached, ok := r.fromCache(ctx, wallet); ok {
		return cached
	}

	assessment := RiskAssessment{Wallet: wallet, CheckedAt: r.now().UTC()}
	transfers := r.verifier.FindTokenTransfers(ctx, wallet, 0, 0)
	if len(transfers) == 0 {
		r.toCache(ctx, wallet, assessment)
		return assessment
	}

	now := r.now().UTC()
	var (
		volume     decimal.Decimal
		txCount    int
		roundCount int
		oldest     = now
	)
	for _, t := range transfers {
		ts := t.Time()
		if ts.IsZero() {
			continue
		}
		if ts.Before(oldest) {
			oldest = ts
		}
		if now.Sub(ts) > riskWindow {
			continue
		}
		txCount++
		amount := t.Amount(r.decimals)
		volume = volume.Add(amount.Abs())
		if amount.Equal(amount.Round(0)) {
			roundCount++
		}
	}

	if volume.GreaterThan(riskVolumeLimit) {
		assessment.Score += riskScoreHighVolume
		assessment.Reasons = append(assessment.Reasons, fmt.Sprintf("7d volume %s exceeds %s", volume.StringFixed(2), riskVolumeLimit.String()))
	}
	if txCount > riskTxLimit {
		assessment.Score += riskScoreHighVelocity
		assessment.Reasons = append(assessment.Reasons, fmt.Sprintf("%d transfers in 7d exceeds %d", txCount, riskTxLimit))
	}
	if txCount > 0 {
		if ratio := float64(roundCount) / float64(txCount); ratio > riskRoundRatio {
			assessment.Score += riskScoreRoundRatio
			assessment.Reasons = append(assessment.Reasons, fmt.Sprintf("%.0f%% of transfers are round amounts", ratio*100))
		}
	}
	if now.Sub(oldest) < riskMinAge {
		assessment.Score += riskScoreYoungWallet
		assessment.Reasons = append(assessment.Reasons, "wallet first seen less than a day ago")
	}
	assessment.Suspicious = assessment.Score >= RiskThreshold

	r.toCache(ctx, wallet, assessment)
	return assessment
}

func (r *RiskAnalyzerImpl) fromCache(ctx context.Context, wallet string) (RiskAssessment, bool) {
	if r.redisClient == nil {
		return RiskAssessment{}, false
	}
	raw, err := r.redisClient.Get(ctx, riskCachePrefix+wallet).Bytes()
	if err != nil {
		if err != redis.Nil {
			r.logger.Warn("risk cache read failed", zap.String("wallet", wallet), zap.Error(err))
		}
		return RiskAssessment{}, false
	}
	var assessment RiskAssessment
	if err = json.Unmarshal(raw, &assessment); err != nil {
		return RiskAssessment{}, false
	}
	return assessment, true
}

func (r *RiskAnalyzerImpl) toCache(ctx context.Context, wallet string, assessment RiskAssessment) {
	if r.redisClient == nil {
		return
	}
	raw, err := json.Marshal(assessment)
	if err != nil {
		return
	}
	if err = r.redisClient.Set(ctx, riskCachePrefix+wallet, raw, riskCacheTTL).Err(); err != nil {
		r.logger.Warn("risk cache write failed", zap.String("wallet", wallet), zap.Error(err))
	}
}
