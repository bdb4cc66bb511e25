package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Settings keeps all configuration options.
// Every field can come from the YAML file and be overridden by env.
type Settings struct {
	RPCURL        string `yaml:"rpc_url"`
	ChainID       string `yaml:"chain_id"` // empty: ask the node
	PrivateKeyHex string `yaml:"private_key"`
	SenderAddress string `yaml:"sender_address"`
	TokenAddress  string `yaml:"token_address"`
	TokenDecimals int    `yaml:"token_decimals"` // -1: read decimals()

	RecipientsCSV   string `yaml:"recipients_csv"`
	MinAmount       string `yaml:"min_amount"`
	MaxAmount       string `yaml:"max_amount"`
	AmountPrecision int    `yaml:"amount_precision"`
	Shuffle         bool   `yaml:"shuffle"`

	DailyQuotaCount  int    `yaml:"daily_quota_count"`
	DailyQuotaAmount string `yaml:"daily_quota_amount"`
	DayBoundary      string `yaml:"day_boundary"`
	Timezone         string `yaml:"timezone"`
	ResumeSentSet    bool   `yaml:"resume_sent_set"`

	BatchSize   int   `yaml:"batch_size"`
	Concurrency int   `yaml:"concurrency"`
	IdleSeconds int   `yaml:"idle_seconds"`
	MinDelayMS  int64 `yaml:"min_delay_ms"`
	MaxDelayMS  int64 `yaml:"max_delay_ms"`

	MaxFeeGwei     string  `yaml:"max_fee_gwei"`
	TipGwei        string  `yaml:"tip_gwei"`
	BasefeeMul     int64   `yaml:"basefee_mul"`
	FeeGrowth      float64 `yaml:"fee_growth"`
	ReplaceBumpPct int64   `yaml:"replace_bump_pct"`
	CancelFeeMul   float64 `yaml:"cancel_fee_mul"`
	GasLimit       uint64  `yaml:"gas_limit"`
	BufferPct      int64   `yaml:"buffer_pct"`

	ConfirmTimeoutSec int   `yaml:"confirm_timeout_sec"`
	CancelTimeoutSec  int   `yaml:"cancel_timeout_sec"`
	SequenceWatchSec  int   `yaml:"sequence_watch_sec"`
	PollIntervalMS    int64 `yaml:"poll_interval_ms"`
	MaxRetries        int   `yaml:"max_retries"`
	RetryBaseMS       int64 `yaml:"retry_base_ms"`
	RetryMaxMS        int64 `yaml:"retry_max_ms"`
	RPCRateLimit      int   `yaml:"rpc_rate_limit"`

	ScheduleAt string `yaml:"schedule_at"`

	OutcomeLog string `yaml:"outcome_log"`
	SentSet    string `yaml:"sent_set"`
	QuotaState string `yaml:"quota_state"`
	OutcomeDB  string `yaml:"outcome_db"`

	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`
}

// Defaults returns the settings used when neither file nor env set a key.
func Defaults() Settings {
	return Settings{
		TokenDecimals:     -1,
		RecipientsCSV:     "wallets.csv",
		MinAmount:         "5",
		MaxAmount:         "20",
		AmountPrecision:   6,
		DailyQuotaAmount:  "0",
		DayBoundary:       "00:00",
		Timezone:          "Local",
		ResumeSentSet:     true,
		BatchSize:         10,
		Concurrency:       2,
		IdleSeconds:       30,
		MinDelayMS:        500,
		MaxDelayMS:        2000,
		MaxFeeGwei:        "100",
		TipGwei:           "2",
		BasefeeMul:        2,
		FeeGrowth:         1.25,
		ReplaceBumpPct:    12,
		CancelFeeMul:      2,
		GasLimit:          100000,
		BufferPct:         5,
		ConfirmTimeoutSec: 120,
		CancelTimeoutSec:  90,
		SequenceWatchSec:  300,
		PollIntervalMS:    2000,
		MaxRetries:        3,
		RetryBaseMS:       2000,
		RetryMaxMS:        30000,
		RPCRateLimit:      10,
		ScheduleAt:        "09:00",
		OutcomeLog:        "outcomes.csv",
		SentSet:           "sent_today.txt",
		QuotaState:        "quota_state.json",
		LogLevel:          "info",
	}
}

// Load reads settings: defaults, then the YAML file at path (if any), then
// environment overrides supporting both UPPER_CASE and lower_case keys.
func Load(path string) (Settings, error) {
	st := Defaults()
	if path = strings.TrimSpace(path); path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return st, fmt.Errorf("read config: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, &st); err != nil {
				return st, fmt.Errorf("parse config: %w", err)
			}
		}
	}
	applyEnv(&st)
	return st, nil
}

func applyEnv(st *Settings) {
	get := func(keys []string, def string) string {
		for _, k := range keys {
			if v := strings.TrimSpace(os.Getenv(k)); v != "" {
				return v
			}
		}
		return def
	}
	getInt := func(keys []string, def int) int {
		s := get(keys, "")
		if s == "" {
			return def
		}
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
		return def
	}
	getInt64 := func(keys []string, def int64) int64 {
		s := get(keys, "")
		if s == "" {
			return def
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
		return def
	}
	getUint64 := func(keys []string, def uint64) uint64 {
		s := get(keys, "")
		if s == "" {
			return def
		}
		if n, err := strconv.ParseUint(s, 10, 64); err == nil {
			return n
		}
		return def
	}
	getFloat := func(keys []string, def float64) float64 {
		s := get(keys, "")
		if s == "" {
			return def
		}
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			return n
		}
		return def
	}
	getBool := func(keys []string, def bool) bool {
		s := strings.ToLower(get(keys, ""))
		if s == "" {
			return def
		}
		return s == "1" || s == "true" || s == "yes" || s == "on"
	}

	st.RPCURL = get([]string{"rpc_url", "RPC_URL", "INFURA_URL"}, st.RPCURL)
	st.ChainID = get([]string{"chain_id", "CHAIN_ID"}, st.ChainID)
	st.PrivateKeyHex = get([]string{"private_key", "PRIVATE_KEY"}, st.PrivateKeyHex)
	st.SenderAddress = get([]string{"sender_address", "SENDER_ADDRESS"}, st.SenderAddress)
	st.TokenAddress = get([]string{"token_address", "TOKEN_ADDRESS"}, st.TokenAddress)
	st.TokenDecimals = getInt([]string{"token_decimals", "TOKEN_DECIMALS"}, st.TokenDecimals)

	st.RecipientsCSV = get([]string{"recipients_csv", "RECIPIENTS_CSV"}, st.RecipientsCSV)
	st.MinAmount = get([]string{"min_amount", "MIN_AMOUNT"}, st.MinAmount)
	st.MaxAmount = get([]string{"max_amount", "MAX_AMOUNT"}, st.MaxAmount)
	st.AmountPrecision = getInt([]string{"amount_precision", "AMOUNT_PRECISION"}, st.AmountPrecision)
	st.Shuffle = getBool([]string{"shuffle", "SHUFFLE"}, st.Shuffle)

	st.DailyQuotaCount = getInt([]string{"daily_quota_count", "DAILY_QUOTA_COUNT"}, st.DailyQuotaCount)
	st.DailyQuotaAmount = get([]string{"daily_quota_amount", "DAILY_QUOTA_AMOUNT"}, st.DailyQuotaAmount)
	st.DayBoundary = get([]string{"day_boundary", "DAY_BOUNDARY"}, st.DayBoundary)
	st.Timezone = get([]string{"timezone", "TIMEZONE"}, st.Timezone)
	st.ResumeSentSet = getBool([]string{"resume_sent_set", "RESUME_SENT_SET"}, st.ResumeSentSet)

	st.BatchSize = getInt([]string{"batch_size", "BATCH_SIZE"}, st.BatchSize)
	st.Concurrency = getInt([]string{"concurrency", "CONCURRENCY"}, st.Concurrency)
	st.IdleSeconds = getInt([]string{"idle_seconds", "IDLE_SECONDS"}, st.IdleSeconds)
	st.MinDelayMS = getInt64([]string{"min_delay_ms", "MIN_DELAY_MS"}, st.MinDelayMS)
	st.MaxDelayMS = getInt64([]string{"max_delay_ms", "MAX_DELAY_MS"}, st.MaxDelayMS)

	st.MaxFeeGwei = get([]string{"max_fee_gwei", "MAX_FEE_GWEI"}, st.MaxFeeGwei)
	st.TipGwei = get([]string{"tip_gwei", "TIP_GWEI"}, st.TipGwei)
	st.BasefeeMul = getInt64([]string{"basefee_mul", "BASEFEE_MUL", "BASE_MUL"}, st.BasefeeMul)
	st.FeeGrowth = getFloat([]string{"fee_growth", "FEE_GROWTH", "TIP_MUL"}, st.FeeGrowth)
	st.ReplaceBumpPct = getInt64([]string{"replace_bump_pct", "REPLACE_BUMP_PCT"}, st.ReplaceBumpPct)
	st.CancelFeeMul = getFloat([]string{"cancel_fee_mul", "CANCEL_FEE_MUL"}, st.CancelFeeMul)
	st.GasLimit = getUint64([]string{"gas_limit", "GAS_LIMIT"}, st.GasLimit)
	st.BufferPct = getInt64([]string{"buffer_pct", "BUFFER_PCT"}, st.BufferPct)

	st.ConfirmTimeoutSec = getInt([]string{"confirm_timeout_sec", "CONFIRM_TIMEOUT_SEC"}, st.ConfirmTimeoutSec)
	st.CancelTimeoutSec = getInt([]string{"cancel_timeout_sec", "CANCEL_TIMEOUT_SEC"}, st.CancelTimeoutSec)
	st.SequenceWatchSec = getInt([]string{"sequence_watch_sec", "SEQUENCE_WATCH_SEC"}, st.SequenceWatchSec)
	st.PollIntervalMS = getInt64([]string{"poll_interval_ms", "POLL_INTERVAL_MS"}, st.PollIntervalMS)
	st.MaxRetries = getInt([]string{"max_retries", "MAX_RETRIES"}, st.MaxRetries)
	st.RetryBaseMS = getInt64([]string{"retry_base_ms", "RETRY_BASE_MS"}, st.RetryBaseMS)
	st.RetryMaxMS = getInt64([]string{"retry_max_ms", "RETRY_MAX_MS"}, st.RetryMaxMS)
	st.RPCRateLimit = getInt([]string{"rpc_rate_limit", "RPC_RATE_LIMIT"}, st.RPCRateLimit)

	st.ScheduleAt = get([]string{"schedule_at", "SCHEDULE_AT"}, st.ScheduleAt)

	st.OutcomeLog = get([]string{"outcome_log", "OUTCOME_LOG"}, st.OutcomeLog)
	st.SentSet = get([]string{"sent_set", "SENT_SET"}, st.SentSet)
	st.QuotaState = get([]string{"quota_state", "QUOTA_STATE"}, st.QuotaState)
	st.OutcomeDB = get([]string{"outcome_db", "OUTCOME_DB"}, st.OutcomeDB)

	st.LogLevel = get([]string{"log_level", "LOG_LEVEL"}, st.LogLevel)
	st.LogFile = get([]string{"log_file", "LOG_FILE"}, st.LogFile)
}

// Validate reports every problem found, joined. The private key is checked
// separately by the caller since it may be prompted for.
func (s Settings) Validate() error {
	var errs []error
	bad := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if strings.TrimSpace(s.RPCURL) == "" {
		bad("rpc_url is required")
	}
	if !common.IsHexAddress(s.TokenAddress) {
		bad("token_address %q is not a valid address", s.TokenAddress)
	}
	if s.SenderAddress != "" && !common.IsHexAddress(s.SenderAddress) {
		bad("sender_address %q is not a valid address", s.SenderAddress)
	}
	if s.ChainID != "" {
		if _, err := strconv.ParseUint(s.ChainID, 10, 64); err != nil {
			bad("chain_id %q is not a number", s.ChainID)
		}
	}
	if s.TokenDecimals > 77 {
		bad("token_decimals %d out of range", s.TokenDecimals)
	}
	minA, errMin := decimal.NewFromString(s.MinAmount)
	maxA, errMax := decimal.NewFromString(s.MaxAmount)
	switch {
	case errMin != nil:
		bad("min_amount %q: %w", s.MinAmount, errMin)
	case errMax != nil:
		bad("max_amount %q: %w", s.MaxAmount, errMax)
	case !minA.IsPositive():
		bad("min_amount must be positive")
	case maxA.LessThan(minA):
		bad("max_amount %s below min_amount %s", maxA, minA)
	}
	if s.AmountPrecision < 0 || s.AmountPrecision > 18 {
		bad("amount_precision %d out of range", s.AmountPrecision)
	}
	if q, err := decimal.NewFromString(s.DailyQuotaAmount); err != nil || q.IsNegative() {
		bad("daily_quota_amount %q is not a non-negative number", s.DailyQuotaAmount)
	}
	if s.DailyQuotaCount < 0 {
		bad("daily_quota_count must not be negative")
	}
	if s.BatchSize <= 0 {
		bad("batch_size must be positive")
	}
	if s.Concurrency <= 0 {
		bad("concurrency must be positive")
	}
	if s.IdleSeconds < 0 {
		bad("idle_seconds must not be negative")
	}
	if s.MinDelayMS < 0 || s.MaxDelayMS < s.MinDelayMS {
		bad("delay range [%d,%d] ms is invalid", s.MinDelayMS, s.MaxDelayMS)
	}
	if g, err := decimal.NewFromString(s.MaxFeeGwei); err != nil || !g.IsPositive() {
		bad("max_fee_gwei %q must be a positive number", s.MaxFeeGwei)
	}
	if g, err := decimal.NewFromString(s.TipGwei); err != nil || g.IsNegative() {
		bad("tip_gwei %q must be a non-negative number", s.TipGwei)
	}
	if s.BasefeeMul < 1 {
		bad("basefee_mul must be at least 1")
	}
	if s.FeeGrowth < 1 {
		bad("fee_growth must be at least 1")
	}
	if s.CancelFeeMul < 1 {
		bad("cancel_fee_mul must be at least 1")
	}
	if s.ReplaceBumpPct < 0 {
		bad("replace_bump_pct must not be negative")
	}
	if s.GasLimit < 21000 {
		bad("gas_limit %d below 21000", s.GasLimit)
	}
	if s.ConfirmTimeoutSec <= 0 || s.CancelTimeoutSec <= 0 || s.SequenceWatchSec <= 0 {
		bad("confirmation, cancellation and sequence watch timeouts must be positive")
	}
	if s.PollIntervalMS <= 0 {
		bad("poll_interval_ms must be positive")
	}
	if s.MaxRetries <= 0 {
		bad("max_retries must be positive")
	}
	if s.RetryBaseMS < 0 || s.RetryMaxMS < s.RetryBaseMS {
		bad("retry backoff range [%d,%d] ms is invalid", s.RetryBaseMS, s.RetryMaxMS)
	}
	if _, err := s.Location(); err != nil {
		bad("timezone %q: %w", s.Timezone, err)
	}
	if strings.TrimSpace(s.OutcomeLog) == "" || strings.TrimSpace(s.SentSet) == "" || strings.TrimSpace(s.QuotaState) == "" {
		bad("outcome_log, sent_set and quota_state paths are required")
	}
	return errors.Join(errs...)
}

// Location resolves Timezone; "Local" and "" mean the host zone.
func (s Settings) Location() (*time.Location, error) {
	if s.Timezone == "" || strings.EqualFold(s.Timezone, "local") {
		return time.Local, nil
	}
	return time.LoadLocation(s.Timezone)
}

// Decimal parses a validated decimal field, returning zero for bad input.
func Decimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (s Settings) IdleInterval() time.Duration { return time.Duration(s.IdleSeconds) * time.Second }
func (s Settings) MinDelay() time.Duration     { return time.Duration(s.MinDelayMS) * time.Millisecond }
func (s Settings) MaxDelay() time.Duration     { return time.Duration(s.MaxDelayMS) * time.Millisecond }
func (s Settings) ConfirmTimeout() time.Duration {
	return time.Duration(s.ConfirmTimeoutSec) * time.Second
}
func (s Settings) CancelTimeout() time.Duration { return time.Duration(s.CancelTimeoutSec) * time.Second }
func (s Settings) SequenceWatch() time.Duration { return time.Duration(s.SequenceWatchSec) * time.Second }
func (s Settings) PollInterval() time.Duration  { return time.Duration(s.PollIntervalMS) * time.Millisecond }
func (s Settings) RetryBase() time.Duration     { return time.Duration(s.RetryBaseMS) * time.Millisecond }
func (s Settings) RetryMax() time.Duration      { return time.Duration(s.RetryMaxMS) * time.Millisecond }
