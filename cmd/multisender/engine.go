package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/term"

	"github.com/ligun0805/multisender/internal/config"
	"github.com/ligun0805/multisender/internal/dispatch"
	"github.com/ligun0805/multisender/internal/ledger"
	"github.com/ligun0805/multisender/internal/logx"
	"github.com/ligun0805/multisender/internal/progress"
	"github.com/ligun0805/multisender/internal/schedule"
)

// app is the loaded configuration plus the logger built from it.
type app struct {
	st     config.Settings
	log    logx.Logger
	closer io.Closer
}

func loadApp() (*app, error) {
	st, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log, closer := logx.New(logx.Config{Level: st.LogLevel, File: st.LogFile})
	return &app{st: st, log: log, closer: closer}, nil
}

func (a *app) Close() { _ = a.closer.Close() }

// withApp runs fn with a loaded app and closes it afterwards.
func withApp(fn func(ctx context.Context, a *app) error) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(ctx, a)
	}
}

// engine is everything a run needs, wired against a live node.
type engine struct {
	st       config.Settings
	log      logx.Logger
	client   *ledger.Client
	signer   *ledger.KeySigner
	chainID  *big.Int
	decimals int32
	window   schedule.Window
	progress *progress.Ledger
	quota    *dispatch.Quota
	seq      *dispatch.SequenceAllocator
	disp     *dispatch.Dispatcher
}

// openEngine validates configuration and connects. Every error it returns
// prevents a run from starting.
func openEngine(ctx context.Context, a *app) (*engine, error) {
	st := a.st
	if err := st.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration:\n%w", err)
	}
	loc, _ := st.Location()
	window, err := schedule.NewWindow(st.DayBoundary, loc)
	if err != nil {
		return nil, err
	}

	token := common.HexToAddress(st.TokenAddress)
	client, err := ledger.Dial(ctx, st.RPCURL, ledger.Options{
		Token:        token,
		RateLimit:    st.RPCRateLimit,
		PollInterval: st.PollInterval(),
		Log:          a.log,
	})
	if err != nil {
		return nil, err
	}
	e := &engine{st: st, log: a.log, client: client, window: window}
	ok := false
	defer func() {
		if !ok {
			e.Close()
		}
	}()

	if e.chainID, err = client.ChainID(ctx); err != nil {
		return nil, fmt.Errorf("ledger unreachable: %w", err)
	}
	if st.ChainID != "" && st.ChainID != e.chainID.String() {
		return nil, fmt.Errorf("chain_id %s does not match node chain %s", st.ChainID, e.chainID)
	}
	hasCode, err := client.HasCode(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("ledger unreachable: %w", err)
	}
	if !hasCode {
		return nil, fmt.Errorf("token address %s has no contract code on chain %s", token.Hex(), e.chainID)
	}
	if st.TokenDecimals >= 0 {
		e.decimals = int32(st.TokenDecimals)
	} else if e.decimals, err = client.Decimals(ctx); err != nil {
		return nil, fmt.Errorf("read token decimals: %w", err)
	}

	key := st.PrivateKeyHex
	if strings.TrimSpace(key) == "" {
		if key, err = promptKey(); err != nil {
			return nil, err
		}
	}
	if e.signer, err = ledger.NewKeySigner(key, e.chainID); err != nil {
		return nil, err
	}
	if st.SenderAddress != "" && common.HexToAddress(st.SenderAddress) != e.signer.Address() {
		return nil, fmt.Errorf("private key controls %s, not sender_address %s", e.signer.Address().Hex(), st.SenderAddress)
	}

	if e.progress, err = progress.Open(progress.Options{
		OutcomeLog:  st.OutcomeLog,
		SentSet:     st.SentSet,
		OutcomeDB:   st.OutcomeDB,
		WindowStart: window.Start(time.Now()),
		Resume:      st.ResumeSentSet,
	}, a.log); err != nil {
		return nil, err
	}
	if e.quota, err = dispatch.NewQuota(dispatch.QuotaLimits{
		MaxCount:  st.DailyQuotaCount,
		MaxAmount: config.Decimal(st.DailyQuotaAmount),
	}, progress.QuotaFile{Path: st.QuotaState}, window.Start); err != nil {
		return nil, err
	}

	e.seq = dispatch.NewSequenceAllocator(client, e.signer.Address(), a.log)
	fees := dispatch.NewFeeEstimator(client, dispatch.FeePolicy{
		Ceiling:   ledger.GweiToWei(config.Decimal(st.MaxFeeGwei)),
		TipFloor:  ledger.GweiToWei(config.Decimal(st.TipGwei)),
		BaseMul:   st.BasefeeMul,
		Growth:    st.FeeGrowth,
		BumpPct:   st.ReplaceBumpPct,
		CancelMul: st.CancelFeeMul,
	}, a.log)
	e.disp = dispatch.NewDispatcher(dispatch.DispatcherConfig{
		ChainID:        e.chainID,
		Token:          token,
		Decimals:       e.decimals,
		GasLimit:       st.GasLimit,
		BufferPct:      st.BufferPct,
		ConfirmTimeout: st.ConfirmTimeout(),
		CancelTimeout:  st.CancelTimeout(),
		SequenceWatch:  st.SequenceWatch(),
		PollInterval:   st.PollInterval(),
		Retry: dispatch.RetryPolicy{
			MaxRetries: st.MaxRetries,
			BaseDelay:  st.RetryBase(),
			MaxDelay:   st.RetryMax(),
			Jitter:     0.2,
		},
	}, client, e.signer, e.seq, fees, e.progress, a.log)

	a.log.Info("engine ready",
		logx.String("sender", e.signer.Address().Hex()),
		logx.String("token", token.Hex()),
		logx.String("chain", e.chainID.String()),
		logx.Int("decimals", int(e.decimals)),
	)
	ok = true
	return e, nil
}

func (e *engine) Close() {
	if e.progress != nil {
		if err := e.progress.Close(); err != nil {
			e.log.Warn("closing progress files", logx.Err(err))
		}
	}
	e.client.Close()
}

// run dispatches one list. A non-nil error is fatal for the run.
func (e *engine) run(ctx context.Context, list []dispatch.Recipient, waitForWindow bool) (dispatch.Summary, error) {
	if !e.st.ResumeSentSet {
		if err := e.progress.Reset(); err != nil {
			return dispatch.Summary{}, err
		}
	}
	s := dispatch.NewScheduler(dispatch.SchedulerConfig{
		BatchSize:     e.st.BatchSize,
		Concurrency:   e.st.Concurrency,
		Idle:          e.st.IdleInterval(),
		MinDelay:      e.st.MinDelay(),
		MaxDelay:      e.st.MaxDelay(),
		WaitForWindow: waitForWindow,
		Decimals:      e.decimals,
	}, dispatch.SchedulerDeps{
		Dispatcher: e.disp,
		Balances:   e.client,
		Sequence:   e.seq,
		Quota:      e.quota,
		Progress:   e.progress,
		Window:     e.window,
		Sender:     e.signer.Address(),
		Log:        e.log,
	})
	return s.Run(ctx, list)
}

func promptKey() (string, error) {
	if !term.IsTerminal(int(syscall.Stdin)) {
		return "", errors.New("private_key is not set and stdin is not a terminal")
	}
	fmt.Print("Sender private key: ")
	b, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("read private key: %w", err)
	}
	key := strings.TrimSpace(string(b))
	if key == "" {
		return "", errors.New("empty private key")
	}
	return key, nil
}
