package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/ligun0805/multisender/internal/config"
	"github.com/ligun0805/multisender/internal/dispatch"
	"github.com/ligun0805/multisender/internal/ledger"
	"github.com/ligun0805/multisender/internal/logx"
	"github.com/ligun0805/multisender/internal/progress"
	"github.com/ligun0805/multisender/internal/recipients"
	"github.com/ligun0805/multisender/internal/schedule"
)

func runE(fn func(ctx context.Context, a *app) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return withApp(fn)(cmd.Context())
	}
}

// loadRecipients reads the recipients CSV and draws an amount for every row
// that does not carry one.
func loadRecipients(a *app, shuffle bool) ([]dispatch.Recipient, error) {
	entries, err := recipients.LoadCSV(a.st.RecipientsCSV, a.log)
	if err != nil {
		return nil, err
	}
	drawer := recipients.AmountDrawer{
		Min:       config.Decimal(a.st.MinAmount),
		Max:       config.Decimal(a.st.MaxAmount),
		Precision: int32(a.st.AmountPrecision),
	}
	if err := drawer.Validate(); err != nil {
		return nil, err
	}
	list := recipients.Assign(entries, drawer)
	if shuffle || a.st.Shuffle {
		recipients.Shuffle(list, nil)
	}
	return list, nil
}

func runCmd() *cobra.Command {
	var shuffle, wait bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Dispatch the recipients list once",
		RunE: runE(func(ctx context.Context, a *app) error {
			list, err := loadRecipients(a, shuffle)
			if err != nil {
				return err
			}
			e, err := openEngine(ctx, a)
			if err != nil {
				return err
			}
			defer e.Close()
			sum, err := e.run(ctx, list, wait)
			printSummary(sum, e.decimals)
			return err
		}),
	}
	cmd.Flags().BoolVar(&shuffle, "shuffle", false, "Shuffle recipients before dispatch")
	cmd.Flags().BoolVar(&wait, "wait-window", false, "Sleep into the next quota window instead of deferring")
	return cmd
}

func retryFailedCmd() *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "retry-failed",
		Short: "Dispatch again every recipient whose latest outcome is FAILED",
		RunE: runE(func(ctx context.Context, a *app) error {
			records, err := progress.ReadOutcomes(a.st.OutcomeLog)
			if err != nil {
				return err
			}
			list := progress.FailedRecipients(records)
			if len(list) == 0 {
				fmt.Println("No failed recipients in", a.st.OutcomeLog)
				return nil
			}
			fmt.Printf("Retrying %d failed recipient(s)\n", len(list))
			e, err := openEngine(ctx, a)
			if err != nil {
				return err
			}
			defer e.Close()
			sum, err := e.run(ctx, list, wait)
			printSummary(sum, e.decimals)
			return err
		}),
	}
	cmd.Flags().BoolVar(&wait, "wait-window", false, "Sleep into the next quota window instead of deferring")
	return cmd
}

func scheduleCmd() *cobra.Command {
	var (
		at          string
		skipInitial bool
		shuffle     bool
	)
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run now, then once a day at the configured time",
		RunE: runE(func(ctx context.Context, a *app) error {
			if at == "" {
				at = a.st.ScheduleAt
			}
			loc, err := a.st.Location()
			if err != nil {
				return fmt.Errorf("timezone: %w", err)
			}
			e, err := openEngine(ctx, a)
			if err != nil {
				return err
			}
			defer e.Close()

			once := func() error {
				list, err := loadRecipients(a, shuffle)
				if err != nil {
					return err
				}
				sum, err := e.run(ctx, list, false)
				printSummary(sum, e.decimals)
				return err
			}
			if !skipInitial {
				if err := once(); err != nil {
					return err
				}
			}

			daily, err := schedule.NewDaily(at, loc, func() {
				if ctx.Err() != nil {
					return
				}
				if err := once(); err != nil {
					a.log.Error("scheduled run failed", logx.Err(err))
				}
			}, a.log)
			if err != nil {
				return err
			}
			daily.Start()
			fmt.Println("Next run:", daily.Next().Format(time.RFC1123))
			<-ctx.Done()
			daily.Stop()
			return nil
		}),
	}
	cmd.Flags().StringVar(&at, "at", "", "Daily run time HH:MM (default schedule_at)")
	cmd.Flags().BoolVar(&skipInitial, "skip-initial", false, "Do not run immediately on start")
	cmd.Flags().BoolVar(&shuffle, "shuffle", false, "Shuffle recipients before each run")
	return cmd
}

func logCmd() *cobra.Command {
	var (
		status string
		limit  int
		latest bool
		stats  bool
	)
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show recorded outcomes",
		RunE: runE(func(ctx context.Context, a *app) error {
			if stats {
				return printStats(a.st.OutcomeDB)
			}
			records, err := progress.ReadOutcomes(a.st.OutcomeLog)
			if err != nil {
				return err
			}
			if latest {
				records = progress.LatestByRecipient(records)
			}
			if status != "" {
				want := dispatch.Status(strings.ToUpper(status))
				filtered := records[:0]
				for _, r := range records {
					if r.Status == want {
						filtered = append(filtered, r)
					}
				}
				records = filtered
			}
			if limit > 0 && len(records) > limit {
				records = records[len(records)-limit:]
			}
			printRecords(os.Stdout, records)
			return nil
		}),
	}
	cmd.Flags().StringVar(&status, "status", "", "Only show this status (CONFIRMED, FAILED, ...)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Show only the last N rows")
	cmd.Flags().BoolVar(&latest, "latest", false, "Only the latest outcome per recipient")
	cmd.Flags().BoolVar(&stats, "stats", false, "Count outcomes by status from outcome_db")
	return cmd
}

func printStats(path string) error {
	if path == "" {
		return errors.New("outcome_db is not configured")
	}
	m, err := progress.OpenSQLiteMirror(path)
	if err != nil {
		return err
	}
	defer m.Close()
	counts, err := m.CountByStatus()
	if err != nil {
		return err
	}
	for _, st := range []dispatch.Status{
		dispatch.StatusConfirmed, dispatch.StatusFailed, dispatch.StatusReplaced,
		dispatch.StatusRejected, dispatch.StatusDeferred,
	} {
		fmt.Printf("%-10s %d\n", st, counts[string(st)])
	}
	return nil
}

func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration and validate it",
		RunE: runE(func(ctx context.Context, a *app) error {
			printConfig(a.st)
			if err := a.st.Validate(); err != nil {
				return fmt.Errorf("invalid configuration:\n%w", err)
			}
			fmt.Println("Configuration OK")
			return nil
		}),
	}
}

func netCmd() *cobra.Command {
	var blocks int
	cmd := &cobra.Command{
		Use:   "net",
		Short: "Show fee market state and the projected cost of a transfer",
		RunE: runE(func(ctx context.Context, a *app) error {
			token := common.HexToAddress(a.st.TokenAddress)
			client, err := ledger.Dial(ctx, a.st.RPCURL, ledger.Options{
				Token:     token,
				RateLimit: a.st.RPCRateLimit,
				Log:       a.log,
			})
			if err != nil {
				return err
			}
			defer client.Close()
			return printNetworkState(ctx, client, a.st, blocks)
		}),
	}
	cmd.Flags().IntVar(&blocks, "blocks", 100, "Blocks of fee history to aggregate")
	return cmd
}

func printNetworkState(ctx context.Context, c *ledger.Client, st config.Settings, blocks int) error {
	chainID, err := c.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("ledger unreachable: %w", err)
	}
	baseFee, err := c.BaseFee(ctx)
	if err != nil {
		return err
	}
	fmt.Println("[net] chain id       :", chainID)
	fmt.Printf("[net] baseFee(now)   : %s gwei\n", ledger.FormatGwei(baseFee))

	pcts := []int{50, 95, 99}
	snap, err := c.FeeHistory(ctx, blocks, pcts)
	maxTip := big.NewInt(0)
	if err != nil {
		fmt.Println("[net] feeHistory error:", err)
	} else {
		if snap.NextBaseFee != nil {
			fmt.Printf("[net] baseFee(next)  : %s gwei\n", ledger.FormatGwei(snap.NextBaseFee))
		}
		fmt.Printf("[net] reward stats last %d blocks:\n", snap.Blocks)
		for _, p := range pcts {
			rs := snap.Rewards[p]
			fmt.Printf("  p%-2d min/avg/max: %s / %s / %s gwei\n", p, ledger.FormatGwei(rs.Min), ledger.FormatGwei(rs.Avg), ledger.FormatGwei(rs.Max))
			if rs.Max.Cmp(maxTip) > 0 {
				maxTip = rs.Max
			}
		}
	}

	gas := st.GasLimit
	if st.SenderAddress != "" {
		sender := common.HexToAddress(st.SenderAddress)
		if est, err := c.EstimateTransferGas(ctx, sender, sender, big.NewInt(1)); err == nil && est > 0 {
			gas = est
		}
		if bal, err := c.NativeBalance(ctx, sender); err == nil {
			fmt.Printf("[net] sender native  : %s\n", ledger.FormatEther(bal))
		}
		if bal, err := c.TokenBalance(ctx, sender); err == nil {
			fmt.Printf("[net] sender token   : %s (base units)\n", bal)
		}
	}
	tip := ledger.GweiToWei(config.Decimal(st.TipGwei))
	feeCap := new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(st.BasefeeMul)), tip)
	peakCap := new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(st.BasefeeMul)), maxTip)
	g := new(big.Int).SetUint64(gas)
	fmt.Printf("[net] transfer gas   : %d\n", gas)
	fmt.Printf("[net] cost @ tip %s gwei : %s\n", st.TipGwei, ledger.FormatEther(new(big.Int).Mul(g, feeCap)))
	fmt.Printf("[net] cost @ peak tip    : %s\n", ledger.FormatEther(new(big.Int).Mul(g, peakCap)))
	if ceiling := ledger.GweiToWei(config.Decimal(st.MaxFeeGwei)); ceiling.Sign() > 0 && feeCap.Cmp(ceiling) > 0 {
		fmt.Printf("[net] WARNING: fee cap %s gwei exceeds max_fee_gwei %s\n", ledger.FormatGwei(feeCap), st.MaxFeeGwei)
	}
	return nil
}
