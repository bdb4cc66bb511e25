package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ligun0805/multisender/internal/config"
	"github.com/ligun0805/multisender/internal/dispatch"
	"github.com/ligun0805/multisender/internal/ledger"
	"github.com/ligun0805/multisender/internal/progress"
)

func printConfig(st config.Settings) {
	fmt.Println("=== CONFIG ===")
	fmt.Println("RPC_URL            :", st.RPCURL)
	fmt.Println("CHAIN_ID           :", orDefault(st.ChainID, "(from node)"))
	fmt.Println("PRIVATE_KEY        :", maskHex(st.PrivateKeyHex))
	fmt.Println("SENDER_ADDRESS     :", orDefault(st.SenderAddress, "(from key)"))
	fmt.Println("TOKEN_ADDRESS      :", st.TokenAddress)
	if st.TokenDecimals >= 0 {
		fmt.Println("TOKEN_DECIMALS     :", st.TokenDecimals)
	} else {
		fmt.Println("TOKEN_DECIMALS     : (from token)")
	}
	fmt.Println("RECIPIENTS_CSV     :", st.RecipientsCSV)
	fmt.Printf("AMOUNT             : %s .. %s (%d dp)\n", st.MinAmount, st.MaxAmount, st.AmountPrecision)
	fmt.Println("DAILY_QUOTA_COUNT  :", limitString(st.DailyQuotaCount))
	fmt.Println("DAILY_QUOTA_AMOUNT :", st.DailyQuotaAmount)
	fmt.Printf("DAY_BOUNDARY       : %s %s\n", st.DayBoundary, st.Timezone)
	fmt.Println("BATCH / CONCURRENCY:", st.BatchSize, "/", st.Concurrency)
	fmt.Printf("PACING             : %d-%d ms, idle %ds\n", st.MinDelayMS, st.MaxDelayMS, st.IdleSeconds)
	fmt.Printf("FEES               : max %s gwei, tip %s gwei, basefee x%d, growth %.3g\n", st.MaxFeeGwei, st.TipGwei, st.BasefeeMul, st.FeeGrowth)
	fmt.Printf("TIMEOUTS           : confirm %ds, cancel %ds, watch %ds\n", st.ConfirmTimeoutSec, st.CancelTimeoutSec, st.SequenceWatchSec)
	fmt.Println("MAX_RETRIES        :", st.MaxRetries)
	fmt.Println("SCHEDULE_AT        :", st.ScheduleAt)
	fmt.Println("OUTCOME_LOG        :", st.OutcomeLog)
	fmt.Println("SENT_SET           :", st.SentSet, resumeNote(st.ResumeSentSet))
	fmt.Println("QUOTA_STATE        :", st.QuotaState)
	if st.OutcomeDB != "" {
		fmt.Println("OUTCOME_DB         :", st.OutcomeDB)
	}
	fmt.Println("==============")
}

func printSummary(sum dispatch.Summary, decimals int32) {
	if sum.RunID == "" {
		return
	}
	fmt.Println("=== RUN", sum.RunID, "===")
	fmt.Println("Confirmed :", sum.Confirmed)
	fmt.Println("Amount    :", sum.TotalAmount.StringFixed(decimals))
	fmt.Println("Fees      :", ledger.FormatEther(sum.TotalFee))
	fmt.Println("Failed    :", len(sum.Failed))
	fmt.Println("Deferred  :", len(sum.Deferred))
	fmt.Println("Skipped   :", len(sum.Skipped))
	fmt.Println("Batches   :", sum.Batches)
	for _, r := range sum.Failed {
		fmt.Println("  FAILED  ", r.Address.Hex(), r.Amount.String())
	}
}

func printRecords(w io.Writer, records []progress.Record) {
	if len(records) == 0 {
		fmt.Fprintln(w, "No outcomes recorded")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tRECIPIENT\tAMOUNT\tSTATUS\tTX / ERROR\tFEE\tCONFIRM")
	for _, r := range records {
		confirm := ""
		if r.ConfirmMs > 0 {
			confirm = (time.Duration(r.ConfirmMs) * time.Millisecond).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Time.Local().Format(time.DateTime), r.Recipient.Hex(), r.Amount.String(),
			r.Status, r.TxOrError, r.FeeUsed, confirm)
	}
	_ = tw.Flush()
}

func maskHex(h string) string {
	h = strings.TrimSpace(h)
	if h == "" {
		return "(prompt)"
	}
	if len(h) <= 10 {
		return "***"
	}
	return h[:6] + "…" + h[len(h)-4:]
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func limitString(n int) string {
	if n <= 0 {
		return "unlimited"
	}
	return fmt.Sprint(n)
}

func resumeNote(resume bool) string {
	if resume {
		return "(resumed across runs)"
	}
	return "(reset every run)"
}
