package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"position-sync-go/internal/container"
	"position-sync-go/internal/engine"
	"position-sync-go/market"
	"position-sync-go/risk"
)

var cfgPath string

func main() {
	root := &cobra.Command{
		Use:           "possync",
		Short:         "按预测服务的目标仓位比例同步本地持仓账本",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "configs/config.yaml", "配置文件路径")
	root.AddCommand(newRunCmd(), newSyncCmd(), newSelftestCmd(), newPopularityCmd(), newRulesCmd())

	if err := root.Execute(); err != nil {
		if errors.Is(err, risk.ErrConfiguration) {
			log.Fatalf("配置错误: %v", err)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func build() (*container.Container, error) {
	c, err := container.New(cfgPath)
	if err != nil {
		return nil, err
	}
	if err := c.Build(); err != nil {
		return nil, err
	}
	return c, nil
}

func newRunCmd() *cobra.Command {
	var skipSelftest bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "自检、启动同步后进入定时调度",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c, err := build()
			if err != nil {
				return err
			}
			lg := c.Logger()

			if !skipSelftest {
				for _, res := range c.SelfTest(ctx) {
					if !res.OK() {
						lg.Warn(fmt.Sprintf("自检未通过，继续运行: market=%s instrument=%s history=%v realtime=%v",
							res.Market, res.Instrument, res.HistoryErr, res.RealtimeErr))
					}
				}
			}
			if rep, err := c.StartupSync(ctx); err != nil {
				lg.LogError(err, map[string]interface{}{"action": "startup_sync"})
			} else {
				lg.Info(fmt.Sprintf("启动同步完成 source=%s applied=%d unchanged=%d failed=%d",
					rep.Source, rep.Applied, rep.Unchanged, rep.Failed))
			}
			c.Driver().LogSummary(c.Driver().Summarize())

			if err := c.Start(ctx); err != nil {
				return err
			}
			if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
				lg.LogError(err, map[string]interface{}{"action": "sd_notify"})
			} else if ok {
				lg.Info("systemd notified READY=1")
			}

			<-ctx.Done()
			_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
			return c.Stop()
		},
	}
	cmd.Flags().BoolVar(&skipSelftest, "skip-selftest", false, "跳过启动自检")
	return cmd
}

func newSyncCmd() *cobra.Command {
	var source string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "立即执行一轮对账并打印汇总",
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := engine.ParseDataSource(source)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c, err := build()
			if err != nil {
				return err
			}
			defer c.Logger().Close()
			rep, err := c.SyncOnce(ctx, src)
			if err != nil {
				return err
			}
			printReport(cmd, rep)
			printSummary(cmd, c.Driver().Summarize())
			return nil
		},
	}
	cmd.Flags().StringVarP(&source, "source", "s", "history", "数据源: history | realtime")
	return cmd
}

func newSelftestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "selftest",
		Short: "按市场逐个探测预测服务的历史与实时接口",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			c, err := build()
			if err != nil {
				return err
			}
			defer c.Logger().Close()
			results := c.SelfTest(ctx)
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "MARKET	INSTRUMENT	HISTORY	REALTIME	ELAPSED	STATUS")
			failed := 0
			for _, res := range results {
				status := "ok"
				if !res.OK() {
					status = "FAILED"
					failed++
				}
				fmt.Fprintf(w, "%s	%s	%s	%s	%s	%s\n", res.Market, res.Instrument,
					resultText(res.Historical, res.HistoryErr), resultText(res.Realtime, res.RealtimeErr),
					res.Elapsed.Round(time.Millisecond), status)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("selftest failed for %d of %d markets", failed, len(results))
			}
			return nil
		},
	}
}

func resultText(v float64, err error) string {
	if err != nil {
		return err.Error()
	}
	return fmt.Sprintf("%.4f", v)
}

func newPopularityCmd() *cobra.Command {
	var days int
	var unit string
	cmd := &cobra.Command{
		Use:   "popularity",
		Short: "查询人气指数",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			c, err := build()
			if err != nil {
				return err
			}
			defer c.Logger().Close()
			rows, err := c.Popularity(ctx, days, unit)
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no data")
				return nil
			}
			cols := rows[0].Columns()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, strings.ToUpper(strings.Join(cols, "\t")))
			for _, r := range rows {
				vals := make([]string, len(cols))
				for i, col := range cols {
					vals[i] = r.Text(col)
				}
				fmt.Fprintln(w, strings.Join(vals, "\t"))
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&days, "days", "d", 7, "查询天数")
	cmd.Flags().StringVar(&unit, "unit", "day", "时间单位: day | hour")
	return cmd
}

func newRulesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rules",
		Short: "打印各市场的做空/杠杆/最小交易单位",
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "MARKET\tCODE\tSHORT\tLEVERAGE\tLOT")
			for _, c := range market.Classifications() {
				r, err := market.RulesFor(c)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s\t%s\t%v\t%d\t%d\n", c, c.Code(), r.ShortAllowed, r.Leverage, r.LotSize)
			}
			return w.Flush()
		},
	}
}

func printReport(cmd *cobra.Command, rep engine.RunReport) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run %s source=%s applied=%d unchanged=%d failed=%d (%s)\n",
		rep.RunID, rep.Source, rep.Applied, rep.Unchanged, rep.Failed, rep.Duration.Round(time.Millisecond))
	for _, o := range rep.Outcomes {
		if o.Err != nil {
			fmt.Fprintf(out, "  %-14s %-9s %s: %v\n", o.InstrumentID, o.Status, o.Stage, o.Err)
		}
	}
}

func printSummary(cmd *cobra.Command, s engine.Summary) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "INSTRUMENT\tMARKET\tTARGET\tACTUAL\tUNITS\tSIDE\tNOTIONAL\tLAST")
	for _, r := range s.Rows {
		last := r.Transition
		if r.Failed {
			last = "FAILED"
		}
		fmt.Fprintf(w, "%s\t%s\t%.4f\t%.4f\t%d\t%s\t%s\t%s\n",
			r.InstrumentID, r.Market, r.TargetExposure, r.ActualExposure, r.Units, r.Side, r.Notional.StringFixed(2), last)
	}
	_ = w.Flush()
	fmt.Fprintf(cmd.OutOrStdout(), "long=%s short=%s net=%s margin=%s capital=%s gross=%.2f%% net=%.2f%% used=%.2f%%\n",
		s.LongValue.StringFixed(2), s.ShortValue.StringFixed(2), s.NetValue.StringFixed(2),
		s.MarginUsed.StringFixed(2), s.TotalCapital.StringFixed(2),
		s.GrossExposure*100, s.NetExposure*100, s.Utilisation*100)
}
