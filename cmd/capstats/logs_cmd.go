package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"CapStatsServer/internal/logger"
	"CapStatsServer/internal/wsclient"
)

var logsCfg = wsclient.DefaultClientConfig("ws://localhost:8000/ws/logs")

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "订阅运行中服务的 /ws/logs 实时日志",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		out := cmd.OutOrStdout()
		client := wsclient.New(logsCfg)
		client.SetStateChangeHandler(func(_, next wsclient.ClientState) {
			fmt.Fprintf(cmd.ErrOrStderr(), "🔌 %s\n", next)
		})
		return client.Tail(ctx, func(msg logger.LogMessage) {
			fmt.Fprintln(out, formatLogLine(msg))
		})
	},
}

func init() {
	f := logsCmd.Flags()
	f.StringVar(&logsCfg.URL, "url", logsCfg.URL, "日志流地址")
	f.IntVar(&logsCfg.MaxReconnectTries, "retries", logsCfg.MaxReconnectTries, "断线后最多重连次数")
	f.StringSliceVar(&logsCfg.Levels, "level", nil, "只显示这些级别 (INFO, SUCCESS, WARNING, ERROR)")

	rootCmd.AddCommand(logsCmd)
}

func formatLogLine(msg logger.LogMessage) string {
	return fmt.Sprintf("%s [%s] %s: %s", msg.Timestamp.Format("15:04:05.000"), msg.Level, msg.Module, msg.Message)
}
