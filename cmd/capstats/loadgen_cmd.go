package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"CapStatsServer/internal/loadtest"
)

var loadCfg = loadtest.DefaultConfig("http://localhost:8000")

var loadgenCmd = &cobra.Command{
	Use:   "loadgen",
	Short: "对运行中的服务发起成对的 start/end 会话请求",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		res, err := loadtest.NewRunner(loadCfg).Run(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.ErrOrStderr(), "📊 "+loadgenSummary(res))
		return render(cmd.OutOrStdout(), outputFormat, res)
	},
}

func init() {
	f := loadgenCmd.Flags()
	f.StringVar(&loadCfg.BaseURL, "url", loadCfg.BaseURL, "服务地址")
	f.IntVar(&loadCfg.Clients, "clients", loadCfg.Clients, "并发客户端数")
	f.DurationVar(&loadCfg.Duration, "duration", loadCfg.Duration, "运行时长 (0 表示只按 --sessions 运行)")
	f.IntVar(&loadCfg.SessionsPerClient, "sessions", loadCfg.SessionsPerClient, "每个客户端的会话数 (0 表示不限)")
	f.IntVar(&loadCfg.Users, "users", loadCfg.Users, "模拟的玩家数")
	f.StringSliceVar(&loadCfg.Cases, "cases", loadCfg.Cases, "case id 列表")
	f.Float64Var(&loadCfg.ClearRatio, "clear-ratio", loadCfg.ClearRatio, "judge=true 的比例")
	f.DurationVar(&loadCfg.PlayTime, "play-time", loadCfg.PlayTime, "start 与 end 之间的等待时长")
	f.DurationVar(&loadCfg.Timeout, "timeout", loadCfg.Timeout, "单个请求超时")
	f.StringVarP(&outputFormat, "format", "f", "json", "输出格式: json, yaml")

	rootCmd.AddCommand(loadgenCmd)
}

// loadgenSummary 人类可读的一行摘要
func loadgenSummary(res *loadtest.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "sessions=%d/%d failed=%d rate=%.1f/s", res.SessionsEnded, res.SessionsStarted, res.FailedRequests, res.SessionsPerSecond)
	if end, ok := res.Endpoints["/events/end"]; ok {
		fmt.Fprintf(&b, " end.p95=%.2fms", end.P95Latency)
	}
	return b.String()
}
