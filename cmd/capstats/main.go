package main

import (
	"log"

	"github.com/spf13/cobra"

	"CapStatsServer/internal/config"
	"CapStatsServer/internal/logger"
)

var (
	configPath string
	envFiles   []string
	watchConf  bool

	// manager 在PersistentPreRunE中初始化，所有子命令共用
	manager *config.ConfigManager
)

var rootCmd = &cobra.Command{
	Use:   "capstats",
	Short: "CapStats 游玩会话统计服务",
	Long: `CapStats 记录玩家每次游玩的开始和结束，累计玩家与case统计，
并提供社区留言板接口。不带子命令时等同于 capstats serve。`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger.InitLogger("capstats")
		if err := config.LoadDotEnv(envFiles...); err != nil {
			return err
		}
		manager = config.NewConfigManager(
			config.WithConfigPath(configPath),
			config.WithWatchEnabled(watchConf && servesHTTP(cmd)),
		)
		_, err := manager.Load()
		return err
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, args)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "配置文件路径 (默认查找 configs/capstats.yaml)")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, ".env 文件路径，可重复")
	rootCmd.PersistentFlags().BoolVar(&watchConf, "watch", true, "serve时监控配置文件变更")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(importCmd)
}

// servesHTTP 根命令和serve都会启动HTTP服务
func servesHTTP(cmd *cobra.Command) bool {
	return !cmd.HasParent() || cmd.Name() == "serve"
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("❌ %v", err)
	}
}
