package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"CapStatsServer/internal/jsonstore"
	"CapStatsServer/internal/stats"
)

var outputFormat string

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "查看已记录的统计",
}

var statsPlayersCmd = &cobra.Command{
	Use:   "players <uid>",
	Short: "查看某个玩家所有case的统计",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := openConfiguredRepository()
		if err != nil {
			return err
		}
		defer repo.Close()

		cases, err := repo.PlayerCases(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), outputFormat, map[string]interface{}{
			"uid":   args[0],
			"cases": cases,
		})
	},
}

var statsCasesCmd = &cobra.Command{
	Use:   "cases [caseid]",
	Short: "查看全部或单个case的统计",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := openConfiguredRepository()
		if err != nil {
			return err
		}
		defer repo.Close()

		if len(args) == 1 {
			c, err := repo.Case(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), outputFormat, c)
		}

		cases, err := repo.Cases(cmd.Context())
		if err != nil {
			return err
		}
		if outputFormat == "table" {
			return renderCaseTable(cmd.OutOrStdout(), cases)
		}
		return render(cmd.OutOrStdout(), outputFormat, map[string]interface{}{"cases": cases})
	},
}

var importCmd = &cobra.Command{
	Use:   "import-json",
	Short: "把players.json和cases.json导入badger存储",
	Long: `读取storage.data_dir下的JSON统计文件并写入badger目录，
同名键会被覆盖。导入后把storage.driver改为badger即可切换存储。`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := manager.Get()
		if err != nil {
			return err
		}

		players := stats.NewPlayersDocument()
		if err := loadDocument(cfg.PlayersPath(), players); err != nil {
			return err
		}
		cases := stats.NewCasesDocument()
		if err := loadDocument(cfg.CasesPath(), cases); err != nil {
			return err
		}

		repo, err := stats.OpenBadgerRepository(stats.DefaultBadgerConfig(cfg.BadgerPath()))
		if err != nil {
			return err
		}
		defer repo.Close()

		n, err := repo.Import(players, cases)
		if err != nil {
			return fmt.Errorf("导入失败 (已写入 %d 条): %w", n, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✅ 已导入 %d 条统计到 %s\n", n, cfg.BadgerPath())
		return nil
	},
}

func init() {
	statsCmd.PersistentFlags().StringVarP(&outputFormat, "format", "f", "json", "输出格式: json, yaml, table(仅cases)")
	statsCmd.AddCommand(statsPlayersCmd)
	statsCmd.AddCommand(statsCasesCmd)
}

// loadDocument 严格模式读取，损坏的文件直接报错
func loadDocument(path string, dst interface{}) error {
	store, err := jsonstore.New(path, jsonstore.WithStrict(true))
	if err != nil {
		return err
	}
	return store.Load(dst)
}

func openConfiguredRepository() (stats.Repository, error) {
	cfg, err := manager.Get()
	if err != nil {
		return nil, err
	}
	return openRepository(cfg)
}

// render 以json或yaml输出；yaml的键名与JSON文件保持一致
func render(w io.Writer, format string, v interface{}) error {
	switch format {
	case "json", "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		enc.SetEscapeHTML(false)
		return enc.Encode(v)
	case "yaml", "yml":
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var plain interface{}
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&plain); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(toYAMLValue(plain)); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("未知的输出格式: %q", format)
	}
}

// toYAMLValue 把json.Number还原成数字，避免yaml输出成字符串
func toYAMLValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, item := range t {
			t[k] = toYAMLValue(item)
		}
		return t
	case []interface{}:
		for i, item := range t {
			t[i] = toYAMLValue(item)
		}
		return t
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	}
	return v
}

func renderCaseTable(w io.Writer, cases map[string]stats.CaseStat) error {
	ids := make([]string, 0, len(cases))
	for id := range cases {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	if _, err := fmt.Fprintf(w, "%-16s %8s %8s %8s %10s %10s\n", "CASE", "PLAYS", "TRUE", "FALSE", "AVG(s)", "TRUE%"); err != nil {
		return err
	}
	for _, id := range ids {
		c := cases[id]
		if _, err := fmt.Fprintf(w, "%-16s %8d %8d %8d %10.2f %9.1f%%\n",
			id, c.PlayCount, c.TrueCount, c.FalseCount, c.AvgTimeSeconds, c.TrueRate()*100); err != nil {
			return err
		}
	}
	return nil
}
