package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var (
	simulateCurrent  float64
	simulateOriginal float64
	simulateHistory  []float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-glitch",
	Short: "模拟一次价格异常并触发验证与通知",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateCurrent <= 0 || simulateOriginal <= 0 {
			return errors.New("--current 与 --original 必须大于 0")
		}

		current := decimal.NewFromFloat(simulateCurrent)
		original := decimal.NewFromFloat(simulateOriginal)
		return getApp().SimulateGlitch(cmd.Context(), current, original, simulateHistory)
	},
}

func init() {
	simulateCmd.Flags().Float64Var(&simulateCurrent, "current", 0, "当前售价")
	simulateCmd.Flags().Float64Var(&simulateOriginal, "original", 0, "原始标价")
	simulateCmd.Flags().Float64SliceVar(&simulateHistory, "history", nil, "历史价格序列（可选）")
}
