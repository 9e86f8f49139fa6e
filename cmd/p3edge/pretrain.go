package main

import (
	"context"
	"log"

	"github.com/spf13/cobra"

	"github.com/esemsc-ss2524/p3-edge/config"
	"github.com/esemsc-ss2524/p3-edge/internal/forecast"
	"github.com/esemsc-ss2524/p3-edge/internal/store"
)

func pretrainCMD() *cobra.Command {
	var (
		cfgPath string
		days    int
		seed    int64
	)
	cmd := &cobra.Command{
		Use:   "pretrain",
		Short: "Generate category warm-start checkpoints from synthetic data",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			modelStore, err := store.NewFSModelStore(cfg.Storage.ModelDir)
			if err != nil {
				return err
			}
			logger := log.New(log.Writer(), "[PRETRAIN] ", log.LstdFlags)
			features := forecast.NewFeatureBuilder(nil)
			p := forecast.NewPretrainer(modelStore, features, logger)
			if days > 0 {
				p.Days = days
			}
			return p.Run(context.Background(), forecast.DefaultCategoryTemplates, seed)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "config file")
	cmd.Flags().IntVar(&days, "days", 60, "days of synthetic history per category")
	cmd.Flags().Int64Var(&seed, "seed", 42, "random seed")
	return cmd
}
