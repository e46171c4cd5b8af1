package main

import (
	"fmt"
	"os"

	"settlement-svc/config"
	"settlement-svc/psp"
	"settlement-svc/psp/gateway"
	"settlement-svc/psp/midtrans"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:          "settlement",
		Short:        "Payment settlement service",
		Version:      Version,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(verifyLedgerCmd())
	rootCmd.AddCommand(statusCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRegistry registers every PSP that has credentials. The configured
// provider is the default.
func buildRegistry(cfg *config.Config, logger *zap.Logger) *psp.Registry {
	var adapters []psp.Adapter
	if cfg.GatewayMerchantID != "" && cfg.GatewaySaltKey != "" {
		adapters = append(adapters, gateway.New(gateway.Config{
			BaseURL:     cfg.GatewayBaseURL,
			MerchantID:  cfg.GatewayMerchantID,
			SaltKey:     cfg.GatewaySaltKey,
			CallbackURL: cfg.GatewayCallbackURL,
			Timeout:     cfg.PSPTimeout,
		}, logger))
	}
	if cfg.MidtransServerKey != "" {
		adapters = append(adapters, midtrans.New(cfg.MidtransServerKey, cfg.MidtransEnv, cfg.PSPTimeout, logger))
	}
	registry := psp.NewRegistry(cfg.PSPProvider, adapters...)
	logger.Info("PSP adapters registered", zap.Strings("psps", registry.Names()), zap.String("default", cfg.PSPProvider))
	return registry
}
