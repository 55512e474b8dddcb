package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var envFiles []string

var rootCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Rate-limiting reverse proxy for the rental backend",
	Long: `gateway fica na frente do backend de locação e aplica as políticas de
rate limit por categoria de operação e por tier do chamador.

Sem subcomando, equivale a "gateway serve".`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadDotenv(envFiles...)
	},
	RunE: runServe,
}

func init() {
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "dotenv files to load (default .env)")
	rootCmd.AddCommand(serveCmd, policiesCmd, healthCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
