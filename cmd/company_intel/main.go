// Package main provides the entry point for the company intelligence service.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "company_intel",
	Short: "Company intelligence collection service",
	Long:  "company_intel maps a company's website, scrapes the pages that matter, extracts a structured profile and overview with Gemini, and answers questions about what it collected.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML or JSON config file (environment variables override it)")
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
