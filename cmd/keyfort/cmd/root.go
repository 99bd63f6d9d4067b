package cmd

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "keyfort",
	Short: "KeyFort is a local-first encrypted credential vault",
	Long: `A local-first encrypted credential vault with offline sync and portable
encrypted backups. The master key is derived from the signed-in identity and
never stored or transmitted in the clear.`,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	// Identity and paths may come from a .env file; absence is fine.
	_ = godotenv.Load()
}
