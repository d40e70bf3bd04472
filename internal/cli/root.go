package cli

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	port       string
	configPath string
	apiBaseURL string
)

// Execute runs the CLI.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	_ = godotenv.Load()

	envPort := os.Getenv("PORT")
	envConfig := os.Getenv("CONFIG_PATH")
	if envConfig == "" {
		envConfig = "config/config.yaml"
	}
	envAPI := os.Getenv("QUIZ_API_URL")

	cmd := &cobra.Command{
		Use:   "trivia-live",
		Short: "Live multiplayer trivia session host",
	}

	cmd.PersistentFlags().StringVar(&port, "port", envPort, "port to listen on")
	cmd.PersistentFlags().StringVar(&configPath, "config", envConfig, "path to YAML config")
	cmd.PersistentFlags().StringVar(&apiBaseURL, "api-url", envAPI, "base URL of the quiz store API")
	cmd.AddCommand(NewStartCmd(&configPath, &port, &apiBaseURL))
	return cmd
}
