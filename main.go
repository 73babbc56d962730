package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/masci/flickr.v3"
	"gopkg.in/yaml.v3"
)

var (
	apiKey           string
	apiSecret        string
	oauthToken       string
	oauthTokenSecret string
	credsFile        string
	credsFileSave    string
	debug            bool
)

type Credentials struct {
	APIKey           string `yaml:"api_key"`
	APISecret        string `yaml:"api_secret"`
	OAuthToken       string `yaml:"oauth_token"`
	OAuthTokenSecret string `yaml:"oauth_token_secret"`
}

var rootCmd = &cobra.Command{
	Use:   "flickr-sub000",
	Short: "Keep your Flickr photos flowing into group pools",
	Long: `A self-healing scheduler that continuously picks random photos from
your albums and submits them to the groups you belong to, respecting
each group's throttle, moderation queue and posting etiquette.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if debug {
			level = slog.LevelDebug
		}
		logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}))
		slog.SetDefault(logger)
	},
}

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Authenticate with Flickr to get OAuth tokens",
	Long: `Start the OAuth authentication flow to get access tokens.
You'll need to visit a URL and authorize the application.`,
	Run: func(cmd *cobra.Command, args []string) {
		err := loadCredsIfProvided()
		if err != nil {
			fmt.Printf("Error loading credentials: %v\n", err)
			os.Exit(1)
		}

		if apiKey == "" || apiSecret == "" {
			fmt.Println("Error: Both API key and API secret are required for authentication")
			fmt.Println("Provide them via flags or credentials file (-c)")
			os.Exit(1)
		}

		oauthToken, oauthTokenSecret, err := performOAuthFlow(apiKey, apiSecret)
		if err != nil {
			fmt.Printf("Error during authentication: %v\n", err)
			os.Exit(1)
		}

		// Save credentials to file if requested
		if credsFileSave != "" {
			creds := Credentials{
				APIKey:           apiKey,
				APISecret:        apiSecret,
				OAuthToken:       oauthToken,
				OAuthTokenSecret: oauthTokenSecret,
			}

			err := saveCredentials(credsFileSave, creds)
			if err != nil {
				fmt.Printf("Error saving credentials: %v\n", err)
				os.Exit(1)
			}

			fmt.Printf("Credentials saved to %s\n", credsFileSave)
			fmt.Printf("You can now use: ./flickr-sub000 -c %s run [flags]\n", credsFileSave)
		}
	},
}

func performOAuthFlow(apiKey, apiSecret string) (string, string, error) {
	client := flickr.NewFlickrClient(apiKey, apiSecret)

	// Step 1: Get request token
	fmt.Println("Getting request token...")

	requestTok, err := flickr.GetRequestToken(client)
	if err != nil {
		return "", "", fmt.Errorf("failed to get request token: %w", err)
	}

	// Step 2: Get authorization URL
	authUrl, err := flickr.GetAuthorizeUrl(client, requestTok)
	if err != nil {
		return "", "", fmt.Errorf("failed to get authorization URL: %w", err)
	}

	// Step 3: Ask user to authorize
	fmt.Printf("\nPlease visit this URL to authorize the application:\n%s\n\n", authUrl)
	fmt.Print("After authorizing, enter the verification code: ")

	var verificationCode string
	_, err = fmt.Scanln(&verificationCode)
	if err != nil {
		return "", "", fmt.Errorf("failed to read verification code: %w", err)
	}

	// Step 4: Get access token
	fmt.Println("Getting access token...")
	accessTok, err := flickr.GetAccessToken(client, requestTok, verificationCode)
	if err != nil {
		return "", "", fmt.Errorf("failed to get access token: %w", err)
	}

	// Step 5: Display tokens
	fmt.Printf("\nAuthentication successful!\n")
	fmt.Printf("OAuth Token: %s\n", accessTok.OAuthToken)
	fmt.Printf("OAuth Token Secret: %s\n", accessTok.OAuthTokenSecret)

	if credsFileSave == "" {
		fmt.Printf("\nSave these tokens and use them with:\n")
		fmt.Printf("--oauth-token %s --oauth-token-secret %s\n", accessTok.OAuthToken, accessTok.OAuthTokenSecret)
	}

	return accessTok.OAuthToken, accessTok.OAuthTokenSecret, nil
}

func saveCredentials(filename string, creds Credentials) error {
	data, err := yaml.Marshal(creds)
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}

	err = os.WriteFile(filename, data, 0600) // Secure permissions
	if err != nil {
		return fmt.Errorf("failed to write credentials file: %w", err)
	}

	return nil
}

func loadCredentials(filename string) (*Credentials, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials file: %w", err)
	}

	var creds Credentials
	err = yaml.Unmarshal(data, &creds)
	if err != nil {
		return nil, fmt.Errorf("failed to parse credentials file: %w", err)
	}

	return &creds, nil
}

func loadCredsIfProvided() error {
	if credsFile == "" {
		return nil // No credentials file specified
	}

	creds, err := loadCredentials(credsFile)
	if err != nil {
		return fmt.Errorf("failed to load credentials: %w", err)
	}

	// Only override if not already set via flags
	if apiKey == "" {
		apiKey = creds.APIKey
	}
	if apiSecret == "" {
		apiSecret = creds.APISecret
	}
	if oauthToken == "" {
		oauthToken = creds.OAuthToken
	}
	if oauthTokenSecret == "" {
		oauthTokenSecret = creds.OAuthTokenSecret
	}

	return nil
}

func init() {
	// Global flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&apiKey, "api-key", "k", "", "Flickr API Key")
	rootCmd.PersistentFlags().StringVarP(&apiSecret, "api-secret", "s", "", "Flickr API Secret")
	rootCmd.PersistentFlags().StringVar(&oauthToken, "oauth-token", "", "OAuth token")
	rootCmd.PersistentFlags().StringVar(&oauthTokenSecret, "oauth-token-secret", "", "OAuth token secret")
	rootCmd.PersistentFlags().StringVarP(&credsFile, "creds-file", "c", "", "Credentials file (YAML)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	// Auth command specific flags
	authCmd.Flags().StringVar(&credsFileSave, "save-creds", "", "Save credentials to this YAML file")

	// Add subcommands
	rootCmd.AddCommand(authCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(groupsCmd)
	rootCmd.AddCommand(excludeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
