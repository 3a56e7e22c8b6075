package app

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jmsv23/email-sort/internal/credentials"
	"github.com/jmsv23/email-sort/internal/db"
	"github.com/jmsv23/email-sort/internal/gmail"
	"github.com/jmsv23/email-sort/internal/store"
)

var (
	linkUserID       string
	linkAccountID    string
	linkAccessToken  string
	linkRefreshToken string
)

var linkCmd = &cobra.Command{
	Use:   "link",
	Short: "Link a mailbox account",
	Long:  "Verifies an OAuth token pair with a live profile call, then stores the account with encrypted tokens and its initial history cursor",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		userID, err := uuid.Parse(linkUserID)
		if err != nil {
			return fmt.Errorf("invalid --user-id: %w", err)
		}
		if linkAccountID == "" || linkAccessToken == "" {
			return fmt.Errorf("--account-id and --access-token are required")
		}

		if err := db.Init(ctx); err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer db.Close()

		st := store.New(db.Pool)
		gateway := gmail.NewService(credentials.NewStore(db.Pool))

		// The profile call proves the tokens; a failure aborts the
		// linkage so an unverified pair is never persisted.
		profile, err := gateway.Bootstrap(ctx, credentials.Credentials{
			AccessToken:  linkAccessToken,
			RefreshToken: linkRefreshToken,
		})
		if err != nil {
			return fmt.Errorf("failed to verify tokens: %w", err)
		}

		if err := st.LinkAccount(ctx, store.LinkAccountParams{
			Provider:          "google",
			ProviderAccountID: linkAccountID,
			UserID:            userID,
			EmailAddress:      profile.EmailAddress,
			AccessToken:       linkAccessToken,
			RefreshToken:      linkRefreshToken,
			InitialCursor:     profile.InitialCursor,
		}); err != nil {
			return err
		}

		fmt.Printf("✓ Linked %s (cursor %s) for user %s\n", profile.EmailAddress, profile.InitialCursor, userID)
		return nil
	},
}

var disconnectCmd = &cobra.Command{
	Use:   "disconnect",
	Short: "Disconnect a mailbox account",
	Long:  "Deletes the account row and, via cascade, its processed messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		if linkAccountID == "" {
			return fmt.Errorf("--account-id is required")
		}

		if err := db.Init(ctx); err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer db.Close()

		if err := store.New(db.Pool).DeleteAccount(ctx, "google", linkAccountID); err != nil {
			return err
		}

		fmt.Printf("✓ Disconnected google:%s\n", linkAccountID)
		return nil
	},
}

func init() {
	linkCmd.Flags().StringVar(&linkUserID, "user-id", "", "Owning user id")
	linkCmd.Flags().StringVar(&linkAccountID, "account-id", "", "Provider account id")
	linkCmd.Flags().StringVar(&linkAccessToken, "access-token", "", "OAuth access token")
	linkCmd.Flags().StringVar(&linkRefreshToken, "refresh-token", "", "OAuth refresh token")

	disconnectCmd.Flags().StringVar(&linkAccountID, "account-id", "", "Provider account id")

	rootCmd.AddCommand(linkCmd)
	rootCmd.AddCommand(disconnectCmd)
}
