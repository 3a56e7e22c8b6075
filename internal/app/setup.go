package app

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jmsv23/email-sort/internal/db"
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Setup database and create a test user",
	Long:  "Creates database tables and inserts a test user with starter categories for development/testing",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		// Initialize database
		if err := db.Init(ctx); err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer db.Close()

		// Run migrations
		fmt.Println("Running migrations...")
		migrationSQL := `
			-- Users table
			CREATE TABLE IF NOT EXISTS users (
			    id UUID PRIMARY KEY,
			    email VARCHAR(255) NOT NULL UNIQUE,
			    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now()
			);

			-- Categories table (user-defined classification targets)
			CREATE TABLE IF NOT EXISTS categories (
			    id UUID PRIMARY KEY,
			    user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			    name VARCHAR(255) NOT NULL,
			    description TEXT NOT NULL DEFAULT '',
			    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now(),
			    UNIQUE (user_id, name)
			);

			CREATE INDEX IF NOT EXISTS idx_categories_user_id ON categories(user_id);

			-- Connected mailbox accounts; tokens stored encrypted
			CREATE TABLE IF NOT EXISTS accounts (
			    provider VARCHAR(32) NOT NULL,
			    provider_account_id VARCHAR(255) NOT NULL,
			    user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			    email_address VARCHAR(255) NOT NULL,
			    access_token TEXT NOT NULL,
			    refresh_token TEXT,
			    history_id VARCHAR(64),
			    last_polled_at TIMESTAMP WITH TIME ZONE,
			    needs_reauth BOOLEAN NOT NULL DEFAULT FALSE,
			    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now(),
			    PRIMARY KEY (provider, provider_account_id)
			);

			CREATE INDEX IF NOT EXISTS idx_accounts_user_id ON accounts(user_id);

			-- Processed messages; category deletion leaves NULL category_id
			CREATE TABLE IF NOT EXISTS messages (
			    id UUID PRIMARY KEY,
			    provider VARCHAR(32) NOT NULL,
			    provider_account_id VARCHAR(255) NOT NULL,
			    provider_message_id VARCHAR(255) NOT NULL,
			    thread_id VARCHAR(255),
			    category_id UUID REFERENCES categories(id) ON DELETE SET NULL,
			    subject TEXT NOT NULL DEFAULT '',
			    from_address TEXT NOT NULL DEFAULT '',
			    to_address TEXT NOT NULL DEFAULT '',
			    snippet TEXT,
			    body_text TEXT NOT NULL DEFAULT '',
			    ai_summary TEXT,
			    classification_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
			    classification_reason TEXT NOT NULL DEFAULT '',
			    archived BOOLEAN NOT NULL DEFAULT FALSE,
			    unsubscribed BOOLEAN NOT NULL DEFAULT FALSE,
			    created_at TIMESTAMP WITH TIME ZONE NOT NULL,
			    updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
			    UNIQUE (provider, provider_account_id, provider_message_id),
			    FOREIGN KEY (provider, provider_account_id)
			        REFERENCES accounts(provider, provider_account_id) ON DELETE CASCADE
			);

			CREATE INDEX IF NOT EXISTS idx_messages_account ON messages(provider, provider_account_id);
			CREATE INDEX IF NOT EXISTS idx_messages_category_id ON messages(category_id);

			-- Durable job queue
			CREATE TABLE IF NOT EXISTS jobs (
			    id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			    job_type VARCHAR(64) NOT NULL,
			    payload JSONB NOT NULL,
			    state VARCHAR(16) NOT NULL DEFAULT 'pending',
			    attempts_made INT NOT NULL DEFAULT 0,
			    max_attempts INT NOT NULL DEFAULT 3,
			    backoff_base_ms BIGINT NOT NULL DEFAULT 2000,
			    run_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now(),
			    last_error TEXT,
			    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now(),
			    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now()
			);

			CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(job_type, state, run_at);
		`

		if _, err := db.Pool.Exec(ctx, migrationSQL); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}

		// Insert test user
		fmt.Println("Inserting test user...")
		testUserID := uuid.MustParse("00000000-0000-0000-0000-000000000001")
		insertUserSQL := `
			INSERT INTO users (id, email)
			VALUES ($1, $2)
			ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email
		`

		if _, err := db.Pool.Exec(ctx, insertUserSQL, testUserID, "test@example.com"); err != nil {
			return fmt.Errorf("failed to insert test user: %w", err)
		}

		// Starter categories
		insertCategorySQL := `
			INSERT INTO categories (id, user_id, name, description)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (user_id, name) DO UPDATE SET description = EXCLUDED.description
		`
		starters := []struct {
			name, description string
		}{
			{"Newsletters", "Recurring digests, publications, and mailing lists"},
			{"Receipts", "Order confirmations, invoices, and payment receipts"},
			{"Promotions", "Marketing offers, sales, and product announcements"},
		}
		for _, s := range starters {
			if _, err := db.Pool.Exec(ctx, insertCategorySQL, uuid.New(), testUserID, s.name, s.description); err != nil {
				return fmt.Errorf("failed to insert category %q: %w", s.name, err)
			}
		}

		fmt.Printf("✓ Database setup complete. Test user: %s (test@example.com)\n", testUserID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(setupCmd)
}
