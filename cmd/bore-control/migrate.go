package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/gentmat/bore-control/pkg/store"
)

func databaseURLFromEnv() string {
	return os.Getenv("DATABASE_URL")
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	Long: `Apply the control plane schema to the configured Postgres database.
The schema is idempotent; running migrate against an up-to-date
database is a no-op. Reads DATABASE_URL from the environment unless
--database-url is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dsn, _ := cmd.Flags().GetString("database-url")
		if dsn == "" {
			dsn = databaseURLFromEnv()
		}
		if dsn == "" {
			return fmt.Errorf("no database URL: set DATABASE_URL or pass --database-url")
		}

		st, err := store.NewPostgresStore(dsn)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer st.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := st.Migrate(ctx); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}

		fmt.Println("schema applied")
		return nil
	},
}

func init() {
	migrateCmd.Flags().String("database-url", "", "Postgres connection string (overrides DATABASE_URL)")
}
