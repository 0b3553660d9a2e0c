package commands

import (
	"context"
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/exparo/exparo/internal/auth"
	"github.com/exparo/exparo/internal/store"
)

var createAdminStaff bool

var createAdminCmd = &cobra.Command{
	Use:   "createadmin <email>",
	Short: "Create an admin user",
	Long: `Create an admin user that can log in to the admin API.

The password is read from the EXPARO_ADMIN_PASSWORD environment variable
when set, otherwise prompted for on the terminal.

Examples:
  exparo createadmin admin@example.com
  exparo createadmin ops@example.com --staff`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		email := args[0]
		password := os.Getenv("EXPARO_ADMIN_PASSWORD")
		if password == "" {
			fmt.Fprint(os.Stderr, "Password: ")
			raw, err := term.ReadPassword(int(syscall.Stdin))
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return fmt.Errorf("read password: %w", err)
			}
			password = string(raw)
		}
		if password == "" {
			return fmt.Errorf("password must not be empty")
		}

		hash, err := auth.HashPassword(password)
		if err != nil {
			return fmt.Errorf("hash password: %w", err)
		}

		ctx := context.Background()
		st, err := openStore(ctx)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer func() { _ = st.Close() }()

		admin, err := st.CreateAdminUser(ctx, store.AdminUser{
			Email:        email,
			PasswordHash: hash,
			IsStaff:      createAdminStaff,
		})
		if err != nil {
			return fmt.Errorf("create admin: %w", err)
		}
		fmt.Printf("Created admin %s (%s)\n", admin.Email, admin.ID)
		return nil
	},
}

func init() {
	createAdminCmd.Flags().BoolVar(&createAdminStaff, "staff", false, "Grant staff privileges")
	rootCmd.AddCommand(createAdminCmd)
}
