package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/occasionalert/occasion-alerts/internal/database"
	"github.com/occasionalert/occasion-alerts/internal/email"
	"github.com/occasionalert/occasion-alerts/internal/ledger"
	"github.com/occasionalert/occasion-alerts/internal/llm"
	"github.com/occasionalert/occasion-alerts/internal/models"
	"github.com/occasionalert/occasion-alerts/internal/occasion"
	"github.com/occasionalert/occasion-alerts/internal/scheduler"
	"github.com/occasionalert/occasion-alerts/internal/store"
	"github.com/occasionalert/occasion-alerts/pkg/config"
)

var (
	cfg             *config.Config
	db              *database.DB
	st              store.Store
	ledgerService   *ledger.Service
	occasionService *occasion.Service
	emailService    *email.Service
)

func main() {
	var err error

	cfg, err = config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load config")
	}

	db, err = database.New(cfg)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to connect to database")
	}
	defer db.Close()

	st, err = store.New(db)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to create store")
	}

	ledgerService = ledger.NewService(st)
	occasionService = occasion.NewService(st, ledgerService)

	emailService, err = email.NewService(st, cfg)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to create email service")
	}

	rootCmd := &cobra.Command{
		Use:   "occasionalert",
		Short: "CLI for the Occasion Alerts service",
		Long:  "Command line interface for managing users, credits and occasions of the Occasion Alerts service",
	}

	// User management subcommands
	userCmd := &cobra.Command{
		Use:   "user",
		Short: "User management commands",
	}

	userCmd.AddCommand(&cobra.Command{
		Use:   "create [email] [username]",
		Short: "Create a new user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return createUser(args[0], args[1])
		},
	})

	userCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return listUsers()
		},
	})

	// Credit subcommands
	creditsCmd := &cobra.Command{
		Use:   "credits",
		Short: "Credit ledger commands",
	}

	creditsCmd.AddCommand(&cobra.Command{
		Use:   "grant [email] [quantity]",
		Short: "Grant purchased credits to a user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			qty, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid quantity: %w", err)
			}
			return grantCredits(args[0], qty)
		},
	})

	creditsCmd.AddCommand(&cobra.Command{
		Use:   "balance [email]",
		Short: "Show a user's credit balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return showBalance(args[0])
		},
	})

	// Occasion subcommands
	occasionCmd := &cobra.Command{
		Use:   "occasion",
		Short: "Occasion management commands",
	}

	createOccasionCmd := &cobra.Command{
		Use:   "create [email]",
		Short: "Create an occasion for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := occasion.CreateInput{
				Label:          mustFlag(cmd, "label"),
				Type:           mustFlag(cmd, "type"),
				Tone:           mustFlag(cmd, "tone"),
				RecipientEmail: mustFlag(cmd, "recipient"),
				Date:           mustFlag(cmd, "date"),
				CustomInput:    mustFlag(cmd, "custom-input"),
			}
			input.IsRecurring, _ = cmd.Flags().GetBool("recurring")
			return createOccasion(args[0], input)
		},
	}
	createOccasionCmd.Flags().String("label", "", "display name of the occasion")
	createOccasionCmd.Flags().String("type", models.OccasionTypeBirthday, "occasion type (birthday|anniversary|graduation|other)")
	createOccasionCmd.Flags().String("tone", models.OccasionToneNormal, "message tone (normal|sympathetic|encouraging|celebratory|sarcastic)")
	createOccasionCmd.Flags().String("recipient", "", "recipient email address")
	createOccasionCmd.Flags().String("date", "", "occasion date (YYYY-MM-DD or RFC3339)")
	createOccasionCmd.Flags().String("custom-input", "", "free text context for message generation")
	createOccasionCmd.Flags().Bool("recurring", false, "recreate the occasion yearly")
	occasionCmd.AddCommand(createOccasionCmd)

	occasionCmd.AddCommand(&cobra.Command{
		Use:   "list [email]",
		Short: "List a user's occasions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return listOccasions(args[0])
		},
	})

	occasionCmd.AddCommand(&cobra.Command{
		Use:   "activate [email] [occasion-id]",
		Short: "Activate a draft occasion",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid occasion id: %w", err)
			}
			return activateOccasion(args[0], id)
		},
	})

	occasionCmd.AddCommand(&cobra.Command{
		Use:   "delete [email] [occasion-id]",
		Short: "Delete an occasion and refund its credit",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid occasion id: %w", err)
			}
			return deleteOccasion(args[0], id)
		},
	})

	// Sweep subcommands
	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Scheduler commands",
	}

	sweepCmd.AddCommand(&cobra.Command{
		Use:   "once",
		Short: "Run a single sweep tick",
		RunE: func(cmd *cobra.Command, args []string) error {
			return sweepOnce()
		},
	})

	// Email subcommands
	emailCmd := &cobra.Command{
		Use:   "outbox",
		Short: "Email outbox commands",
	}

	emailCmd.AddCommand(&cobra.Command{
		Use:   "process",
		Short: "Process pending emails in the outbox",
		RunE: func(cmd *cobra.Command, args []string) error {
			return processOutbox()
		},
	})

	// Database subcommands
	dbCmd := &cobra.Command{
		Use:   "db",
		Short: "Database related commands",
	}

	dbCmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrations()
		},
	})

	rootCmd.AddCommand(userCmd, creditsCmd, occasionCmd, sweepCmd, emailCmd, dbCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func mustFlag(cmd *cobra.Command, name string) string {
	v, _ := cmd.Flags().GetString(name)
	return v
}

func lookupUser(ctx context.Context, emailAddr string) (*models.User, error) {
	user, err := st.GetUserByEmail(ctx, emailAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if user == nil {
		return nil, fmt.Errorf("user not found: %s", emailAddr)
	}
	return user, nil
}

func createUser(emailAddr, username string) error {
	ctx := context.Background()

	existing, err := st.GetUserByEmail(ctx, emailAddr)
	if err != nil {
		return fmt.Errorf("failed to check existing user: %w", err)
	}
	if existing != nil {
		return fmt.Errorf("user already exists: %s", emailAddr)
	}

	user := &models.User{
		Email:    emailAddr,
		Username: username,
		Created:  time.Now().UTC(),
	}
	if err := st.CreateUser(ctx, user); err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	fmt.Printf("User %s created with id %d\n", emailAddr, user.ID)
	return nil
}

func listUsers() error {
	ctx := context.Background()

	users, err := st.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("failed to list users: %w", err)
	}

	fmt.Printf("%-5s %-30s %-20s %-8s %s\n", "ID", "EMAIL", "USERNAME", "CREDITS", "CREATED")
	fmt.Println(strings.Repeat("-", 80))

	for _, user := range users {
		balance, err := ledgerService.Balance(ctx, user.ID)
		if err != nil {
			return err
		}
		fmt.Printf("%-5d %-30s %-20s %-8d %s\n",
			user.ID, user.Email, user.Username, balance, user.Created.Format("2006-01-02"))
	}

	return nil
}

func grantCredits(emailAddr string, qty int) error {
	ctx := context.Background()

	user, err := lookupUser(ctx, emailAddr)
	if err != nil {
		return err
	}

	if err := ledgerService.Grant(ctx, user.ID, qty); err != nil {
		return err
	}

	balance, err := ledgerService.Balance(ctx, user.ID)
	if err != nil {
		return err
	}

	fmt.Printf("Granted %d credits to %s (balance now %d)\n", qty, emailAddr, balance)
	return nil
}

func showBalance(emailAddr string) error {
	ctx := context.Background()

	user, err := lookupUser(ctx, emailAddr)
	if err != nil {
		return err
	}

	balance, err := ledgerService.Balance(ctx, user.ID)
	if err != nil {
		return err
	}

	fmt.Printf("%s has %d credits\n", emailAddr, balance)
	return nil
}

func createOccasion(emailAddr string, input occasion.CreateInput) error {
	ctx := context.Background()

	user, err := lookupUser(ctx, emailAddr)
	if err != nil {
		return err
	}

	occ, err := occasionService.Create(ctx, user.ID, input)
	if err != nil {
		return fmt.Errorf("failed to create occasion: %w", err)
	}

	occJSON, err := json.MarshalIndent(occ, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal occasion: %w", err)
	}
	fmt.Println(string(occJSON))

	if occ.IsDraft {
		fmt.Println("No credits available: occasion saved as a draft")
	}
	return nil
}

func listOccasions(emailAddr string) error {
	ctx := context.Background()

	user, err := lookupUser(ctx, emailAddr)
	if err != nil {
		return err
	}

	occasions, err := occasionService.ListForUser(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("failed to list occasions: %w", err)
	}

	fmt.Printf("%-5s %-20s %-12s %-12s %-12s %-7s %s\n", "ID", "LABEL", "TYPE", "TONE", "DATE", "DRAFT", "PROCESSED")
	fmt.Println(strings.Repeat("-", 90))

	for _, occ := range occasions {
		processed := "-"
		if occ.DateProcessed != nil {
			processed = occ.DateProcessed.Format("2006-01-02")
		}
		fmt.Printf("%-5d %-20s %-12s %-12s %-12s %-7t %s\n",
			occ.ID, occ.Label, occ.Type, occ.Tone, occ.Date.Format("2006-01-02"), occ.IsDraft, processed)
	}

	return nil
}

func activateOccasion(emailAddr string, id int) error {
	ctx := context.Background()

	user, err := lookupUser(ctx, emailAddr)
	if err != nil {
		return err
	}

	occ, err := occasionService.ActivateDraft(ctx, id, user.ID)
	if err != nil {
		return fmt.Errorf("failed to activate occasion: %w", err)
	}

	fmt.Printf("Occasion %d (%s) activated\n", occ.ID, occ.Label)
	return nil
}

func deleteOccasion(emailAddr string, id int) error {
	ctx := context.Background()

	user, err := lookupUser(ctx, emailAddr)
	if err != nil {
		return err
	}

	if err := occasionService.Delete(ctx, id, user.ID); err != nil {
		return fmt.Errorf("failed to delete occasion: %w", err)
	}

	fmt.Printf("Occasion %d deleted\n", id)
	return nil
}

func sweepOnce() error {
	llmService, err := llm.NewService(cfg)
	if err != nil {
		return fmt.Errorf("failed to create LLM service: %w", err)
	}

	sweeper := scheduler.NewSweeper(st, occasionService, llmService, emailService, cfg.ClaimLease)
	if err := sweeper.RunOnce(context.Background()); err != nil {
		return fmt.Errorf("sweep failed: %w", err)
	}

	fmt.Println("Sweep tick completed")
	return nil
}

func processOutbox() error {
	if err := emailService.ProcessOutbox(context.Background()); err != nil {
		return fmt.Errorf("failed to process outbox: %w", err)
	}

	fmt.Println("Email outbox processed")
	return nil
}

func runMigrations() error {
	if err := db.RunMigrations(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	fmt.Println("Database migrations completed")
	return nil
}
