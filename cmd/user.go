// cmd/user.go
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/aceteam-ai/talktime/internal/account"
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Operator balance management",
}

var userShowCmd = &cobra.Command{
	Use:   "show <email>",
	Short: "Show a user's balance and counters",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAccounts(cmd.Context(), args[0], func(ctx context.Context, svc *account.Service, email string) error {
			u, err := svc.Talktime(ctx, email)
			if err != nil {
				return err
			}
			headerColor.Printf("--- %s ---\n", u.Email)
			fmt.Printf("  - Talktime:   %s\n", colorizeSeconds(u.TalktimeSeconds))
			fmt.Printf("  - Sessions:   %d\n", u.TotalSessions)
			fmt.Printf("  - Community:  %v\n", u.IsCommunityMember)
			if u.LastLogin != nil {
				fmt.Printf("  - Last login: %s\n", u.LastLogin.Local().Format("2006-01-02 15:04:05"))
			}
			return nil
		})
	},
}

var (
	userListLimit int
	userJSON      bool
)

var userListCmd = &cobra.Command{
	Use:     "list",
	Short:   "List users, oldest first",
	Example: `  talktime user list --limit 20`,
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAccountService(cmd.Context(), func(ctx context.Context, svc *account.Service) error {
			users, err := svc.List(ctx, userListLimit)
			if err != nil {
				return err
			}
			if userJSON {
				return printJSON(users)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			defer w.Flush()
			labelColor.Fprintln(w, "EMAIL\tTALKTIME\tSESSIONS\tCOMMUNITY\tLAST LOGIN\tCREATED")
			for _, u := range users {
				lastLogin := "-"
				if u.LastLogin != nil {
					lastLogin = u.LastLogin.Local().Format("2006-01-02 15:04:05")
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%v\t%s\t%s\n",
					u.Email, colorizeSeconds(u.TalktimeSeconds), u.TotalSessions, u.IsCommunityMember,
					lastLogin, u.CreatedAt.Local().Format("2006-01-02 15:04:05"))
			}
			if len(users) == 0 {
				fmt.Fprintln(w, "(no users)")
			}
			return nil
		})
	},
}

var userStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show totals across all users",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAccountService(cmd.Context(), func(ctx context.Context, svc *account.Service) error {
			st, err := svc.Stats(ctx)
			if err != nil {
				return err
			}
			if userJSON {
				return printJSON(st)
			}
			headerColor.Println("--- Users ---")
			fmt.Printf("  - Accounts:   %d\n", st.Users)
			fmt.Printf("  - Community:  %d\n", st.CommunityMembers)
			fmt.Printf("  - Talktime:   %s\n", colorizeSeconds(st.TotalSeconds))
			fmt.Printf("  - Sessions:   %d\n", st.TotalSessions)
			return nil
		})
	},
}

var userSignupCmd = &cobra.Command{
	Use:   "signup <email>",
	Short: "Create a user with the signup bonus",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAccounts(cmd.Context(), args[0], func(ctx context.Context, svc *account.Service, email string) error {
			u, created, err := svc.Signup(ctx, email)
			if err != nil {
				return err
			}
			if !created {
				warnColor.Printf("%s already exists (%s)\n", u.Email, colorizeSeconds(u.TalktimeSeconds))
				return nil
			}
			goodColor.Printf("created %s with %ds\n", u.Email, u.TalktimeSeconds)
			return nil
		})
	},
}

var userCreditCmd = &cobra.Command{
	Use:   "credit <email> <seconds>",
	Short: "Add (or, with a negative amount, subtract) talktime",
	Example: `  talktime user credit a@example.com 600
  talktime user credit a@example.com -- -120`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		delta, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("seconds must be an integer: %w", err)
		}
		return withAccounts(cmd.Context(), args[0], func(ctx context.Context, svc *account.Service, email string) error {
			balance, err := svc.Adjust(ctx, email, delta)
			if err != nil {
				return err
			}
			fmt.Printf("%s: %s\n", email, colorizeSeconds(balance))
			return nil
		})
	},
}

var userSetCmd = &cobra.Command{
	Use:   "set <email> <seconds>",
	Short: "Set the talktime balance",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		seconds, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("seconds must be an integer: %w", err)
		}
		return withAccounts(cmd.Context(), args[0], func(ctx context.Context, svc *account.Service, email string) error {
			balance, err := svc.Set(ctx, email, seconds)
			if err != nil {
				return err
			}
			fmt.Printf("%s: %s\n", email, colorizeSeconds(balance))
			return nil
		})
	},
}

var userCommunityCmd = &cobra.Command{
	Use:       "community <email> <on|off>",
	Short:     "Enable or disable community membership (monthly refill)",
	Args:      cobra.ExactArgs(2),
	ValidArgs: []string{"on", "off"},
	RunE: func(cmd *cobra.Command, args []string) error {
		var member bool
		switch args[1] {
		case "on":
			member = true
		case "off":
		default:
			return fmt.Errorf("expected on or off, got %q", args[1])
		}
		return withAccounts(cmd.Context(), args[0], func(ctx context.Context, svc *account.Service, email string) error {
			if err := svc.SetCommunityMember(ctx, email, member); err != nil {
				return err
			}
			fmt.Printf("%s: community=%v\n", email, member)
			return nil
		})
	},
}

func withAccounts(ctx context.Context, rawEmail string, fn func(context.Context, *account.Service, string) error) error {
	email, err := account.NormalizeEmail(rawEmail)
	if err != nil {
		return err
	}
	return withAccountService(ctx, func(ctx context.Context, svc *account.Service) error {
		return fn(ctx, svc, email)
	})
}

func withAccountService(ctx context.Context, fn func(context.Context, *account.Service) error) error {
	st, err := openStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(ctx, newAccounts(st))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func colorizeSeconds(s int64) string {
	str := fmt.Sprintf("%ds", s)
	if s <= 0 {
		return badColor.Sprint(str)
	}
	if s < 60 {
		return warnColor.Sprint(str)
	}
	return goodColor.Sprint(str)
}

func init() {
	rootCmd.AddCommand(userCmd)
	userCmd.AddCommand(userShowCmd, userListCmd, userStatsCmd, userSignupCmd, userCreditCmd, userSetCmd, userCommunityCmd)
	userListCmd.Flags().IntVar(&userListLimit, "limit", 50, "Maximum users to list (0 for all)")
	userCmd.PersistentFlags().BoolVar(&userJSON, "json", false, "Print JSON instead of a table")
}
