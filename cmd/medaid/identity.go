package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/medaid/medaid/internal/cache/db"
	"github.com/medaid/medaid/internal/cache/schema"
	"github.com/medaid/medaid/internal/healthid"
	"github.com/medaid/medaid/internal/ui"
)

var identityCmd = &cobra.Command{
	Use:     "identity",
	GroupID: "data",
	Short:   "Look up, create and verify health identities",
}

var identityGetCmd = &cobra.Command{
	Use:   "get <health-id-number>",
	Short: "Show a health identity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer a.Close()

		id, err := a.service.IdentityByNumber(cmd.Context(), canonicalNumber(args[0]))
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(id)
		}
		printIdentity(id)
		return nil
	},
}

var identityVerifyCmd = &cobra.Command{
	Use:   "verify <health-id-number>",
	Short: "Check that a health ID is valid and active",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer a.Close()

		v, err := a.service.VerifyIdentity(cmd.Context(), canonicalNumber(args[0]))
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(v)
		}

		switch {
		case !v.Valid || !v.Exists:
			fmt.Printf("%s %s\n", ui.RenderFail("✗"), v.Reason)
		case !v.Active:
			fmt.Printf("%s %s exists but is inactive\n", ui.RenderWarn("⚠"), args[0])
		case v.Pending:
			fmt.Printf("%s %s is valid (awaiting reconciliation)\n", ui.RenderWarn("⚠"), args[0])
		default:
			fmt.Printf("%s %s is valid and active\n", ui.RenderPass("✓"), args[0])
		}
		return nil
	},
}

var identityCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a health identity",
	Long: `Create a health identity with a newly generated health ID number.

The identity is inserted on the backend when it is reachable. Otherwise it is
kept in the local cache as pending and uploaded by the next reconciliation.

Missing required fields are prompted for when stdin is a terminal.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		draft := schema.HealthIdentity{}
		draft.FullName, _ = cmd.Flags().GetString("name")
		draft.DateOfBirth, _ = cmd.Flags().GetString("dob")
		draft.Gender, _ = cmd.Flags().GetString("gender")
		draft.BloodGroup, _ = cmd.Flags().GetString("blood-group")
		draft.Phone, _ = cmd.Flags().GetString("phone")
		draft.Email, _ = cmd.Flags().GetString("email")
		state, _ := cmd.Flags().GetString("state")

		if draft.FullName == "" {
			if !term.IsTerminal(int(os.Stdin.Fd())) {
				return errors.New("--name is required")
			}
			if err := promptIdentity(&draft, &state); err != nil {
				return err
			}
		}
		draft.StateCode = resolveState(state)

		a, err := openApp(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer a.Close()

		id, err := a.service.CreateIdentity(cmd.Context(), draft)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(id)
		}

		if id.PendingVerification {
			fmt.Printf("%s Created %s offline; it will be uploaded on the next reconcile\n",
				ui.RenderWarn("⚠"), ui.RenderAccent(id.HealthIDNumber))
		} else {
			fmt.Printf("%s Created %s\n", ui.RenderPass("✓"), ui.RenderAccent(id.HealthIDNumber))
		}
		printIdentity(id)
		return nil
	},
}

var identityPendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List identities awaiting reconciliation",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openCache(cmd.Context())
		if err != nil {
			return err
		}
		defer database.Close()

		docs, err := database.QueryContext(cmd.Context(), schema.HealthIDs, "pending_verification", true, db.QueryOptions{})
		if err != nil {
			return err
		}
		ids, err := schema.DecodeAll[schema.HealthIdentity](docs)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(ids)
		}
		if len(ids) == 0 {
			fmt.Printf("%s Nothing pending\n", ui.RenderPass("✓"))
			return nil
		}

		rows := make([][]string, 0, len(ids))
		for _, id := range ids {
			rows = append(rows, []string{id.ID, id.HealthIDNumber, id.FullName, id.CreatedAt})
		}
		fmt.Print(ui.Table([]string{"Local ID", "Health ID", "Name", "Created"}, rows))
		return nil
	},
}

// promptIdentity fills the draft interactively.
func promptIdentity(draft *schema.HealthIdentity, state *string) error {
	bloodGroups := []huh.Option[string]{huh.NewOption("Not known", "")}
	bloodGroups = append(bloodGroups, huh.NewOptions(healthid.BloodGroups...)...)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Full name").
				Value(&draft.FullName).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return errors.New("name is required")
					}
					return nil
				}),
			huh.NewInput().
				Title("Date of birth").
				Placeholder("YYYY-MM-DD").
				Value(&draft.DateOfBirth),
			huh.NewSelect[string]().
				Title("Blood group").
				Options(bloodGroups...).
				Value(&draft.BloodGroup),
			huh.NewInput().
				Title("State").
				Description("Name or two-digit code").
				Value(state),
		),
	)
	if err := form.Run(); err != nil {
		return fmt.Errorf("prompt cancelled: %w", err)
	}
	draft.FullName = strings.TrimSpace(draft.FullName)
	return nil
}

// resolveState accepts a state name or a two-digit code.
func resolveState(s string) string {
	s = strings.TrimSpace(s)
	if len(s) == 2 && s[0] >= '0' && s[0] <= '9' && s[1] >= '0' && s[1] <= '9' {
		return s
	}
	return healthid.StateCode(s)
}

// canonicalNumber accepts a health ID with or without dashes.
func canonicalNumber(s string) string {
	s = strings.TrimSpace(s)
	if formatted, err := healthid.Format(s); err == nil {
		return formatted
	}
	return s
}

func printIdentity(id *schema.HealthIdentity) {
	status := ui.RenderPass("active")
	if !id.IsActive {
		status = ui.RenderWarn("inactive")
	}
	if id.PendingVerification {
		status += " " + ui.RenderMuted("(pending)")
	}

	age := ""
	if n, err := healthid.Age(id.DateOfBirth, time.Now()); err == nil && id.DateOfBirth != "" {
		age = fmt.Sprint(n)
	}

	fmt.Println()
	fmt.Print(ui.KeyValue(
		"Health ID", ui.RenderAccent(id.HealthIDNumber),
		"Name", id.FullName,
		"Date of birth", id.DateOfBirth,
		"Age", age,
		"Gender", id.Gender,
		"Blood group", id.BloodGroup,
		"Phone", id.Phone,
		"Email", id.Email,
		"State", healthid.StateName(id.StateCode),
		"Status", status,
	))
	fmt.Println()
}

func init() {
	identityCreateCmd.Flags().String("name", "", "full name")
	identityCreateCmd.Flags().String("dob", "", "date of birth (YYYY-MM-DD)")
	identityCreateCmd.Flags().String("gender", "", "gender")
	identityCreateCmd.Flags().String("blood-group", "", "blood group, e.g. O+")
	identityCreateCmd.Flags().String("phone", "", "phone number")
	identityCreateCmd.Flags().String("email", "", "email address")
	identityCreateCmd.Flags().String("state", "", "state name or two-digit code")

	identityCmd.AddCommand(identityGetCmd)
	identityCmd.AddCommand(identityVerifyCmd)
	identityCmd.AddCommand(identityCreateCmd)
	identityCmd.AddCommand(identityPendingCmd)
	rootCmd.AddCommand(identityCmd)
}
