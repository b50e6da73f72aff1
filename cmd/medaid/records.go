package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/medaid/medaid/internal/cache/schema"
	cachesync "github.com/medaid/medaid/internal/cache/sync"
	"github.com/medaid/medaid/internal/ui"
)

var recordsCmd = &cobra.Command{
	Use:     "records",
	GroupID: "data",
	Short:   "List records for an identity or patient",
	Long: `List cached records, fetching from the backend on a local miss.

Identity-keyed collections (family, vaccinations, medical, insurance) take a
health identity id. Visit collections (consultations, appointments) take a
patient id.`,
}

// recordLister fetches one collection and renders it as table rows.
type recordLister struct {
	use    string
	short  string
	header []string
	list   func(ctx context.Context, svc *cachesync.Service, key string) (any, [][]string, error)
}

var recordListers = []recordLister{
	{
		use:    "family <health-identity-id>",
		short:  "Family members linked to an identity",
		header: []string{"Relationship", "Health ID", "Name", "Blood group"},
		list: func(ctx context.Context, svc *cachesync.Service, key string) (any, [][]string, error) {
			items, err := svc.FamilyMembers(ctx, key)
			rows := make([][]string, 0, len(items))
			for _, f := range items {
				m := f.Member
				if m == nil {
					m = &schema.MemberSnapshot{}
				}
				rows = append(rows, []string{f.Relationship, m.HealthIDNumber, m.FullName, m.BloodGroup})
			}
			return items, rows, err
		},
	},
	{
		use:    "vaccinations <health-identity-id>",
		short:  "Vaccinations, newest first",
		header: []string{"Date", "Vaccine", "Dose", "Next dose"},
		list: func(ctx context.Context, svc *cachesync.Service, key string) (any, [][]string, error) {
			items, err := svc.Vaccinations(ctx, key)
			rows := make([][]string, 0, len(items))
			for _, v := range items {
				rows = append(rows, []string{v.AdministeredDate, v.VaccineName, fmt.Sprint(v.DoseNumber), v.NextDoseDate})
			}
			return items, rows, err
		},
	},
	{
		use:    "medical <health-identity-id>",
		short:  "Medical records, newest first",
		header: []string{"Date", "Type", "Title", "Doctor"},
		list: func(ctx context.Context, svc *cachesync.Service, key string) (any, [][]string, error) {
			items, err := svc.MedicalRecords(ctx, key)
			rows := make([][]string, 0, len(items))
			for _, m := range items {
				rows = append(rows, []string{m.DiagnosisDate, m.RecordType, m.Title, m.DoctorName})
			}
			return items, rows, err
		},
	},
	{
		use:    "insurance <health-identity-id>",
		short:  "Active insurance policies",
		header: []string{"Provider", "Policy", "Type", "Valid until"},
		list: func(ctx context.Context, svc *cachesync.Service, key string) (any, [][]string, error) {
			items, err := svc.InsurancePolicies(ctx, key)
			rows := make([][]string, 0, len(items))
			for _, p := range items {
				rows = append(rows, []string{p.ProviderName, p.PolicyNumber, p.PolicyType, p.EndDate})
			}
			return items, rows, err
		},
	},
	{
		use:    "consultations <patient-id>",
		short:  "Consultations, newest first",
		header: []string{"Created", "Patient", "Diagnosis", "Status"},
		list: func(ctx context.Context, svc *cachesync.Service, key string) (any, [][]string, error) {
			items, err := svc.Consultations(ctx, key)
			rows := make([][]string, 0, len(items))
			for _, c := range items {
				rows = append(rows, []string{c.CreatedAt, patientName(c.Patient), c.Diagnosis, c.Status})
			}
			return items, rows, err
		},
	},
	{
		use:    "appointments <patient-id>",
		short:  "Appointments, latest date first",
		header: []string{"Date", "Time", "Patient", "Reason", "Status"},
		list: func(ctx context.Context, svc *cachesync.Service, key string) (any, [][]string, error) {
			items, err := svc.Appointments(ctx, key)
			rows := make([][]string, 0, len(items))
			for _, a := range items {
				rows = append(rows, []string{a.AppointmentDate, a.AppointmentTime, patientName(a.Patient), a.Reason, a.Status})
			}
			return items, rows, err
		},
	},
}

func patientName(p *schema.PatientSummary) string {
	if p == nil {
		return ""
	}
	return p.FullName
}

func (l recordLister) command() *cobra.Command {
	return &cobra.Command{
		Use:   l.use,
		Short: l.short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer a.Close()

			items, rows, err := l.list(cmd.Context(), a.service, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(items)
			}
			if len(rows) == 0 {
				fmt.Println(ui.RenderMuted("No records"))
				return nil
			}
			fmt.Print(ui.Table(l.header, rows))
			return nil
		},
	}
}

func init() {
	for _, l := range recordListers {
		recordsCmd.AddCommand(l.command())
	}
	rootCmd.AddCommand(recordsCmd)
}
