package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/relay/internal/audit"
	"github.com/user/relay/internal/record"
	"github.com/user/relay/internal/state"
	"github.com/user/relay/internal/types"
)

func init() {
	rootCmd.AddCommand(caseCmd)
	caseCmd.AddCommand(caseListCmd, caseShowCmd, caseAuditCmd, caseCreateCmd)
}

var caseCmd = &cobra.Command{
	Use:   "case",
	Short: "Inspect cases",
}

var caseListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all cases",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		list, err := state.NewCaseStore(cfg.DataDir).List(context.Background())
		if err != nil {
			return fmt.Errorf("list cases: %w", err)
		}
		if len(list) == 0 {
			fmt.Println("No cases found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tPATIENT\tCORE\tHISTORY\tCALL\tUPDATED")
		for _, c := range list {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				c.ID,
				c.Status,
				orDash(c.PatientName),
				yesNo(c.CoreInfoComplete),
				actionStatus(c, types.FlagMedicalDBTriggered, types.ActionHistoryLookup),
				actionStatus(c, types.FlagProviderCallTriggered, types.ActionProviderCall),
				c.UpdatedAt.Format("2006-01-02 15:04:05"),
			)
		}
		return w.Flush()
	},
}

var caseShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a case with its extracted record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		c, err := state.NewCaseStore(cfg.DataDir).Load(context.Background(), types.CaseID(args[0]))
		if err != nil {
			return err
		}

		fmt.Printf("Case:      %s\n", c.ID)
		fmt.Printf("Status:    %s\n", c.Status)
		fmt.Printf("Patient:   %s\n", orDash(c.PatientName))
		fmt.Printf("Created:   %s\n", c.CreatedAt.Format("2006-01-02 15:04:05"))
		fmt.Printf("Updated:   %s\n", c.UpdatedAt.Format("2006-01-02 15:04:05"))
		for action, res := range c.Actions {
			if res != nil {
				fmt.Printf("Action:    %s = %s\n", action, res.Outcome)
			}
		}

		rec, err := record.Decode(c.Record)
		if err != nil {
			return fmt.Errorf("decode record: %w", err)
		}
		data, err := json.MarshalIndent(rec, "", "  ")
		if err != nil {
			return err
		}
		fmt.Printf("\nRecord:\n%s\n", data)
		if c.FullTranscript != "" {
			fmt.Printf("\nTranscript:\n%s\n", c.FullTranscript)
		}
		return nil
	},
}

var caseAuditCmd = &cobra.Command{
	Use:   "audit <id>",
	Short: "Show the downstream action audit trail of a case",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		log := audit.New(state.NewAuditStore(cfg.DataDir))
		recs, err := log.ListByCase(context.Background(), types.CaseID(args[0]))
		if err != nil {
			return fmt.Errorf("list audit: %w", err)
		}
		if len(recs) == 0 {
			fmt.Println("No audit records.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "CREATED\tACTION\tOUTCOME\tTARGET\tCORRELATION\tCOMPLETED")
		for _, r := range recs {
			completed := "-"
			if r.CompletedAt != nil {
				completed = r.CompletedAt.Format("15:04:05")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				r.CreatedAt.Format("2006-01-02 15:04:05"),
				r.Action,
				r.Outcome,
				orDash(r.Target),
				orDash(string(r.CorrelationID)),
				completed,
			)
		}
		return w.Flush()
	},
}

var caseCreateCmd = &cobra.Command{
	Use:   "create [id]",
	Short: "Create a case ready for a transcript stream",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		id := types.NewCaseID()
		if len(args) == 1 {
			id = types.CaseID(args[0])
		}
		c, err := state.NewCaseStore(cfg.DataDir).Create(context.Background(), id)
		if err != nil {
			return fmt.Errorf("create case: %w", err)
		}
		fmt.Println(c.ID)
		return nil
	},
}

func actionStatus(c *types.Case, flag types.Flag, action types.Action) string {
	if !c.Flag(flag) {
		return "-"
	}
	if res, ok := c.Actions[action]; ok && res != nil {
		return string(res.Outcome)
	}
	return "fired"
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
