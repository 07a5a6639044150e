package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"propline/internal/app"
	"propline/internal/config"
	"propline/internal/domain"
	"propline/internal/engine"
	"propline/internal/repo"
)

func catalogCmd() *cobra.Command {
	var subtype string
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "List process definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				defs := e.Catalog.Definitions()
				if subtype != "" {
					defs = e.Catalog.ApplicableTo(subtype)
				}
				if viper.GetBool("json") {
					return printJSON(defs)
				}
				tw := newTable("Type", "Name", "Days", "Prerequisites", "Subtypes")
				for _, d := range defs {
					prereqs := make([]string, len(d.Prerequisites))
					for i, p := range d.Prerequisites {
						prereqs[i] = string(p)
					}
					subtypes := "all"
					if len(d.ApplicableSubtypes) > 0 {
						subtypes = strings.Join(d.ApplicableSubtypes, ", ")
					}
					tw.AppendRow(table.Row{d.Type, d.Name, d.EstimatedDurationDays, strings.Join(prereqs, ", "), subtypes})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&subtype, "subtype", "", "only definitions applicable to this subtype")
	return cmd
}

func propertyCmd() *cobra.Command {
	p := &cobra.Command{Use: "property", Short: "Manage properties"}
	p.AddCommand(propertyCreateCmd())
	p.AddCommand(propertyListCmd())
	p.AddCommand(propertyShowCmd())
	p.AddCommand(propertyVerifyCmd())
	return p
}

func propertyCreateCmd() *cobra.Command {
	var id, name, subtype, risk string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a property",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.CreatePropertyOptions{ID: id, Name: name, Subtype: subtype, ActorID: actorID()}
			if risk != "" {
				score, err := domain.ParseRiskScore(risk)
				if err != nil {
					return err
				}
				initial := domain.InitialState()
				initial.RiskScore = score
				opts.Initial = &initial
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreateProperty(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "property id (generated when empty)")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&subtype, "subtype", "", "property subtype")
	cmd.Flags().StringVar(&risk, "risk", "", "initial risk score")
	_ = cmd.MarkFlagRequired("subtype")
	return cmd
}

func propertyListCmd() *cobra.Command {
	var subtype, phase string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List properties",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListProperties(ctx, repo.PropertyFilters{Subtype: subtype, LifecyclePhase: phase, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Name", "Subtype", "Phase", "Activity", "Approval", "Risk")
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Subtype, p.State.LifecyclePhase, p.State.ActivityStatus, p.State.ApprovalState, p.State.RiskScore})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&subtype, "subtype", "", "subtype filter")
	cmd.Flags().StringVar(&phase, "phase", "", "lifecycle phase filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func propertyShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <property-id>",
		Short: "Show a property with its processes and audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.GetProperty(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func propertyVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <property-id>",
		Short: "Replay the audit trail and compare it with the stored state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Verify(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Property %s is consistent with its audit trail\n", args[0])
				return nil
			})
		},
	}
}

func processCmd() *cobra.Command {
	p := &cobra.Command{Use: "process", Short: "Run processes on a property"}
	p.AddCommand(processStartCmd())
	p.AddCommand(processCompleteCmd())
	p.AddCommand(processBlockCmd())
	p.AddCommand(processResumeCmd())
	return p
}

func processStartCmd() *cobra.Command {
	var assignee, due string
	cmd := &cobra.Command{
		Use:   "start <property-id> <process-type>",
		Short: "Start a process",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dueDate, err := parseDate(due)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				inst, err := e.StartProcess(ctx, args[0], engine.StartOptions{
					Type:     domain.ProcessType(args[1]),
					Assignee: assignee,
					DueDate:  dueDate,
					ActorID:  actorID(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(inst)
			})
		},
	}
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee")
	cmd.Flags().StringVar(&due, "due", "", "due date (YYYY-MM-DD or RFC3339)")
	return cmd
}

func processCompleteCmd() *cobra.Command {
	var outputs []string
	var notes string
	cmd := &cobra.Command{
		Use:   "complete <property-id> <process-id>",
		Short: "Complete a process and apply the state changes it triggers",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			outs, err := parseOutputs(outputs)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.CompleteProcess(ctx, args[0], args[1], engine.CompleteOptions{
					Outputs: outs,
					Notes:   notes,
					ActorID: actorID(),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Completed %s (%s)\n", res.Process.ID, res.Process.Type)
				if len(res.MissingOutputs) > 0 {
					fmt.Printf("Missing expected outputs: %s\n", strings.Join(res.MissingOutputs, ", "))
				}
				printChanges(res.Changes)
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&outputs, "output", nil, "output as key=value (repeatable)")
	cmd.Flags().StringVar(&notes, "notes", "", "completion notes")
	return cmd
}

func processBlockCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "block <property-id> <process-id>",
		Short: "Block a process",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				inst, err := e.BlockProcess(ctx, args[0], args[1], reason, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(inst)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the process is blocked")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func processResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <property-id> <process-id>",
		Short: "Resume a blocked process",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				inst, err := e.ResumeProcess(ctx, args[0], args[1], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(inst)
			})
		},
	}
}

func transitionCmd() *cobra.Command {
	t := &cobra.Command{Use: "transition", Short: "Manual dimension changes"}
	var dimension, to, reason string
	req := &cobra.Command{
		Use:   "request <property-id>",
		Short: "Request a manual dimension change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sc, err := e.RequestTransition(ctx, args[0], engine.TransitionOptions{
					Dimension: domain.Dimension(dimension),
					To:        to,
					Reason:    reason,
					ActorID:   actorID(),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sc)
				}
				printChanges([]domain.StateChange{sc})
				return nil
			})
		},
	}
	req.Flags().StringVar(&dimension, "dimension", "", "lifecyclePhase, activityStatus, approvalState or riskScore")
	req.Flags().StringVar(&to, "to", "", "target value")
	req.Flags().StringVar(&reason, "reason", "", "reason recorded in the audit trail")
	_ = req.MarkFlagRequired("dimension")
	_ = req.MarkFlagRequired("to")
	t.AddCommand(req)
	return t
}

func actionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "actions <property-id>",
		Short: "List processes that could be started next",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.AvailableActions(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(a)
				}
				tw := newTable("Type", "Name", "Days", "Ready", "Missing")
				for _, p := range a.Ready {
					tw.AppendRow(table.Row{p.Type, p.Name, p.EstimatedDurationDays, "yes", ""})
				}
				for _, p := range a.Blocked {
					missing := make([]string, len(p.MissingPrerequisites))
					for i, m := range p.MissingPrerequisites {
						missing[i] = string(m)
					}
					tw.AppendRow(table.Row{p.Type, p.Name, p.EstimatedDurationDays, "no", strings.Join(missing, ", ")})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
}

func historyCmd() *cobra.Command {
	var dimension, processID, from, to string
	cmd := &cobra.Command{
		Use:   "history <property-id>",
		Short: "Query the audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := engine.HistoryFilter{Dimension: domain.Dimension(dimension), ProcessID: processID}
			var err error
			if f.From, err = parseTime(from); err != nil {
				return err
			}
			if f.To, err = parseTime(to); err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				changes, err := e.History(ctx, args[0], f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(changes)
				}
				printChanges(changes)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&dimension, "dimension", "", "only this dimension")
	cmd.Flags().StringVar(&processID, "process", "", "only changes caused by this process instance")
	cmd.Flags().StringVar(&from, "from", "", "inclusive lower bound (RFC3339)")
	cmd.Flags().StringVar(&to, "to", "", "exclusive upper bound (RFC3339)")
	return cmd
}

func branchesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "branches <property-id>",
		Short: "Show lifecycle reversals",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				report, err := e.Branches(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				if report.BranchIndex < 0 {
					fmt.Println("No reversals; the lifecycle moved forward only.")
				}
				for i, seg := range report.Segments {
					path := make([]string, 0, len(seg)+1)
					path = append(path, seg[0].PreviousValue)
					for _, c := range seg {
						path = append(path, c.NewValue)
					}
					fmt.Printf("segment %d: %s\n", i+1, strings.Join(path, " -> "))
				}
				return nil
			})
		},
	}
}

func rbacCmd() *cobra.Command {
	r := &cobra.Command{Use: "rbac", Short: "Roles and API keys"}
	r.AddCommand(rbacWhoamiCmd())
	r.AddCommand(rbacGrantCmd())
	r.AddCommand(rbacRevokeCmd())
	r.AddCommand(rbacBootstrapCmd())
	r.AddCommand(apiKeyCmd())
	return r
}

func rbacWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the roles and permissions of the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				who, err := e.WhoAmI(ctx, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(who)
			})
		},
	}
}

func rbacGrantCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "grant-role <actor-id> <role>",
		Short: "Grant a role",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := requireLocal(ctx, e); err != nil {
					return err
				}
				b, err := e.GrantRole(ctx, args[0], args[1], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
}

func rbacRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke-role <actor-id> <role>",
		Short: "Revoke a role",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := requireLocal(ctx, e); err != nil {
					return err
				}
				if err := e.RevokeRole(ctx, args[0], args[1], actorID()); err != nil {
					return err
				}
				fmt.Printf("Revoked %s from %s\n", args[1], args[0])
				return nil
			})
		},
	}
}

func rbacBootstrapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bootstrap",
		Short: "Make the current actor owner when no bindings exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				created, err := app.Bootstrap(ctx, e.Repo, actorID())
				if err != nil {
					return err
				}
				if created {
					fmt.Printf("%s is now owner\n", actorID())
				} else {
					fmt.Println("Role bindings already exist; nothing to do")
				}
				return nil
			})
		},
	}
}

func apiKeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "api-key", Short: "Manage API keys"}
	var name string
	create := &cobra.Command{
		Use:   "create <actor-id>",
		Short: "Create an API key; the secret is printed once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := requireLocal(ctx, e); err != nil {
					return err
				}
				key, secret, err := e.CreateAPIKey(ctx, args[0], name, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"key": key, "secret": secret})
				}
				fmt.Printf("API key %s for %s\n%s\n", key.ID, key.ActorID, secret)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "label")
	list := &cobra.Command{
		Use:   "list [actor-id]",
		Short: "List API keys",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner := ""
			if len(args) == 1 {
				owner = args[0]
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.ListAPIKeys(ctx, owner)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable("ID", "Actor", "Name", "Created")
				for _, key := range keys {
					tw.AppendRow(table.Row{key.ID, key.ActorID, key.Name, key.CreatedAt})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	del := &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := requireLocal(ctx, e); err != nil {
					return err
				}
				return e.DeleteAPIKey(ctx, args[0], actorID())
			})
		},
	}
	k.AddCommand(create, list, del)
	return k
}

// requireLocal applies the rbac.manage check to CLI callers.
func requireLocal(ctx context.Context, e engine.Engine) error {
	ok, err := e.Auth.ActorHasPermission(ctx, nil, actorID(), config.PermRBACManage)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s lacks rbac.manage", actorID())
	}
	return nil
}

func printChanges(changes []domain.StateChange) {
	if len(changes) == 0 {
		fmt.Println("No state changes")
		return
	}
	tw := newTable("Seq", "Dimension", "From", "To", "Trigger", "By", "At", "Reason")
	for _, c := range changes {
		tw.AppendRow(table.Row{c.Seq, c.Dimension, c.PreviousValue, c.NewValue, c.Trigger, c.ChangedBy, c.ChangedAt.Format(time.RFC3339), c.Reason})
	}
	fmt.Println(tw.Render())
}

func parseOutputs(raw []string) ([]domain.ProcessOutput, error) {
	out := make([]domain.ProcessOutput, 0, len(raw))
	for _, kv := range raw {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("invalid --output %q, want key=value", kv)
		}
		out = append(out, domain.ProcessOutput{Key: strings.TrimSpace(key), Value: value})
	}
	return out, nil
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q", raw)
	}
	return t, nil
}

func parseDate(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := parseTime(raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
