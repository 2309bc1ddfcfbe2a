package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"tradeline/internal/app"
	"tradeline/internal/config"
	"tradeline/internal/db"
	"tradeline/internal/domain"
	"tradeline/internal/engine"
	"tradeline/internal/migrate"
	"tradeline/internal/repo"
	"tradeline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "tl",
	Short: "Tradeline CLI",
	Long: `Tradeline administers trade-finance engagements against credit lines.
- Workspace: your .tradeline directory holding the database; the config lives in tradeline.yml and is mirrored into the DB.
- Credit lines: facilities with a ceiling, per-category thresholds, a tolerance band and guarantees.
- Draw-downs: consumption of a line per category; rejected when the ceiling or a threshold would be breached.
- Templates: workflow definitions with ordered steps, field schemas and calculated fields.
- Engagements: running workflows; each step completion is appended to an immutable history until settlement.
- Event log: diary of changes, view with 'tl log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TRADELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(creditLineCmd())
	rootCmd.AddCommand(templateCmd())
	rootCmd.AddCommand(engagementCmd())
	rootCmd.AddCommand(roleCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func creditLineCmd() *cobra.Command {
	cl := &cobra.Command{Use: "creditline", Short: "Manage credit lines"}
	cl.AddCommand(creditLineCreateCmd())
	cl.AddCommand(creditLineListCmd())
	cl.AddCommand(creditLineShowCmd())
	cl.AddCommand(creditLineDrawCmd())
	cl.AddCommand(creditLineSuspendCmd())
	cl.AddCommand(creditLineCloseCmd())
	cl.AddCommand(guaranteeCmd())
	return cl
}

func creditLineCreateCmd() *cobra.Command {
	var label, ceiling, currency, interest, commission, start, expiry, maxTol, minTol string
	var thresholds []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a credit line",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.CreditLineCreateOptions{
					Label:      label,
					StartDate:  start,
					ExpiryDate: expiry,
					Currency:   currency,
					ActorID:    viper.GetString("actor-id"),
				}
				var err error
				if opts.Ceiling, err = decimal.NewFromString(ceiling); err != nil {
					return fmt.Errorf("--ceiling is not a decimal: %q", ceiling)
				}
				if interest != "" {
					if opts.InterestRate, err = decimal.NewFromString(interest); err != nil {
						return fmt.Errorf("--interest-rate is not a decimal: %q", interest)
					}
				}
				if commission != "" {
					if opts.CommissionRate, err = decimal.NewFromString(commission); err != nil {
						return fmt.Errorf("--commission-rate is not a decimal: %q", commission)
					}
				}
				if maxTol != "" {
					d, err := decimal.NewFromString(maxTol)
					if err != nil {
						return fmt.Errorf("--max-tolerance is not a decimal: %q", maxTol)
					}
					opts.MaxTolerance = &d
				}
				if minTol != "" {
					d, err := decimal.NewFromString(minTol)
					if err != nil {
						return fmt.Errorf("--min-tolerance is not a decimal: %q", minTol)
					}
					opts.MinTolerance = &d
				}
				if len(thresholds) > 0 {
					opts.Thresholds = map[string]decimal.Decimal{}
					for _, kv := range thresholds {
						key, value, ok := strings.Cut(kv, "=")
						if !ok {
							return fmt.Errorf("--threshold must be KEY=AMOUNT, got %q", kv)
						}
						d, err := decimal.NewFromString(value)
						if err != nil {
							return fmt.Errorf("threshold %s is not a decimal: %q", key, value)
						}
						opts.Thresholds[key] = d
					}
				}
				line, err := e.CreateCreditLine(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(line)
			})
		},
	}
	cmd.Flags().StringVar(&label, "label", "", "facility label")
	cmd.Flags().StringVar(&ceiling, "ceiling", "", "global ceiling amount")
	cmd.Flags().StringVar(&currency, "currency", "", "currency (defaults to workspace)")
	cmd.Flags().StringVar(&interest, "interest-rate", "", "interest rate")
	cmd.Flags().StringVar(&commission, "commission-rate", "", "commission rate")
	cmd.Flags().StringVar(&start, "start", "", "start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&expiry, "expiry", "", "expiry date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&maxTol, "max-tolerance", "", "allowed over-ceiling amount")
	cmd.Flags().StringVar(&minTol, "min-tolerance", "", "tolerance band floor")
	cmd.Flags().StringArrayVar(&thresholds, "threshold", nil, "category threshold, KEY=AMOUNT (repeatable)")
	_ = cmd.MarkFlagRequired("label")
	_ = cmd.MarkFlagRequired("ceiling")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("expiry")
	return cmd
}

func creditLineListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List credit lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListCreditLines(ctx, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "LABEL", "STATUS", "CEILING", "CONSUMED", "AVAILABLE", "EXPIRY")
				for _, l := range items {
					tw.AppendRow(table.Row{l.ID, l.Label, l.Status, l.Ceiling.String(), l.TotalConsumed.String(), l.Available().String(), l.ExpiryDate})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	return cmd
}

func creditLineShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a credit line",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				line, err := e.GetCreditLine(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(line)
			})
		},
	}
	return cmd
}

func creditLineDrawCmd() *cobra.Command {
	var amount, category, reference string
	cmd := &cobra.Command{
		Use:   "draw <id>",
		Short: "Draw down on a credit line",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := decimal.NewFromString(amount)
			if err != nil {
				return fmt.Errorf("--amount is not a decimal: %q", amount)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				line, err := e.DrawDown(ctx, engine.DrawDownOptions{
					CreditLineID: args[0],
					Amount:       d,
					Category:     category,
					Reference:    reference,
					ActorID:      viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(line)
			})
		},
	}
	cmd.Flags().StringVar(&amount, "amount", "", "amount to draw")
	cmd.Flags().StringVar(&category, "category", "", "draw category")
	cmd.Flags().StringVar(&reference, "reference", "", "external reference")
	_ = cmd.MarkFlagRequired("amount")
	_ = cmd.MarkFlagRequired("category")
	return cmd
}

func creditLineSuspendCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "suspend <id>",
		Short: "Suspend a credit line",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				line, err := e.SuspendCreditLine(ctx, args[0], reason, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(line)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "suspension reason")
	return cmd
}

func creditLineCloseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "close <id>",
		Short: "Close a credit line (requires zero consumption)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				line, err := e.CloseCreditLine(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(line)
			})
		},
	}
	return cmd
}

func guaranteeCmd() *cobra.Command {
	g := &cobra.Command{Use: "guarantee", Short: "Manage guarantees"}
	g.AddCommand(guaranteeAttachCmd())
	g.AddCommand(guaranteeListCmd())
	return g
}

func guaranteeAttachCmd() *cobra.Command {
	var gType, amount, expiry, description string
	cmd := &cobra.Command{
		Use:   "attach <line-id>",
		Short: "Attach a guarantee to a credit line",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := decimal.NewFromString(amount)
			if err != nil {
				return fmt.Errorf("--amount is not a decimal: %q", amount)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				g, err := e.AttachGuarantee(ctx, engine.GuaranteeAttachOptions{
					CreditLineID: args[0],
					Type:         gType,
					Amount:       d,
					ExpiryDate:   expiry,
					Description:  description,
					ActorID:      viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
	cmd.Flags().StringVar(&gType, "type", "", "guarantee type (e.g. mortgage, pledge, personal)")
	cmd.Flags().StringVar(&amount, "amount", "", "guarantee amount")
	cmd.Flags().StringVar(&expiry, "expiry", "", "expiry date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&description, "description", "", "description")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("amount")
	_ = cmd.MarkFlagRequired("expiry")
	return cmd
}

func guaranteeListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <line-id>",
		Short: "List guarantees of a credit line",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListGuarantees(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "TYPE", "AMOUNT", "EXPIRY", "DESCRIPTION")
				for _, g := range items {
					tw.AppendRow(table.Row{g.ID, g.Type, g.Amount.String(), g.ExpiryDate, g.Description})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	return cmd
}

// templateFile models the YAML accepted by 'tl template import'.
type templateFile struct {
	Code         string `yaml:"code"`
	Label        string `yaml:"label"`
	DrawCategory string `yaml:"draw_category,omitempty"`
	Steps        []struct {
		Order            int      `yaml:"order"`
		Code             string   `yaml:"code"`
		Label            string   `yaml:"label"`
		Documents        []string `yaml:"documents,omitempty"`
		RequiresApproval bool     `yaml:"requires_approval,omitempty"`
		ApprovalRoles    []string `yaml:"approval_roles,omitempty"`
		Fields           []struct {
			Name      string   `yaml:"name"`
			Label     string   `yaml:"label,omitempty"`
			Type      string   `yaml:"type"`
			Required  bool     `yaml:"required,omitempty"`
			Options   []string `yaml:"options,omitempty"`
			Relation  string   `yaml:"relation,omitempty"`
			Formula   string   `yaml:"formula,omitempty"`
			DependsOn []string `yaml:"depends_on,omitempty"`
		} `yaml:"fields,omitempty"`
	} `yaml:"steps"`
}

func templateCmd() *cobra.Command {
	t := &cobra.Command{Use: "template", Short: "Manage workflow templates"}
	t.AddCommand(templateImportCmd())
	t.AddCommand(templateListCmd())
	t.AddCommand(templateShowCmd())
	return t
}

func templateImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a workflow template from YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			var tf templateFile
			if err := yaml.Unmarshal(data, &tf); err != nil {
				return fmt.Errorf("invalid template yaml: %w", err)
			}
			t := domain.WorkflowTemplate{
				Code:         tf.Code,
				Label:        tf.Label,
				DrawCategory: tf.DrawCategory,
			}
			for _, s := range tf.Steps {
				step := domain.WorkflowStep{
					StepOrder:        s.Order,
					Code:             s.Code,
					Label:            s.Label,
					Documents:        s.Documents,
					RequiresApproval: s.RequiresApproval,
					ApprovalRoles:    s.ApprovalRoles,
				}
				for _, f := range s.Fields {
					step.Fields = append(step.Fields, domain.FieldSpec{
						Name:      f.Name,
						Label:     f.Label,
						Type:      f.Type,
						Required:  f.Required,
						Options:   f.Options,
						Relation:  f.Relation,
						Formula:   f.Formula,
						DependsOn: f.DependsOn,
					})
				}
				t.Steps = append(t.Steps, step)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				imported, err := e.ImportTemplate(ctx, t, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(imported)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML template")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func templateListCmd() *cobra.Command {
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListTemplates(ctx, activeOnly)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("CODE", "LABEL", "ACTIVE", "STEPS", "DRAW CATEGORY")
				for _, t := range items {
					tw.AppendRow(table.Row{t.Code, t.Label, t.Active, len(t.Steps), t.DrawCategory})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active", false, "only active templates")
	return cmd
}

func templateShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <code>",
		Short: "Show a template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetTemplateByCode(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func engagementCmd() *cobra.Command {
	eng := &cobra.Command{Use: "engagement", Short: "Manage engagements"}
	eng.AddCommand(engagementCreateCmd())
	eng.AddCommand(engagementListCmd())
	eng.AddCommand(engagementShowCmd())
	eng.AddCommand(engagementCompleteCmd())
	eng.AddCommand(engagementCancelCmd())
	eng.AddCommand(engagementHistoryCmd())
	return eng
}

func engagementCreateCmd() *cobra.Command {
	var templateCode, creditLineID, amount, currency, start, due string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open an engagement on a template",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.EngagementCreateOptions{
				TemplateCode: templateCode,
				CreditLineID: creditLineID,
				Currency:     currency,
				StartDate:    start,
				DueDate:      due,
				ActorID:      viper.GetString("actor-id"),
			}
			if amount != "" {
				d, err := decimal.NewFromString(amount)
				if err != nil {
					return fmt.Errorf("--amount is not a decimal: %q", amount)
				}
				opts.Amount = d
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				eng, err := e.CreateEngagement(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(eng)
			})
		},
	}
	cmd.Flags().StringVar(&templateCode, "template", "", "template code")
	cmd.Flags().StringVar(&creditLineID, "credit-line", "", "credit line to draw on")
	cmd.Flags().StringVar(&amount, "amount", "", "engagement amount")
	cmd.Flags().StringVar(&currency, "currency", "", "currency")
	cmd.Flags().StringVar(&start, "start", "", "start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&due, "due", "", "due date (YYYY-MM-DD)")
	_ = cmd.MarkFlagRequired("template")
	return cmd
}

func engagementListCmd() *cobra.Command {
	var status, templateID, creditLineID, cursor string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List engagements",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, next, err := e.Repo.ListEngagements(ctx, repo.EngagementFilter{
					TemplateID:   templateID,
					CreditLineID: creditLineID,
					Status:       status,
					Limit:        limit,
					Cursor:       cursor,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"items": items, "next_cursor": next})
				}
				tw := newTable("REFERENCE", "STATUS", "AMOUNT", "CURRENT STEP", "CREATED")
				for _, eng := range items {
					step := ""
					if eng.CurrentStepID != nil {
						step = *eng.CurrentStepID
					}
					tw.AppendRow(table.Row{eng.Reference, eng.Status, eng.Amount.String(), step, eng.CreatedAt})
				}
				fmt.Println(tw.Render())
				if next != "" {
					fmt.Printf("next cursor: %s\n", next)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&templateID, "template-id", "", "filter by template")
	cmd.Flags().StringVar(&creditLineID, "credit-line", "", "filter by credit line")
	cmd.Flags().IntVar(&limit, "limit", 50, "page size")
	cmd.Flags().StringVar(&cursor, "cursor", "", "pagination cursor")
	return cmd
}

func engagementShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an engagement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				eng, err := e.GetEngagement(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(eng)
			})
		},
	}
	return cmd
}

func engagementCompleteCmd() *cobra.Command {
	var fieldsJSON, fieldsFile string
	var documents []string
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Complete the current step of an engagement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw []byte
			switch {
			case fieldsFile != "":
				data, err := os.ReadFile(fieldsFile)
				if err != nil {
					return err
				}
				raw = data
			case fieldsJSON != "":
				raw = []byte(fieldsJSON)
			}
			var fields map[string]domain.FieldValue
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &fields); err != nil {
					return fmt.Errorf("invalid fields JSON: %w", err)
				}
			}
			var docs []domain.DocumentRef
			for _, d := range documents {
				name, uri, _ := strings.Cut(d, "=")
				docs = append(docs, domain.DocumentRef{Name: name, URI: uri})
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				eng, completion, err := e.CompleteStep(ctx, engine.StepCompleteOptions{
					EngagementID: args[0],
					Fields:       fields,
					Documents:    docs,
					ActorID:      viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"engagement": eng, "completion": completion})
			})
		},
	}
	cmd.Flags().StringVar(&fieldsJSON, "fields", "", `field values as JSON, e.g. '{"amount":{"kind":"number","number":"1000"}}'`)
	cmd.Flags().StringVar(&fieldsFile, "fields-file", "", "path to a JSON file with field values")
	cmd.Flags().StringArrayVar(&documents, "document", nil, "document reference, NAME=URI (repeatable)")
	return cmd
}

func engagementCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel an engagement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				eng, err := e.CancelEngagement(ctx, args[0], reason, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(eng)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

func engagementHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <id>",
		Short: "Show the step completion history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				history, err := e.History(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(history)
				}
				tw := newTable("STEP", "COMPLETED BY", "COMPLETED AT")
				for _, c := range history {
					by := ""
					if c.CompletedBy != nil {
						by = *c.CompletedBy
					}
					tw.AppendRow(table.Row{c.StepID, by, c.CompletedAt})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	return cmd
}

func roleCmd() *cobra.Command {
	r := &cobra.Command{Use: "role", Short: "Manage actor roles"}
	r.AddCommand(roleGrantCmd())
	r.AddCommand(roleRevokeCmd())
	r.AddCommand(roleListCmd())
	return r
}

func roleGrantCmd() *cobra.Command {
	var actor, role string
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Grant a role to an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.GrantRole(ctx, actor, role, viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Printf("granted %s to %s\n", role, actor)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func roleRevokeCmd() *cobra.Command {
	var actor, role string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a role from an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.RevokeRole(ctx, actor, role, viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Printf("revoked %s from %s\n", role, actor)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func roleListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List roles of an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				roles, err := r.ActorRoles(ctx, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(roles)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	k.AddCommand(apikeyCreateCmd())
	k.AddCommand(apikeyListCmd())
	k.AddCommand(apikeyRevokeCmd())
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the raw key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				rawKey := uuid.NewString() + uuid.NewString()
				k := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   actor,
					Name:      name,
					KeyHash:   repo.HashAPIKey(rawKey),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, k); err != nil {
					return err
				}
				fmt.Printf("api key %s created for %s\n%s\n", k.ID, actor, rawKey)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key name")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "ACTOR", "NAME", "CREATED")
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	c := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	c.AddCommand(configInitCmd())
	c.AddCommand(configShowCmd())
	c.AddCommand(configImportCmd())
	return c
}

func configInitCmd() *cobra.Command {
	var workspaceID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default tradeline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(workspaceID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&workspaceID, "id", "default", "workspace id")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the active workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import workspace config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.UpsertWorkspaceConfig(ctx, cfg.Workspace.ID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable("ID", "TS", "TYPE", "ENTITY", "ACTOR")
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + "/" + evt.EntityID, evt.ActorID})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveWorkspaceConfig(cmd.Context(), workspace, "", r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("TRADELINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("TRADELINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Tradeline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveWorkspaceConfig(ctx, workspace, "", r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	return fn(ctx, r)
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.AppendHeader(table.Row(header))
	return tw
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
