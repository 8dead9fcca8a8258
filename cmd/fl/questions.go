package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"formline/internal/app"
	"formline/internal/bank"
	"formline/internal/domain"
	"formline/internal/repo"
)

func questionCmd() *cobra.Command {
	q := &cobra.Command{
		Use:   "question",
		Short: "Manage question definitions",
		Long:  "Questions are versioned: edit the draft, publish it, then start a new version from the active one to change it again.",
	}
	q.AddCommand(questionCreateCmd())
	q.AddCommand(questionUpdateCmd())
	q.AddCommand(questionNewVersionCmd())
	q.AddCommand(questionArchiveCmd(true))
	q.AddCommand(questionArchiveCmd(false))
	q.AddCommand(questionShowCmd())
	q.AddCommand(questionHistoryCmd())
	q.AddCommand(questionListCmd())
	return q
}

type questionFlags struct {
	file       string
	typ        string
	text       string
	helpText   string
	options    []string
	enumerator string
	entityType string
}

func (f *questionFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.file, "file", "f", "", "YAML or JSON question content")
	cmd.Flags().StringVar(&f.typ, "type", "", "question type")
	cmd.Flags().StringVar(&f.text, "text", "", "question text")
	cmd.Flags().StringVar(&f.helpText, "help-text", "", "help text")
	cmd.Flags().StringArrayVar(&f.options, "option", nil, "option label (repeatable)")
	cmd.Flags().StringVar(&f.enumerator, "enumerator", "", "enumerator question that repeats this one")
	cmd.Flags().StringVar(&f.entityType, "entity-type", "", "entity label for an enumerator")
}

func (f *questionFlags) content() (domain.QuestionContent, error) {
	var c domain.QuestionContent
	if f.file != "" {
		if err := readDefinition(f.file, &c); err != nil {
			return c, err
		}
	}
	if f.typ != "" {
		c.Type = domain.QuestionType(f.typ)
	}
	if f.text != "" {
		c.Text = f.text
	}
	if f.helpText != "" {
		c.HelpText = f.helpText
	}
	for _, label := range f.options {
		c.Options = append(c.Options, domain.QuestionOption{Label: label})
	}
	if f.enumerator != "" {
		c.Enumerator = f.enumerator
	}
	if f.entityType != "" {
		c.EntityType = f.entityType
	}
	if c.Type == "" && c.Text == "" {
		return c, fmt.Errorf("--file or --type/--text required")
	}
	return c, nil
}

func questionCreateCmd() *cobra.Command {
	var f questionFlags
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a question draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := f.content()
			if err != nil {
				return err
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				q, err := env.Engine.CreateQuestionDraft(ctx, args[0], content, actorID())
				if err != nil {
					return err
				}
				return printQuestion(q)
			})
		},
	}
	f.bind(cmd)
	return cmd
}

func questionUpdateCmd() *cobra.Command {
	var f questionFlags
	cmd := &cobra.Command{
		Use:   "update <name>",
		Short: "Replace the content of a question draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := f.content()
			if err != nil {
				return err
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				q, err := env.Engine.UpdateQuestionDraft(ctx, args[0], content, actorID())
				if err != nil {
					return err
				}
				return printQuestion(q)
			})
		},
	}
	f.bind(cmd)
	return cmd
}

func questionNewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "new-version <name>",
		Short: "Start a draft from the active version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				q, err := env.Engine.CreateQuestionVersion(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printQuestion(q)
			})
		},
	}
}

func questionArchiveCmd(archived bool) *cobra.Command {
	use, short := "archive <name>", "Mark a question for archival"
	if !archived {
		use, short = "unarchive <name>", "Restore an archived question"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				q, err := env.Engine.SetQuestionArchived(ctx, args[0], archived, actorID())
				if err != nil {
					return err
				}
				return printQuestion(q)
			})
		},
	}
}

func questionShowCmd() *cobra.Command {
	var version string
	cmd := &cobra.Command{
		Use:   "show <name>",
		Short: "Show one version of a question",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sel, err := repo.ParseSelector(version)
			if err != nil {
				return err
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				q, err := env.Engine.GetQuestion(ctx, args[0], sel)
				if err != nil {
					return err
				}
				return printQuestion(q)
			})
		},
	}
	cmd.Flags().StringVar(&version, "version", "", "active, draft, latest or a version number")
	return cmd
}

func questionHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <name>",
		Short: "List every version of a question",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				items, err := env.Engine.QuestionHistory(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(items, func() {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"Version", "State", "Type", "Text", "Archived", "Updated"})
					for _, q := range items {
						tw.AppendRow(table.Row{q.Version, q.State, q.Type, q.Text, q.MarkedForArchival, since(q.UpdatedAt)})
					}
					tw.Render()
				})
			})
		},
	}
}

func questionListCmd() *cobra.Command {
	var (
		q    bank.Query
		sort string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the question bank",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := bank.ParseSort(sort)
			if err != nil {
				return err
			}
			q.Sort = key
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				items, err := env.Bank.List(ctx, q)
				if err != nil {
					return err
				}
				return printJSONOrTable(items, func() {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"Name", "Type", "Text", "Active", "Draft", "Programs", "Updated"})
					for _, it := range items {
						name := it.Name
						if it.MarkedForArchival {
							name += " (archived)"
						}
						tw.AppendRow(table.Row{name, it.Type, it.Text, versionCell(it.ActiveVersion), versionCell(it.DraftVersion), it.UsageCount, since(it.UpdatedAt)})
					}
					tw.Render()
				})
			})
		},
	}
	cmd.Flags().StringVar(&q.Filter, "filter", "", "match question text")
	cmd.Flags().StringVar(&sort, "sort", "", fmt.Sprintf("one of %v", bank.SortKeys))
	cmd.Flags().BoolVar(&q.IncludeArchived, "include-archived", false, "include questions marked for archival")
	return cmd
}

func versionCell(v int) string {
	if v == 0 {
		return "-"
	}
	return fmt.Sprintf("v%d", v)
}

func printQuestion(q domain.QuestionDefinition) error {
	return printJSONOrTable(q, func() {
		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		tw.AppendRows([]table.Row{
			{"Name", q.Name},
			{"Version", q.Version},
			{"State", q.State},
			{"Type", q.Type},
			{"Text", q.Text},
		})
		if len(q.Options) > 0 {
			tw.AppendRow(table.Row{"Options", q.OptionLabels()})
		}
		if q.Enumerator != "" {
			tw.AppendRow(table.Row{"Enumerator", q.Enumerator})
		}
		if q.MarkedForArchival {
			tw.AppendRow(table.Row{"Archived", true})
		}
		tw.AppendRow(table.Row{"Updated", since(q.UpdatedAt)})
		tw.Render()
	})
}
