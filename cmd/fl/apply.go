package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"formline/internal/app"
	"formline/internal/flow"
)

func applyCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "apply",
		Short: "Fill in a program as the current actor",
		Long:  "The actor id is the applicant. One application exists per applicant and program version.",
	}
	a.AddCommand(applyStartCmd())
	a.AddCommand(applyCurrentCmd())
	a.AddCommand(applyAnswerCmd())
	a.AddCommand(applySubmitCmd())
	a.AddCommand(applySummaryCmd())
	a.AddCommand(applyVisibilityCmd())
	return a
}

func applyStartCmd() *cobra.Command {
	var version int
	cmd := &cobra.Command{
		Use:   "start <program>",
		Short: "Start or resume an application",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				a, err := env.Flow.Start(ctx, actorID(), args[0], version)
				if err != nil {
					return err
				}
				return printJSONOrTable(a, func() {
					fmt.Printf("application %s for %s v%d (%s)\n", a.ID, a.ProgramName, a.ProgramVersion, a.Status)
				})
			})
		},
	}
	cmd.Flags().IntVar(&version, "version", 0, "program version (default: active)")
	return cmd
}

func applyCurrentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "current <application-id>",
		Short: "Show the next block to fill in",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				step, err := env.Flow.CurrentBlock(ctx, args[0])
				if err != nil {
					return err
				}
				return printStep(step)
			})
		},
	}
}

func applyAnswerCmd() *cobra.Command {
	var (
		file string
		sets []string
	)
	cmd := &cobra.Command{
		Use:   "answer <application-id> <block-instance>",
		Short: "Answer the questions of one block",
		Long:  "Pass --set question=value once per value; repeat a question for checkbox or enumerator answers. Optional questions left out are saved as skipped; required ones are rejected.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw []flow.RawAnswer
			if file != "" {
				if err := readDefinition(file, &raw); err != nil {
					return err
				}
			}
			parsed, err := parseSets(sets)
			if err != nil {
				return err
			}
			raw = append(raw, parsed...)
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				step, err := env.Flow.SubmitAnswers(ctx, args[0], args[1], raw)
				if err != nil {
					return err
				}
				return printStep(step)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML or JSON list of {question, values}")
	cmd.Flags().StringArrayVar(&sets, "set", nil, "question=value (repeatable)")
	return cmd
}

// parseSets groups question=value pairs by question, keeping first-seen order.
func parseSets(sets []string) ([]flow.RawAnswer, error) {
	var out []flow.RawAnswer
	index := map[string]int{}
	for _, s := range sets {
		name, value, ok := strings.Cut(s, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --set %q, want question=value", s)
		}
		i, seen := index[name]
		if !seen {
			i = len(out)
			index[name] = i
			out = append(out, flow.RawAnswer{Question: name})
		}
		out[i].Values = append(out[i].Values, value)
	}
	return out, nil
}

func applySubmitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "submit <application-id>",
		Short: "Freeze and submit an application",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				a, err := env.Flow.Submit(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a, func() {
					fmt.Printf("submitted %s at %s\ndigest: %s\n", a.ID, *a.SubmittedAt, a.SubmissionDigest)
				})
			})
		},
	}
}

func applySummaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary <application-id>",
		Short: "List answers of visible blocks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				items, err := env.Flow.Summary(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(items, func() {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"Block", "Entity", "Question", "Answer", "Updated"})
					for _, it := range items {
						tw.AppendRow(table.Row{it.Block, it.Entity, it.Text, strings.Join(it.Values, ", "), since(it.UpdatedAt)})
					}
					tw.Render()
				})
			})
		},
	}
}

func applyVisibilityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "visibility <application-id>",
		Short: "Show the visibility of every block instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				states, err := env.Flow.Visibility(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(states, func() {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"Instance", "Block", "Entity", "Visibility"})
					for _, s := range states {
						tw.AppendRow(table.Row{s.Instance, s.Block.Name, s.Entity, s.Visibility})
					}
					tw.Render()
				})
			})
		},
	}
}

func printStep(step flow.Step) error {
	return printJSONOrTable(step, func() {
		if step.Review {
			fmt.Printf("ready for review (%d/%d blocks complete)\n", step.Completed, step.Total)
			return
		}
		b := step.Block
		title := b.Name
		if b.Entity != "" {
			title += " - " + b.Entity
		}
		fmt.Printf("block %s: %s (%d/%d complete)\n", b.Instance, title, step.Completed, step.Total)
		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		tw.AppendHeader(table.Row{"Question", "Type", "Text", "Required", "Options", "Answer"})
		for _, q := range b.Questions {
			tw.AppendRow(table.Row{q.Name, q.Type, q.Text, !q.Optional, strings.Join(q.Options, " | "), strings.Join(q.Values, ", ")})
		}
		tw.Render()
	})
}
